package prover

import "fmt"

// SchedulerCircuitID は最終段の回路に予約された回路 ID です。
// 最終段はバッチごとに必ず一つの回路しか生成しないため、
// シーケンス番号と深さは常に 0 になります。
const SchedulerCircuitID uint8 = 1

// CircuitKey は合成済み回路のストレージ上の一意な座標です。
// 同じ座標には常に同じ成果物が対応します（内容アドレス）。
type CircuitKey struct {
	BlockNumber    BatchNumber      `json:"block_number"`
	CircuitID      uint8            `json:"circuit_id"`
	SequenceNumber int              `json:"sequence_number"`
	Depth          uint16           `json:"depth"`
	Round          AggregationRound `json:"aggregation_round"`
}

// SchedulerCircuitKey は指定バッチの最終段回路の座標を返します。
func SchedulerCircuitKey(block BatchNumber) CircuitKey {
	return CircuitKey{
		BlockNumber:    block,
		CircuitID:      SchedulerCircuitID,
		SequenceNumber: 0,
		Depth:          0,
		Round:          RoundScheduler,
	}
}

// Bucket はオブジェクトストア上の格納先バケット名を返します。
func (k CircuitKey) Bucket() string { return "prover_jobs" }

// ObjectName は座標から決定的に導出されるオブジェクト名を返します。
func (k CircuitKey) ObjectName() string {
	return fmt.Sprintf("%d_%d_%d_%d_%s.bin",
		k.BlockNumber, k.CircuitID, k.SequenceNumber, k.Depth, k.Round)
}

// ProofKey は完了済み証明ジョブの成果物を指す座標です。
// 台帳上のジョブ ID と一対一に対応します。
type ProofKey int64

func (k ProofKey) Bucket() string { return "proofs" }

func (k ProofKey) ObjectName() string {
	return fmt.Sprintf("proof_%d.bin", int64(k))
}

// WitnessInputKey はバッチ登録時に預かる部分ウィットネスの座標です。
type WitnessInputKey BatchNumber

func (k WitnessInputKey) Bucket() string { return "scheduler_witness_inputs" }

func (k WitnessInputKey) ObjectName() string {
	return fmt.Sprintf("scheduler_partial_input_%d.bin", uint32(k))
}
