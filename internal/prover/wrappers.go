package prover

import (
	"encoding/json"
	"fmt"
)

// ProofKind はラップされた証明の種別タグです。
type ProofKind string

const (
	// ProofKindBase は基本段（集約前）の証明を示します。
	ProofKindBase ProofKind = "base"
	// ProofKindRecursive は集約段が生成する再帰証明を示します。
	ProofKindRecursive ProofKind = "recursive"
)

// Proof は一つの証明成果物です。中身のバイト列は上位層にとって不透明で、
// Commitment だけが同一性の確認に使われます。
type Proof struct {
	CircuitID  uint8  `json:"circuit_id"`
	Commitment string `json:"commitment"`
	Payload    []byte `json:"payload"`
}

// ProofWrapper は証明の種別タグ付きコンテナです。
// ストアには常にこの形で直列化して保存します。
type ProofWrapper struct {
	Kind  ProofKind `json:"kind"`
	Proof Proof     `json:"proof"`
}

// Recursive はラップされた証明を再帰証明として取り出します。
// 基本段の証明だった場合は ErrUnexpectedBaseProof を返します。
// 最終段の入力には再帰証明しか現れないはずなので、これは
// パイプライン配線の破れを意味します。
func (w ProofWrapper) Recursive() (Proof, error) {
	switch w.Kind {
	case ProofKindRecursive:
		return w.Proof, nil
	case ProofKindBase:
		return Proof{}, fmt.Errorf("circuit %d: %w", w.Proof.CircuitID, ErrUnexpectedBaseProof)
	default:
		return Proof{}, fmt.Errorf("unknown proof kind %q", w.Kind)
	}
}

// EncodeProofWrapper は保存用の直列化表現を返します。
func EncodeProofWrapper(w ProofWrapper) ([]byte, error) {
	if w.Kind != ProofKindBase && w.Kind != ProofKindRecursive {
		return nil, fmt.Errorf("unknown proof kind %q", w.Kind)
	}
	return json.Marshal(w)
}

// DecodeProofWrapper は直列化表現から ProofWrapper を復元します。
func DecodeProofWrapper(data []byte) (ProofWrapper, error) {
	var w ProofWrapper
	if err := json.Unmarshal(data, &w); err != nil {
		return ProofWrapper{}, fmt.Errorf("decode proof wrapper: %w", err)
	}
	if w.Kind != ProofKindBase && w.Kind != ProofKindRecursive {
		return ProofWrapper{}, fmt.Errorf("unknown proof kind %q", w.Kind)
	}
	return w, nil
}

// CircuitKind はラップされた回路の種別タグです。
type CircuitKind string

const (
	CircuitKindBase      CircuitKind = "base"
	CircuitKindRecursive CircuitKind = "recursive"
)

// Circuit は合成済みの回路（回路定義と充足済みウィットネスの束）です。
type Circuit struct {
	CircuitID  uint8            `json:"circuit_id"`
	Round      AggregationRound `json:"aggregation_round"`
	Commitment string           `json:"commitment"`
	Payload    []byte           `json:"payload"`
}

// CircuitWrapper は回路の種別タグ付きコンテナです。
type CircuitWrapper struct {
	Kind    CircuitKind `json:"kind"`
	Circuit Circuit     `json:"circuit"`
}

// EncodeCircuitWrapper は保存用の直列化表現を返します。
func EncodeCircuitWrapper(w CircuitWrapper) ([]byte, error) {
	if w.Kind != CircuitKindBase && w.Kind != CircuitKindRecursive {
		return nil, fmt.Errorf("unknown circuit kind %q", w.Kind)
	}
	return json.Marshal(w)
}

// DecodeCircuitWrapper は直列化表現から CircuitWrapper を復元します。
func DecodeCircuitWrapper(data []byte) (CircuitWrapper, error) {
	var w CircuitWrapper
	if err := json.Unmarshal(data, &w); err != nil {
		return CircuitWrapper{}, fmt.Errorf("decode circuit wrapper: %w", err)
	}
	if w.Kind != CircuitKindBase && w.Kind != CircuitKindRecursive {
		return CircuitWrapper{}, fmt.Errorf("unknown circuit kind %q", w.Kind)
	}
	return w, nil
}
