// Package circuits は回路合成の計算段を提供します。合成は入力だけから
// 決まる純粋な処理で、I/O を一切行いません。パイプラインの中で長時間
// CPU を占有してよいのはこの段だけです。
package circuits

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/suizapt/zksync-era/internal/prover"
)

// SynthesizeScheduler は組み立て済みの最終段ウィットネスから終端回路を
// 合成します。capacity は回路の固定容量で、検証鍵マニフェスト由来の
// プロセス定数です。同じ入力と容量からは常に同じ回路が得られます。
func SynthesizeScheduler(input prover.SchedulerPartialInput, capacity int) (prover.Circuit, error) {
	if capacity <= 0 {
		return prover.Circuit{}, fmt.Errorf("capacity must be positive, got %d", capacity)
	}
	if input.NodeLayerVK.Hash == "" {
		return prover.Circuit{}, fmt.Errorf("batch %d: node layer VK is missing", input.BlockNumber)
	}
	if len(input.ProofWitnesses) == 0 {
		return prover.Circuit{}, fmt.Errorf("batch %d: no proof witnesses attached", input.BlockNumber)
	}
	if len(input.LeafLayerParameters) != prover.LeafLayerWidth {
		return prover.Circuit{}, fmt.Errorf("batch %d: leaf parameter table has %d rows, want %d: %w",
			input.BlockNumber, len(input.LeafLayerParameters), prover.LeafLayerWidth, prover.ErrLeafParameterWidth)
	}

	encoded, err := json.Marshal(input)
	if err != nil {
		return prover.Circuit{}, fmt.Errorf("encode witness for batch %d: %w", input.BlockNumber, err)
	}

	// 容量に比例した回数だけダイジェストを畳み込み、封印値を作る。
	digest := blake2b.Sum256(encoded)
	var counter [8]byte
	for i := 0; i < capacity; i++ {
		binary.LittleEndian.PutUint64(counter[:], uint64(i))
		digest = blake2b.Sum256(append(digest[:], counter[:]...))
	}

	return prover.Circuit{
		CircuitID:  prover.SchedulerCircuitID,
		Round:      prover.RoundScheduler,
		Commitment: hex.EncodeToString(digest[:]),
		Payload:    encoded,
	}, nil
}
