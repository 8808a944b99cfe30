package prover

import (
	"encoding/json"
	"fmt"
)

// LeafLayerWidth は基本層の回路種別数、すなわち葉層パラメータ表の
// 固定幅です。回路一式を差し替えない限り変わりません。
const LeafLayerWidth = 13

// VerificationKey は一つの回路層に対応する検証鍵です。
// 鍵本体は不透明なバイト列で、Hash が層の同一性を表します。
type VerificationKey struct {
	CircuitID uint8  `json:"circuit_id"`
	Hash      string `json:"hash"`
	Payload   []byte `json:"payload"`
}

// LayerParameters は葉層の一エントリ分の再帰パラメータです。
// テーブル上の位置（= CircuitID）が意味を持つため、順序は変更できません。
type LayerParameters struct {
	CircuitID    uint8  `json:"circuit_id"`
	VKCommitment string `json:"vk_commitment"`
}

// SchedulerPartialInput は前段が用意する最終段ウィットネスの骨格です。
// バッチ登録時点では NodeLayerVK・ProofWitnesses・LeafLayerParameters は
// 空で、ジョブ準備の段階で現在の鍵一式と依存証明で埋められます。
type SchedulerPartialInput struct {
	BlockNumber         BatchNumber       `json:"block_number"`
	PreviousRootHash    string            `json:"previous_root_hash"`
	NewRootHash         string            `json:"new_root_hash"`
	NodeLayerVK         VerificationKey   `json:"node_layer_vk"`
	ProofWitnesses      []Proof           `json:"proof_witnesses"`
	LeafLayerParameters []LayerParameters `json:"leaf_layer_parameters"`
}

// EncodeSchedulerPartialInput は保存用の直列化表現を返します。
func EncodeSchedulerPartialInput(in SchedulerPartialInput) ([]byte, error) {
	return json.Marshal(in)
}

// DecodeSchedulerPartialInput は直列化表現から骨格を復元します。
func DecodeSchedulerPartialInput(data []byte) (SchedulerPartialInput, error) {
	var in SchedulerPartialInput
	if err := json.Unmarshal(data, &in); err != nil {
		return SchedulerPartialInput{}, fmt.Errorf("decode scheduler partial input: %w", err)
	}
	return in, nil
}
