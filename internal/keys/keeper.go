// Package keys は検証鍵マニフェストの読み込みと保持を提供します。
// マニフェストはプロセス起動時に一度だけ読み込まれ、以後は不変の
// 読み取り専用データとして全ステージで共有されます。
package keys

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/suizapt/zksync-era/internal/prover"
)

type manifest struct {
	NodeLayerVK         manifestVK      `yaml:"node_layer_vk"`
	LeafLayerParameters []manifestParam `yaml:"leaf_layer_parameters"`
	SchedulerCapacity   int             `yaml:"scheduler_capacity"`
	ExpectedProofCount  int             `yaml:"expected_proof_count"`
}

type manifestVK struct {
	CircuitID uint8  `yaml:"circuit_id"`
	Hash      string `yaml:"hash"`
	Payload   []byte `yaml:"payload"`
}

type manifestParam struct {
	CircuitID    uint8  `yaml:"circuit_id"`
	VKCommitment string `yaml:"vk_commitment"`
}

// Keeper は読み込み済みの鍵一式を保持します。アクセサは常にコピーを
// 返すため、呼び出し側がうっかり共有状態を書き換えることはありません。
type Keeper struct {
	nodeVK     prover.VerificationKey
	leafParams []prover.LayerParameters
	capacity   int
	proofCount int
}

// Load はマニフェストファイルを読み込み、検証してから Keeper を返します。
// 葉層パラメータ表の幅が回路一式の固定幅と合わない場合は
// prover.ErrLeafParameterWidth を返します。
func Load(path string) (*Keeper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keys manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse keys manifest: %w", err)
	}
	return fromManifest(m)
}

func fromManifest(m manifest) (*Keeper, error) {
	if m.NodeLayerVK.Hash == "" {
		return nil, fmt.Errorf("keys manifest: node_layer_vk.hash is empty")
	}
	if len(m.LeafLayerParameters) != prover.LeafLayerWidth {
		return nil, fmt.Errorf("keys manifest: leaf_layer_parameters has %d entries, want %d: %w",
			len(m.LeafLayerParameters), prover.LeafLayerWidth, prover.ErrLeafParameterWidth)
	}
	if m.SchedulerCapacity <= 0 {
		return nil, fmt.Errorf("keys manifest: scheduler_capacity must be positive, got %d", m.SchedulerCapacity)
	}
	if m.ExpectedProofCount <= 0 {
		return nil, fmt.Errorf("keys manifest: expected_proof_count must be positive, got %d", m.ExpectedProofCount)
	}

	seen := make(map[uint8]bool, len(m.LeafLayerParameters))
	params := make([]prover.LayerParameters, 0, len(m.LeafLayerParameters))
	for i, p := range m.LeafLayerParameters {
		if p.VKCommitment == "" {
			return nil, fmt.Errorf("keys manifest: leaf_layer_parameters[%d].vk_commitment is empty", i)
		}
		if seen[p.CircuitID] {
			return nil, fmt.Errorf("keys manifest: duplicate circuit_id %d in leaf_layer_parameters", p.CircuitID)
		}
		seen[p.CircuitID] = true
		params = append(params, prover.LayerParameters{
			CircuitID:    p.CircuitID,
			VKCommitment: p.VKCommitment,
		})
	}

	payload := make([]byte, len(m.NodeLayerVK.Payload))
	copy(payload, m.NodeLayerVK.Payload)
	return &Keeper{
		nodeVK: prover.VerificationKey{
			CircuitID: m.NodeLayerVK.CircuitID,
			Hash:      m.NodeLayerVK.Hash,
			Payload:   payload,
		},
		leafParams: params,
		capacity:   m.SchedulerCapacity,
		proofCount: m.ExpectedProofCount,
	}, nil
}

// NodeLayerVK は節層の検証鍵のコピーを返します。
func (k *Keeper) NodeLayerVK() prover.VerificationKey {
	vk := k.nodeVK
	vk.Payload = make([]byte, len(k.nodeVK.Payload))
	copy(vk.Payload, k.nodeVK.Payload)
	return vk
}

// LeafLayerParameters は葉層パラメータ表のコピーを、マニフェストの
// 記載順のまま返します。
func (k *Keeper) LeafLayerParameters() []prover.LayerParameters {
	out := make([]prover.LayerParameters, len(k.leafParams))
	copy(out, k.leafParams)
	return out
}

// Capacity は最終段合成の容量定数を返します。
func (k *Keeper) Capacity() int { return k.capacity }

// ExpectedProofCount は一バッチあたりの依存証明の本数を返します。
func (k *Keeper) ExpectedProofCount() int { return k.proofCount }
