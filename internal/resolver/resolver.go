// Package resolver は下流ジョブから上流成果物の座標への解決を提供します。
package resolver

import (
	"context"
	"fmt"

	"github.com/suizapt/zksync-era/internal/prover"
)

// DependencySource は台帳に記録された依存関係の読み出し口です。
type DependencySource interface {
	SchedulerDependencyIDs(ctx context.Context, batch prover.BatchNumber) ([]int64, error)
}

// Resolver は依存証明の座標を、合成が要求する順序のまま解決します。
type Resolver struct {
	source   DependencySource
	expected int
}

// New は Resolver を作成します。expected はトポロジー上の依存証明の
// 本数で、検証鍵マニフェストから与えられます。
func New(source DependencySource, expected int) *Resolver {
	return &Resolver{source: source, expected: expected}
}

// FinalProofKeys はバッチの依存証明の座標を台帳の記録順で返します。
// 証明のスロットと生成元回路は位置で対応するため、順序は一切並べ替え
// ません。記録された本数が期待と異なる場合は黙って切り詰めたりせず、
// prover.ErrDependencyCount で失敗します。
func (r *Resolver) FinalProofKeys(ctx context.Context, batch prover.BatchNumber) ([]prover.ProofKey, error) {
	ids, err := r.source.SchedulerDependencyIDs(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("resolve dependencies for batch %d: %w", batch, err)
	}
	if len(ids) != r.expected {
		return nil, fmt.Errorf("batch %d has %d dependencies, want %d: %w",
			batch, len(ids), r.expected, prover.ErrDependencyCount)
	}
	keys := make([]prover.ProofKey, len(ids))
	for i, id := range ids {
		keys[i] = prover.ProofKey(id)
	}
	return keys, nil
}
