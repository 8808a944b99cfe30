// Package prover は集約パイプライン全体で共有されるドメイン型を定義します。
package prover

import "fmt"

// BatchNumber は外部ワークの単位（バッチ）を識別する単調増加の番号です。
type BatchNumber uint32

// AggregationRound は集約パイプラインの段を表します。
// 各段は自分より前の段が生成した成果物のみを消費します。
type AggregationRound uint8

const (
	RoundBasic     AggregationRound = 0
	RoundLeaf      AggregationRound = 1
	RoundNode      AggregationRound = 2
	RoundScheduler AggregationRound = 3
)

// String はメトリクスラベルやストレージキーに使う安定した名前を返します。
func (r AggregationRound) String() string {
	switch r {
	case RoundBasic:
		return "basic_circuits"
	case RoundLeaf:
		return "leaf_aggregation"
	case RoundNode:
		return "node_aggregation"
	case RoundScheduler:
		return "scheduler"
	default:
		return fmt.Sprintf("unknown_round_%d", uint8(r))
	}
}

// ParseRound は文字列表現から AggregationRound を復元します。
func ParseRound(s string) (AggregationRound, error) {
	switch s {
	case "basic_circuits":
		return RoundBasic, nil
	case "leaf_aggregation":
		return RoundLeaf, nil
	case "node_aggregation":
		return RoundNode, nil
	case "scheduler":
		return RoundScheduler, nil
	default:
		return 0, fmt.Errorf("unknown aggregation round: %q", s)
	}
}

// Next は次の段を返します。最終段（scheduler）の次は存在しません。
func (r AggregationRound) Next() (AggregationRound, bool) {
	if r >= RoundScheduler {
		return 0, false
	}
	return r + 1, true
}
