package prover

import "errors"

// 入力契約の破れを表す番兵エラー群です。これらは一時的な障害ではなく、
// 上流の配線か鍵マニフェストの不整合を意味するため、リトライでは
// 解消しません。
var (
	// ErrUnexpectedBaseProof は再帰証明が必要な場所に基本段の証明が
	// 現れたことを示します。
	ErrUnexpectedBaseProof = errors.New("base proof supplied where a recursive proof is required")

	// ErrDependencyCount は依存証明の本数がパイプラインの固定構成と
	// 一致しないことを示します。
	ErrDependencyCount = errors.New("dependency proof count does not match pipeline layout")

	// ErrLeafParameterWidth は葉層パラメータ表の幅が回路一式の幅と
	// 一致しないことを示します。
	ErrLeafParameterWidth = errors.New("leaf layer parameter width does not match circuit set")
)
