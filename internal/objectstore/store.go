// Package objectstore は成果物ブロブの内容アドレス型ストアを提供します。
package objectstore

import (
	"context"
	"errors"
)

// Key はストア上の一意な座標です。同じ座標は常に同じ内容を指します。
type Key interface {
	Bucket() string
	ObjectName() string
}

// Store はブロブの読み書きを抽象化します。
// ローカルファイルシステム実装（開発用）と GCS 実装（本番用・予定）が
// この裏に入ります。Put は台帳に記録するための位置 URL を返します。
type Store interface {
	Get(ctx context.Context, key Key) ([]byte, error)
	Put(ctx context.Context, key Key, data []byte) (string, error)
}

// URL は座標からバックエンド非依存の位置表現を組み立てます。
func URL(key Key) string {
	return key.Bucket() + "/" + key.ObjectName()
}

var (
	// ErrNotFound は座標に対応するオブジェクトが存在しないことを示します。
	ErrNotFound = errors.New("object not found")

	// ErrIntegrity は保存時のダイジェストと読み出した内容が一致しない
	// ことを示します。
	ErrIntegrity = errors.New("object integrity check failed")
)
