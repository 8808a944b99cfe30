// Package workers は CPU 負荷の高い処理をポーリングループの外で実行する
// ための有界ワーカープールを提供します。
package workers

import (
	"context"
	"fmt"
)

// Pool は同時実行数を固定したスロットの集合です。複数のステージが
// 一つのプールを共有することで、重い合成がプロセス全体の CPU を
// 食い尽くすのを防ぎます。
type Pool struct {
	sem chan struct{}
}

// NewPool は同時実行数 size のプールを作成します。
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Size は同時実行数を返します。
func (p *Pool) Size() int { return cap(p.sem) }

// Execute は fn をプールのスロット上で実行し、結果が出るまで呼び出し側を
// 待たせます。fn の panic は回復してエラーとして返すため、一つのジョブの
// 暴走がプロセスを巻き込むことはありません。スロット待ちと結果待ちは
// どちらも ctx の取り消しで打ち切れます（実行中の fn 自体は完走します）。
func Execute[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	type outcome struct {
		value T
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() { <-p.sem }()
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("worker panicked: %v", r)}
			}
		}()
		v, err := fn()
		ch <- outcome{value: v, err: err}
	}()

	select {
	case out := <-ch:
		return out.value, out.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
