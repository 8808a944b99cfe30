// Package engine はポーリング型のジョブ処理エンジンを提供します。
// どのステージも「請求 → 準備 → 合成 → 保存」という同じ骨格を持つため、
// その骨格を一箇所に集め、ステージ固有の処理は Stage 実装に委ねます。
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/suizapt/zksync-era/internal/workers"
)

// Stage は一つのパイプライン段の振る舞いです。
//
// PickJob はキューからジョブを高々一件、原子的に請求します。
// Prepare は依存物を取得してジョブを組み立て、Compute が CPU 負荷の
// 高い合成を行い、OnSuccess が成果物の保存と台帳への記録を行います。
// Prepare・Compute・OnSuccess のどこで失敗しても OnFailure が一度だけ
// 呼ばれ、ジョブは失敗として記録されます。
type Stage[ID comparable, J, A any] interface {
	Name() string
	PickJob(ctx context.Context) (ID, bool, error)
	Prepare(ctx context.Context, id ID) (J, error)
	Compute(ctx context.Context, job J) (A, error)
	OnSuccess(ctx context.Context, id ID, started time.Time, artifact A) error
	OnFailure(ctx context.Context, id ID, started time.Time, cause error)
}

// Runner は一つの Stage を単一のポーリングループで駆動します。
// 同じキューを複数の Runner（や複数のプロセス）が同時に回しても、
// 相互排除はキュー側の原子的請求が保証します。
type Runner[ID comparable, J, A any] struct {
	stage        Stage[ID, J, A]
	pool         *workers.Pool
	logger       *log.Logger
	pollInterval time.Duration
	maxBackoff   time.Duration
}

// NewRunner は Runner を作成します。pollInterval は仕事があるときの
// 巡回間隔、maxBackoff は空振りが続いたときの上限です。
func NewRunner[ID comparable, J, A any](stage Stage[ID, J, A], pool *workers.Pool, logger *log.Logger, pollInterval, maxBackoff time.Duration) *Runner[ID, J, A] {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if maxBackoff < pollInterval {
		maxBackoff = pollInterval
	}
	return &Runner[ID, J, A]{
		stage:        stage,
		pool:         pool,
		logger:       logger,
		pollInterval: pollInterval,
		maxBackoff:   maxBackoff,
	}
}

// Run は ctx が取り消されるまでポーリングし続けます。個々のジョブの
// 失敗やキューの読み取りエラーでループが止まることはありません。
func (r *Runner[ID, J, A]) Run(ctx context.Context) error {
	r.logger.Printf("%s: runner started (poll %s, max backoff %s)", r.stage.Name(), r.pollInterval, r.maxBackoff)
	backoff := r.pollInterval
	for {
		if ctx.Err() != nil {
			r.logger.Printf("%s: runner stopped", r.stage.Name())
			return nil
		}

		worked, err := r.runOnce(ctx)
		switch {
		case err != nil:
			r.logger.Printf("%s: queue poll failed: %v (backing off %s)", r.stage.Name(), err, backoff)
			if !r.sleep(ctx, backoff) {
				continue
			}
			backoff = r.grow(backoff)
		case worked:
			backoff = r.pollInterval
		default:
			if !r.sleep(ctx, backoff) {
				continue
			}
			backoff = r.grow(backoff)
		}
	}
}

// runOnce は一巡分の処理です。ジョブを請求できたかどうかを返します。
// 返り値のエラーはキュー読み取りの失敗だけで、請求後の失敗はすべて
// OnFailure に流して nil を返します。
func (r *Runner[ID, J, A]) runOnce(ctx context.Context) (bool, error) {
	id, ok, err := r.stage.PickJob(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	started := time.Now()
	r.logger.Printf("%s: picked job %v", r.stage.Name(), id)

	job, err := r.stage.Prepare(ctx, id)
	if err != nil {
		r.fail(ctx, id, started, fmt.Errorf("prepare job: %w", err))
		return true, nil
	}

	artifact, err := workers.Execute(ctx, r.pool, func() (A, error) {
		return r.stage.Compute(ctx, job)
	})
	if err != nil {
		r.fail(ctx, id, started, fmt.Errorf("compute: %w", err))
		return true, nil
	}

	if err := r.stage.OnSuccess(ctx, id, started, artifact); err != nil {
		r.fail(ctx, id, started, fmt.Errorf("save result: %w", err))
		return true, nil
	}
	r.logger.Printf("%s: job %v done in %s", r.stage.Name(), id, time.Since(started).Round(time.Millisecond))
	return true, nil
}

func (r *Runner[ID, J, A]) fail(ctx context.Context, id ID, started time.Time, cause error) {
	r.logger.Printf("%s: job %v failed: %v", r.stage.Name(), id, cause)
	r.stage.OnFailure(ctx, id, started, cause)
}

// sleep は d だけ待ち、ctx が先に取り消されたら false を返します。
func (r *Runner[ID, J, A]) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Runner[ID, J, A]) grow(backoff time.Duration) time.Duration {
	backoff *= 2
	if backoff > r.maxBackoff {
		backoff = r.maxBackoff
	}
	return backoff
}
