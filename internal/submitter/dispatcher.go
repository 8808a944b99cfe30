// Package submitter は最終証明の提出配送を担います。witness 段が作った
// 提出ジョブをタスクキュー経由でゲートウェイへ送り、結果を台帳に
// 記録します。台帳の行が常に真実で、タスクはその運搬役にすぎません。
package submitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/suizapt/zksync-era/internal/ledger"
	"github.com/suizapt/zksync-era/internal/objectstore"
	"github.com/suizapt/zksync-era/internal/prover"
)

const (
	taskTypeSubmit  = "submission:dispatch"
	submissionQueue = "submissions"
)

// Gateway は最終証明の提出先です。
type Gateway interface {
	SubmitFinalProof(ctx context.Context, key prover.CircuitKey, circuit []byte) error
}

// TaskPayload は提出配送タスクのペイロードです。
type TaskPayload struct {
	BatchNumber uint32 `json:"batchNumber"`
}

// Dispatcher はタスクの投入・処理・積み直しを担います。
type Dispatcher struct {
	client  *asynq.Client
	server  *asynq.Server
	mux     *asynq.ServeMux
	ledger  *ledger.Ledger
	store   objectstore.Store
	gateway Gateway
	logger  *log.Logger
}

// NewDispatcher は Dispatcher を初期化します。
func NewDispatcher(redisURL string, l *ledger.Ledger, store objectstore.Store, gateway Gateway, logger *log.Logger) (*Dispatcher, error) {
	if l == nil {
		return nil, errors.New("ledger is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if gateway == nil {
		return nil, errors.New("gateway is nil")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				submissionQueue: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	d := &Dispatcher{
		client:  client,
		server:  server,
		mux:     mux,
		ledger:  l,
		store:   store,
		gateway: gateway,
		logger:  logger,
	}
	mux.HandleFunc(taskTypeSubmit, d.handleSubmitTask)
	return d, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (d *Dispatcher) StartWorkers() {
	go func() {
		if err := d.server.Run(d.mux); err != nil && err != asynq.ErrServerClosed {
			d.logger.Printf("asynq server stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.server.Shutdown()
	d.client.Close()
	return nil
}

// EnqueueSubmission はバッチの配送タスクを積みます。同じバッチの
// タスクが既に待機中なら二重には積みません。
func (d *Dispatcher) EnqueueSubmission(ctx context.Context, batch prover.BatchNumber) error {
	body, err := json.Marshal(TaskPayload{BatchNumber: uint32(batch)})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeSubmit, body, asynq.Queue(submissionQueue))
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(5),
		asynq.TaskID(fmt.Sprintf("submit-%d", batch)))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// ResyncPending は台帳に残る未提出ジョブの配送タスクを積み直します。
// プロセス起動時に一度呼ぶことで、通知の取りこぼしを回収します。
func (d *Dispatcher) ResyncPending(ctx context.Context) error {
	batches, err := d.ledger.ListPendingSubmissions(ctx)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		if err := d.EnqueueSubmission(ctx, batch); err != nil {
			return fmt.Errorf("resync batch %d: %w", batch, err)
		}
	}
	if len(batches) > 0 {
		d.logger.Printf("submitter: resynced %d pending submissions", len(batches))
	}
	return nil
}

// handleSubmitTask は一件の提出を処理します。既に提出済みなら何も
// せず成功を返すため、タスクの再送や二重投入に対して冪等です。
func (d *Dispatcher) handleSubmitTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	batch := prover.BatchNumber(payload.BatchNumber)

	job, err := d.ledger.GetSubmissionJob(ctx, batch)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			d.logger.Printf("submitter: no submission job for batch %d, dropping task", batch)
			return nil
		}
		return err
	}
	if job.Status == prover.StatusSubmitted {
		return nil
	}

	round, err := prover.ParseRound(job.RoundName)
	if err != nil {
		return err
	}
	key := prover.CircuitKey{
		BlockNumber:    job.BatchNumber,
		CircuitID:      job.CircuitID,
		SequenceNumber: job.SequenceNumber,
		Depth:          job.Depth,
		Round:          round,
	}

	circuit, err := d.store.Get(ctx, key)
	if err != nil {
		return d.failAndReturn(ctx, batch, fmt.Errorf("fetch circuit for batch %d: %w", batch, err))
	}
	if err := d.gateway.SubmitFinalProof(ctx, key, circuit); err != nil {
		return d.failAndReturn(ctx, batch, fmt.Errorf("submit batch %d: %w", batch, err))
	}

	if err := d.ledger.MarkSubmissionJobSubmitted(ctx, batch); err != nil {
		return err
	}
	d.logger.Printf("submitter: batch %d submitted for final proving", batch)
	return nil
}

// failAndReturn は失敗を台帳に記録してから元のエラーを返します。
// エラーを返すことでタスクキュー側の再試行が働きます。
func (d *Dispatcher) failAndReturn(ctx context.Context, batch prover.BatchNumber, cause error) error {
	if err := d.ledger.MarkSubmissionJobFailed(ctx, batch, cause.Error()); err != nil {
		d.logger.Printf("submitter: recording failure for batch %d failed: %v", batch, err)
	}
	return cause
}
