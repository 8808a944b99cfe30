// Package witness は最終段（scheduler）のウィットネス生成ステージを
// 提供します。前段までが積み上げた再帰証明を一つのウィットネスに束ね、
// 終端回路を合成して、最終証明の提出ジョブを作るまでがこの段の仕事です。
package witness

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/suizapt/zksync-era/internal/circuits"
	"github.com/suizapt/zksync-era/internal/ledger"
	"github.com/suizapt/zksync-era/internal/metrics"
	"github.com/suizapt/zksync-era/internal/objectstore"
	"github.com/suizapt/zksync-era/internal/prover"
	"github.com/suizapt/zksync-era/internal/resolver"
)

// SchedulerJob は組み立て済みの最終段ジョブです。Input は依存証明と
// 鍵一式がマージされた完全なウィットネスを保持します。
type SchedulerJob struct {
	BlockNumber prover.BatchNumber
	Input       prover.SchedulerPartialInput
	Capacity    int
}

// SchedulerArtifacts は合成の成果物です。
type SchedulerArtifacts struct {
	Circuit prover.CircuitWrapper
}

// KeySource はプロセス起動時に読み込まれた鍵一式の読み出し口です。
type KeySource interface {
	NodeLayerVK() prover.VerificationKey
	LeafLayerParameters() []prover.LayerParameters
	Capacity() int
	ExpectedProofCount() int
}

// SubmissionNotifier は提出配送タスクの積み込み口です。通知は
// ベストエフォートで、失敗しても台帳の行が真実として残ります。
type SubmissionNotifier interface {
	EnqueueSubmission(ctx context.Context, batch prover.BatchNumber) error
}

// SchedulerGenerator は engine.Stage として動く最終段の実装です。
type SchedulerGenerator struct {
	ledger     *ledger.Ledger
	store      objectstore.Store
	resolver   *resolver.Resolver
	keySet     KeySource
	notifier   SubmissionNotifier
	instanceID string
	logger     *log.Logger
}

// NewSchedulerGenerator は SchedulerGenerator を作成します。
// notifier は nil でもよく、その場合は配送タスクの積み込みを行いません。
func NewSchedulerGenerator(l *ledger.Ledger, store objectstore.Store, res *resolver.Resolver, keySet KeySource, notifier SubmissionNotifier, instanceID string, logger *log.Logger) *SchedulerGenerator {
	return &SchedulerGenerator{
		ledger:     l,
		store:      store,
		resolver:   res,
		keySet:     keySet,
		notifier:   notifier,
		instanceID: instanceID,
		logger:     logger,
	}
}

// Name はログとメトリクスで使うステージ名を返します。
func (g *SchedulerGenerator) Name() string { return "scheduler_witness" }

func (g *SchedulerGenerator) round() string { return prover.RoundScheduler.String() }

// PickJob は依存の揃った最終段ジョブを一件請求します。
func (g *SchedulerGenerator) PickJob(ctx context.Context) (prover.BatchNumber, bool, error) {
	return g.ledger.NextSchedulerJob(ctx, g.instanceID)
}

// Prepare は部分ウィットネスと依存証明を取得し、完全なジョブを
// 組み立てます。マージでは節層 VK を現在の鍵一式で上書きし、依存証明を
// 解決順のまま取り付け、葉層パラメータ表を固定幅のまま添付します。
func (g *SchedulerGenerator) Prepare(ctx context.Context, batch prover.BatchNumber) (SchedulerJob, error) {
	prepareStarted := time.Now()

	fetchStarted := time.Now()
	raw, err := g.store.Get(ctx, prover.WitnessInputKey(batch))
	if err != nil {
		return SchedulerJob{}, fmt.Errorf("fetch partial input for batch %d: %w", batch, err)
	}
	input, err := prover.DecodeSchedulerPartialInput(raw)
	if err != nil {
		return SchedulerJob{}, fmt.Errorf("batch %d: %w", batch, err)
	}
	if input.BlockNumber != batch {
		return SchedulerJob{}, fmt.Errorf("partial input for batch %d carries batch %d", batch, input.BlockNumber)
	}

	proofKeys, err := g.resolver.FinalProofKeys(ctx, batch)
	if err != nil {
		return SchedulerJob{}, err
	}
	proofs := make([]prover.Proof, 0, len(proofKeys))
	for _, key := range proofKeys {
		blob, err := g.store.Get(ctx, key)
		if err != nil {
			return SchedulerJob{}, fmt.Errorf("fetch proof %d for batch %d: %w", key, batch, err)
		}
		wrapper, err := prover.DecodeProofWrapper(blob)
		if err != nil {
			return SchedulerJob{}, fmt.Errorf("proof %d for batch %d: %w", key, batch, err)
		}
		proof, err := wrapper.Recursive()
		if err != nil {
			return SchedulerJob{}, fmt.Errorf("proof %d for batch %d: %w", key, batch, err)
		}
		proofs = append(proofs, proof)
	}
	metrics.ObserveBlobFetch(g.round(), time.Since(fetchStarted))

	table := g.keySet.LeafLayerParameters()
	if len(table) != prover.LeafLayerWidth {
		return SchedulerJob{}, fmt.Errorf("key set provides %d leaf parameters, want %d: %w",
			len(table), prover.LeafLayerWidth, prover.ErrLeafParameterWidth)
	}
	input.NodeLayerVK = g.keySet.NodeLayerVK()
	input.ProofWitnesses = proofs
	input.LeafLayerParameters = table

	if err := g.ledger.MarkSchedulerJobProcessing(ctx, batch); err != nil {
		return SchedulerJob{}, err
	}
	metrics.ObservePrepareJob(g.round(), time.Since(prepareStarted))
	g.logger.Printf("%s: batch %d assembled with %d proofs", g.Name(), batch, len(proofs))

	return SchedulerJob{
		BlockNumber: batch,
		Input:       input,
		Capacity:    g.keySet.Capacity(),
	}, nil
}

// Compute は終端回路を合成します。I/O を含まない純粋な処理で、
// エンジンによってワーカープール上で実行されます。
func (g *SchedulerGenerator) Compute(ctx context.Context, job SchedulerJob) (SchedulerArtifacts, error) {
	started := time.Now()
	circuit, err := circuits.SynthesizeScheduler(job.Input, job.Capacity)
	if err != nil {
		return SchedulerArtifacts{}, err
	}
	metrics.ObserveSynthesis(g.round(), time.Since(started))
	return SchedulerArtifacts{
		Circuit: prover.CircuitWrapper{Kind: prover.CircuitKindRecursive, Circuit: circuit},
	}, nil
}

// OnSuccess は成果物を保存し、提出ジョブの挿入とジョブの成功記録を
// 一つのトランザクションで行います。コミット後に配送タスクを積みますが、
// そこで失敗しても台帳上の提出ジョブが残るため取りこぼしはありません。
func (g *SchedulerGenerator) OnSuccess(ctx context.Context, batch prover.BatchNumber, started time.Time, artifacts SchedulerArtifacts) error {
	data, err := prover.EncodeCircuitWrapper(artifacts.Circuit)
	if err != nil {
		return fmt.Errorf("encode circuit for batch %d: %w", batch, err)
	}

	saveStarted := time.Now()
	key := prover.SchedulerCircuitKey(batch)
	url, err := g.store.Put(ctx, key, data)
	if err != nil {
		return fmt.Errorf("save circuit for batch %d: %w", batch, err)
	}
	metrics.ObserveBlobSave(g.round(), time.Since(saveStarted))

	err = g.ledger.WithTx(ctx, func(tx *sql.Tx) error {
		if err := g.ledger.InsertSubmissionJob(ctx, tx, key, url); err != nil {
			return err
		}
		return g.ledger.MarkSchedulerJobSuccessful(ctx, tx, batch, time.Since(started))
	})
	if err != nil {
		return err
	}
	g.logger.Printf("%s: batch %d finished in %s", g.Name(), batch, time.Since(started).Round(time.Millisecond))

	if g.notifier != nil {
		if err := g.notifier.EnqueueSubmission(ctx, batch); err != nil {
			g.logger.Printf("%s: enqueue submission for batch %d failed (resync will retry): %v", g.Name(), batch, err)
		}
	}
	return nil
}

// OnFailure はジョブの失敗を台帳に記録します。保存済みの成果物は
// 消しません。座標が決定的なので、再投入後の再保存が安全に上書きします。
func (g *SchedulerGenerator) OnFailure(ctx context.Context, batch prover.BatchNumber, started time.Time, cause error) {
	if err := g.ledger.MarkSchedulerJobFailed(ctx, batch, cause.Error()); err != nil {
		g.logger.Printf("%s: recording failure for batch %d failed: %v", g.Name(), batch, err)
	}
}
