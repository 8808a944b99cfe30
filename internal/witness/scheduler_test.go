package witness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/suizapt/zksync-era/internal/ledger"
	"github.com/suizapt/zksync-era/internal/objectstore"
	"github.com/suizapt/zksync-era/internal/prover"
	"github.com/suizapt/zksync-era/internal/resolver"
)

type stubKeys struct {
	vk       prover.VerificationKey
	table    []prover.LayerParameters
	capacity int
	expected int
}

func (s *stubKeys) NodeLayerVK() prover.VerificationKey { return s.vk }

func (s *stubKeys) LeafLayerParameters() []prover.LayerParameters { return s.table }

func (s *stubKeys) Capacity() int { return s.capacity }

func (s *stubKeys) ExpectedProofCount() int { return s.expected }

type recordingNotifier struct {
	batches []prover.BatchNumber
	err     error
}

func (n *recordingNotifier) EnqueueSubmission(ctx context.Context, batch prover.BatchNumber) error {
	n.batches = append(n.batches, batch)
	return n.err
}

func fullTable() []prover.LayerParameters {
	table := make([]prover.LayerParameters, prover.LeafLayerWidth)
	for i := range table {
		table[i] = prover.LayerParameters{CircuitID: uint8(i + 1), VKCommitment: fmt.Sprintf("0xleaf%d", i+1)}
	}
	return table
}

type env struct {
	gen      *SchedulerGenerator
	ledger   *ledger.Ledger
	store    *objectstore.FileStore
	keys     *stubKeys
	notifier *recordingNotifier
}

func newEnv(t *testing.T, expected int) *env {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("ledger.Open returned error: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	store, err := objectstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}

	keySet := &stubKeys{
		vk:       prover.VerificationKey{CircuitID: 2, Hash: "0xnodevk", Payload: []byte{0xAA}},
		table:    fullTable(),
		capacity: 8,
		expected: expected,
	}
	notifier := &recordingNotifier{}
	gen := NewSchedulerGenerator(l, store, resolver.New(l, expected), keySet, notifier, "wg-test", log.New(io.Discard, "", 0))
	return &env{gen: gen, ledger: l, store: store, keys: keySet, notifier: notifier}
}

// seedBatch はバッチ一式（部分ウィットネス・依存証明ブロブ・台帳の行）を
// 投入します。kinds[i] が i 番目の証明の種別になります。
func (e *env) seedBatch(t *testing.T, batch prover.BatchNumber, kinds []prover.ProofKind, storeBlobs bool) []int64 {
	t.Helper()
	ctx := context.Background()

	in := prover.SchedulerPartialInput{
		BlockNumber:      batch,
		PreviousRootHash: "0xprev",
		NewRootHash:      "0xnew",
	}
	data, err := prover.EncodeSchedulerPartialInput(in)
	if err != nil {
		t.Fatalf("EncodeSchedulerPartialInput returned error: %v", err)
	}
	url, err := e.store.Put(ctx, prover.WitnessInputKey(batch), data)
	if err != nil {
		t.Fatalf("Put partial input returned error: %v", err)
	}

	seeds := make([]ledger.ProofSeed, len(kinds))
	for i := range kinds {
		seeds[i] = ledger.ProofSeed{CircuitID: uint8(i + 3), SequenceNumber: i, Round: prover.RoundNode}
	}
	ids, err := e.ledger.RegisterBatch(ctx, batch, url, seeds)
	if err != nil {
		t.Fatalf("RegisterBatch returned error: %v", err)
	}

	for i, id := range ids {
		blobURL := objectstore.URL(prover.ProofKey(id))
		if storeBlobs {
			wrapper := prover.ProofWrapper{
				Kind: kinds[i],
				Proof: prover.Proof{
					CircuitID:  uint8(i + 3),
					Commitment: fmt.Sprintf("0xproof%d", i+1),
					Payload:    []byte{byte(i + 1)},
				},
			}
			data, err := prover.EncodeProofWrapper(wrapper)
			if err != nil {
				t.Fatalf("EncodeProofWrapper returned error: %v", err)
			}
			if _, err := e.store.Put(ctx, prover.ProofKey(id), data); err != nil {
				t.Fatalf("Put proof returned error: %v", err)
			}
		}
		if err := e.ledger.CompleteProofJob(ctx, id, blobURL); err != nil {
			t.Fatalf("CompleteProofJob returned error: %v", err)
		}
	}
	return ids
}

func recursives(n int) []prover.ProofKind {
	kinds := make([]prover.ProofKind, n)
	for i := range kinds {
		kinds[i] = prover.ProofKindRecursive
	}
	return kinds
}

func claim(t *testing.T, e *env, want prover.BatchNumber) prover.BatchNumber {
	t.Helper()
	batch, ok, err := e.gen.PickJob(context.Background())
	if err != nil {
		t.Fatalf("PickJob returned error: %v", err)
	}
	if !ok || batch != want {
		t.Fatalf("PickJob = %d, %v, want %d, true", batch, ok, want)
	}
	return batch
}

func TestPrepareAssemblesJob(t *testing.T) {
	e := newEnv(t, 3)
	e.seedBatch(t, 42, recursives(3), true)
	batch := claim(t, e, 42)

	job, err := e.gen.Prepare(context.Background(), batch)
	if err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	if job.BlockNumber != 42 || job.Capacity != 8 {
		t.Fatalf("job = %+v, want batch 42 capacity 8", job)
	}
	if job.Input.NodeLayerVK.Hash != "0xnodevk" {
		t.Fatalf("NodeLayerVK.Hash = %q, want overwritten key", job.Input.NodeLayerVK.Hash)
	}
	if len(job.Input.ProofWitnesses) != 3 {
		t.Fatalf("len(ProofWitnesses) = %d, want 3", len(job.Input.ProofWitnesses))
	}
	for i, p := range job.Input.ProofWitnesses {
		want := fmt.Sprintf("0xproof%d", i+1)
		if p.Commitment != want {
			t.Fatalf("proof[%d].Commitment = %q, want %q (order lost)", i, p.Commitment, want)
		}
	}
	if len(job.Input.LeafLayerParameters) != prover.LeafLayerWidth {
		t.Fatalf("leaf table width = %d, want %d", len(job.Input.LeafLayerParameters), prover.LeafLayerWidth)
	}

	row, err := e.ledger.GetSchedulerJob(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetSchedulerJob returned error: %v", err)
	}
	if row.Status != prover.StatusProcessing {
		t.Fatalf("status after Prepare = %s, want processing", row.Status)
	}
}

func TestPrepareRejectsBaseProof(t *testing.T) {
	e := newEnv(t, 3)
	kinds := recursives(3)
	kinds[1] = prover.ProofKindBase
	e.seedBatch(t, 42, kinds, true)
	batch := claim(t, e, 42)

	_, err := e.gen.Prepare(context.Background(), batch)
	if !errors.Is(err, prover.ErrUnexpectedBaseProof) {
		t.Fatalf("Prepare error = %v, want ErrUnexpectedBaseProof", err)
	}
}

func TestPrepareReportsMissingProofBlob(t *testing.T) {
	e := newEnv(t, 3)
	e.seedBatch(t, 42, recursives(3), false)
	batch := claim(t, e, 42)

	_, err := e.gen.Prepare(context.Background(), batch)
	if !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("Prepare error = %v, want ErrNotFound", err)
	}
	if errors.Is(err, prover.ErrUnexpectedBaseProof) || errors.Is(err, prover.ErrDependencyCount) {
		t.Fatal("transient fetch failure was conflated with a contract violation")
	}
}

func TestPrepareDependencyCountMismatch(t *testing.T) {
	e := newEnv(t, 4)
	e.seedBatch(t, 42, recursives(3), true)
	batch := claim(t, e, 42)

	_, err := e.gen.Prepare(context.Background(), batch)
	if !errors.Is(err, prover.ErrDependencyCount) {
		t.Fatalf("Prepare error = %v, want ErrDependencyCount", err)
	}
}

func TestPrepareLeafWidthMismatch(t *testing.T) {
	e := newEnv(t, 3)
	e.keys.table = e.keys.table[:prover.LeafLayerWidth-1]
	e.seedBatch(t, 42, recursives(3), true)
	batch := claim(t, e, 42)

	_, err := e.gen.Prepare(context.Background(), batch)
	if !errors.Is(err, prover.ErrLeafParameterWidth) {
		t.Fatalf("Prepare error = %v, want ErrLeafParameterWidth", err)
	}
}

func TestPrepareRejectsForeignPartialInput(t *testing.T) {
	e := newEnv(t, 3)
	e.seedBatch(t, 42, recursives(3), true)

	// 42 の座標に 41 の部分ウィットネスを置き直す。
	in := prover.SchedulerPartialInput{BlockNumber: 41}
	data, err := prover.EncodeSchedulerPartialInput(in)
	if err != nil {
		t.Fatalf("EncodeSchedulerPartialInput returned error: %v", err)
	}
	if _, err := e.store.Put(context.Background(), prover.WitnessInputKey(42), data); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	batch := claim(t, e, 42)
	if _, err := e.gen.Prepare(context.Background(), batch); err == nil {
		t.Fatal("Prepare accepted a partial input for the wrong batch")
	}
}

func TestSchedulerEndToEnd(t *testing.T) {
	e := newEnv(t, 3)
	e.seedBatch(t, 42, recursives(3), true)
	batch := claim(t, e, 42)
	started := time.Now()

	job, err := e.gen.Prepare(context.Background(), batch)
	if err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}

	first, err := e.gen.Compute(context.Background(), job)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	second, err := e.gen.Compute(context.Background(), job)
	if err != nil {
		t.Fatalf("second Compute returned error: %v", err)
	}
	if first.Circuit.Circuit.Commitment != second.Circuit.Circuit.Commitment {
		t.Fatal("synthesis is not deterministic for the same job")
	}

	if err := e.gen.OnSuccess(context.Background(), batch, started, first); err != nil {
		t.Fatalf("OnSuccess returned error: %v", err)
	}

	// 成果物は決まった座標に保存される。
	key := prover.SchedulerCircuitKey(42)
	blob, err := e.store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get circuit blob returned error: %v", err)
	}
	wrapper, err := prover.DecodeCircuitWrapper(blob)
	if err != nil {
		t.Fatalf("DecodeCircuitWrapper returned error: %v", err)
	}
	if wrapper.Kind != prover.CircuitKindRecursive || wrapper.Circuit.CircuitID != prover.SchedulerCircuitID {
		t.Fatalf("stored wrapper = %+v, want recursive scheduler circuit", wrapper)
	}

	row, err := e.ledger.GetSchedulerJob(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetSchedulerJob returned error: %v", err)
	}
	if row.Status != prover.StatusSuccessful {
		t.Fatalf("witness job status = %s, want successful", row.Status)
	}

	sub, err := e.ledger.GetSubmissionJob(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetSubmissionJob returned error: %v", err)
	}
	if sub.Status != prover.StatusQueued || sub.CircuitBlobURL != objectstore.URL(key) {
		t.Fatalf("submission = %+v, want queued at %s", sub, objectstore.URL(key))
	}

	if len(e.notifier.batches) != 1 || e.notifier.batches[0] != 42 {
		t.Fatalf("notifier batches = %v, want [42]", e.notifier.batches)
	}

	// 同じバッチが二度請求されることはない。
	if _, ok, _ := e.gen.PickJob(context.Background()); ok {
		t.Fatal("finished batch was claimable again")
	}
}

func TestOnSuccessSurvivesNotifierError(t *testing.T) {
	e := newEnv(t, 1)
	e.notifier.err = errors.New("queue down")
	e.seedBatch(t, 7, recursives(1), true)
	batch := claim(t, e, 7)

	job, err := e.gen.Prepare(context.Background(), batch)
	if err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	art, err := e.gen.Compute(context.Background(), job)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	if err := e.gen.OnSuccess(context.Background(), batch, time.Now(), art); err != nil {
		t.Fatalf("OnSuccess failed on notifier error: %v", err)
	}

	// 台帳には提出待ちが残っており、積み直しで拾える。
	pending, err := e.ledger.ListPendingSubmissions(context.Background())
	if err != nil {
		t.Fatalf("ListPendingSubmissions returned error: %v", err)
	}
	if len(pending) != 1 || pending[0] != 7 {
		t.Fatalf("pending = %v, want [7]", pending)
	}
}

func TestOnFailureRecordsCause(t *testing.T) {
	e := newEnv(t, 3)
	e.seedBatch(t, 42, recursives(3), true)
	batch := claim(t, e, 42)

	e.gen.OnFailure(context.Background(), batch, time.Now(), errors.New("prepare job: blob missing"))

	row, err := e.ledger.GetSchedulerJob(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetSchedulerJob returned error: %v", err)
	}
	if row.Status != prover.StatusFailed || row.Error != "prepare job: blob missing" {
		t.Fatalf("failed row = %+v", row)
	}
}
