package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/suizapt/zksync-era/internal/prover"
)

// SchedulerWitnessJob は最終段ウィットネスジョブの台帳上の姿です。
type SchedulerWitnessJob struct {
	BatchNumber  prover.BatchNumber `json:"batch_number"`
	Status       prover.JobStatus   `json:"status"`
	InputBlobURL string             `json:"input_blob_url"`
	Attempts     int                `json:"attempts"`
	PickedBy     string             `json:"picked_by,omitempty"`
	TimeTakenMS  int64              `json:"time_taken_ms,omitempty"`
	Error        string             `json:"error,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// NextSchedulerJob は処理可能な最終段ジョブを一件だけ請求します。
// ジョブが処理可能なのは、queued であり、かつ依存する証明ジョブが
// 全て successful のときだけです。請求は一つのトランザクションで
// queued → picked に遷移させるため、同時に複数のインスタンスが同じ
// バッチを取ることはありません。ジョブが無ければ (0, false, nil) を
// 返します。
func (l *Ledger) NextSchedulerJob(ctx context.Context, instanceID string) (prover.BatchNumber, bool, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return 0, false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT w.batch_number
		FROM scheduler_witness_jobs w
		WHERE w.status = 'queued'
		  AND NOT EXISTS (
			SELECT 1 FROM scheduler_dependencies d
			JOIN proof_jobs p ON p.id = d.proof_job_id
			WHERE d.batch_number = w.batch_number
			  AND p.status != 'successful'
		  )
		ORDER BY w.batch_number ASC
		LIMIT 1`)

	var batch uint32
	if err := row.Scan(&batch); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("select next scheduler job: %w", err)
	}

	now := nowMillis()
	res, err := tx.ExecContext(ctx,
		`UPDATE scheduler_witness_jobs
		SET status = 'picked', picked_by = ?, attempts = attempts + 1,
		    processing_started_at = ?, updated_at = ?
		WHERE batch_number = ? AND status = 'queued'`,
		instanceID, now, now, batch)
	if err != nil {
		return 0, false, fmt.Errorf("claim scheduler job %d: %w", batch, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if affected == 0 {
		return 0, false, nil
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit claim: %w", err)
	}
	return prover.BatchNumber(batch), true, nil
}

// MarkSchedulerJobProcessing はジョブ準備の完了を記録し、
// picked → processing に遷移させます。
func (l *Ledger) MarkSchedulerJobProcessing(ctx context.Context, batch prover.BatchNumber) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE scheduler_witness_jobs SET status = 'processing', updated_at = ?
		WHERE batch_number = ? AND status = 'picked'`,
		nowMillis(), batch)
	if err != nil {
		return fmt.Errorf("mark scheduler job %d processing: %w", batch, err)
	}
	return l.requireTransition(ctx, res, batch)
}

// MarkSchedulerJobSuccessful はジョブの成功と処理時間を tx の中で
// 記録します。提出ジョブの挿入と同じトランザクションで呼ぶことで、
// 「成功した witness ジョブには必ず提出ジョブがある」を保ちます。
func (l *Ledger) MarkSchedulerJobSuccessful(ctx context.Context, tx *sql.Tx, batch prover.BatchNumber, elapsed time.Duration) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE scheduler_witness_jobs
		SET status = 'successful', time_taken_ms = ?, error = NULL, updated_at = ?
		WHERE batch_number = ? AND status IN ('picked','processing')`,
		elapsed.Milliseconds(), nowMillis(), batch)
	if err != nil {
		return fmt.Errorf("mark scheduler job %d successful: %w", batch, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("scheduler job %d: %w", batch, ErrConflict)
	}
	return nil
}

// MarkSchedulerJobFailed はジョブの失敗理由を記録します。
// failed は終端で、明示的な再投入があるまでエンジンは再訪しません。
func (l *Ledger) MarkSchedulerJobFailed(ctx context.Context, batch prover.BatchNumber, cause string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE scheduler_witness_jobs SET status = 'failed', error = ?, updated_at = ?
		WHERE batch_number = ? AND status IN ('picked','processing')`,
		cause, nowMillis(), batch)
	if err != nil {
		return fmt.Errorf("mark scheduler job %d failed: %w", batch, err)
	}
	return l.requireTransition(ctx, res, batch)
}

// RequeueSchedulerJob は失敗したジョブを明示的に queued へ戻します。
// 運用者の判断でのみ呼ばれ、自動リトライには使われません。
func (l *Ledger) RequeueSchedulerJob(ctx context.Context, batch prover.BatchNumber) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE scheduler_witness_jobs
		SET status = 'queued', error = NULL, picked_by = NULL, time_taken_ms = NULL, updated_at = ?
		WHERE batch_number = ? AND status = 'failed'`,
		nowMillis(), batch)
	if err != nil {
		return fmt.Errorf("requeue scheduler job %d: %w", batch, err)
	}
	return l.requireTransition(ctx, res, batch)
}

// GetSchedulerJob はジョブの現在の姿を返します。
func (l *Ledger) GetSchedulerJob(ctx context.Context, batch prover.BatchNumber) (SchedulerWitnessJob, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT batch_number, status, input_blob_url, attempts,
		        COALESCE(picked_by, ''), COALESCE(time_taken_ms, 0),
		        COALESCE(error, ''), created_at, updated_at
		FROM scheduler_witness_jobs WHERE batch_number = ?`, batch)
	return scanSchedulerJob(row)
}

// SchedulerDependencyIDs は依存する証明ジョブの ID を登録順で返します。
func (l *Ledger) SchedulerDependencyIDs(ctx context.Context, batch prover.BatchNumber) ([]int64, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT proof_job_id FROM scheduler_dependencies
		WHERE batch_number = ? ORDER BY position ASC`, batch)
	if err != nil {
		return nil, fmt.Errorf("select dependencies for batch %d: %w", batch, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// requireTransition は条件付き UPDATE が空振りしたときに、行が無いのか
// 状態が合わないのかを切り分けてエラーにします。
func (l *Ledger) requireTransition(ctx context.Context, res sql.Result, batch prover.BatchNumber) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var exists int
	err = l.db.QueryRowContext(ctx,
		`SELECT 1 FROM scheduler_witness_jobs WHERE batch_number = ?`, batch).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("scheduler job %d: %w", batch, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("scheduler job %d: %w", batch, ErrConflict)
}

func scanSchedulerJob(row *sql.Row) (SchedulerWitnessJob, error) {
	var job SchedulerWitnessJob
	var batch uint32
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&batch, &status, &job.InputBlobURL, &job.Attempts,
		&job.PickedBy, &job.TimeTakenMS, &job.Error, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SchedulerWitnessJob{}, ErrNotFound
	}
	if err != nil {
		return SchedulerWitnessJob{}, fmt.Errorf("scan scheduler job: %w", err)
	}
	job.BatchNumber = prover.BatchNumber(batch)
	job.Status = prover.JobStatus(status)
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return job, nil
}
