package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/suizapt/zksync-era/internal/prover"
)

// SubmissionJob は最終証明の提出ジョブの台帳上の姿です。
// 一バッチにつき一件だけ作られ、成果物の座標と位置 URL を保持します。
type SubmissionJob struct {
	BatchNumber    prover.BatchNumber `json:"batch_number"`
	CircuitID      uint8              `json:"circuit_id"`
	SequenceNumber int                `json:"sequence_number"`
	Depth          uint16             `json:"depth"`
	RoundName      string             `json:"aggregation_round"`
	CircuitBlobURL string             `json:"circuit_blob_url"`
	Status         prover.JobStatus   `json:"status"`
	Error          string             `json:"error,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	SubmittedAt    *time.Time         `json:"submitted_at,omitempty"`
}

// InsertSubmissionJob は提出ジョブを tx の中で登録します。
// witness ジョブの成功記録と同じトランザクションで呼ぶのが前提です。
func (l *Ledger) InsertSubmissionJob(ctx context.Context, tx *sql.Tx, key prover.CircuitKey, blobURL string) error {
	if blobURL == "" {
		return fmt.Errorf("circuit blob URL is required")
	}
	now := nowMillis()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO submission_jobs
		(batch_number, circuit_id, sequence_number, depth, aggregation_round, circuit_blob_url, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', ?, ?)`,
		key.BlockNumber, key.CircuitID, key.SequenceNumber, key.Depth, key.Round.String(), blobURL, now, now)
	if err != nil {
		return fmt.Errorf("insert submission job %d: %w", key.BlockNumber, err)
	}
	return nil
}

// GetSubmissionJob は提出ジョブの現在の姿を返します。
func (l *Ledger) GetSubmissionJob(ctx context.Context, batch prover.BatchNumber) (SubmissionJob, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT batch_number, circuit_id, sequence_number, depth, aggregation_round,
		        circuit_blob_url, status, COALESCE(error, ''), created_at, updated_at, submitted_at
		FROM submission_jobs WHERE batch_number = ?`, batch)

	var job SubmissionJob
	var b uint32
	var status string
	var createdAt, updatedAt int64
	var submittedAt sql.NullInt64
	err := row.Scan(&b, &job.CircuitID, &job.SequenceNumber, &job.Depth, &job.RoundName,
		&job.CircuitBlobURL, &status, &job.Error, &createdAt, &updatedAt, &submittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SubmissionJob{}, fmt.Errorf("submission job %d: %w", batch, ErrNotFound)
	}
	if err != nil {
		return SubmissionJob{}, fmt.Errorf("scan submission job: %w", err)
	}
	job.BatchNumber = prover.BatchNumber(b)
	job.Status = prover.JobStatus(status)
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if submittedAt.Valid {
		t := time.UnixMilli(submittedAt.Int64).UTC()
		job.SubmittedAt = &t
	}
	return job, nil
}

// MarkSubmissionJobSubmitted は提出の完了を記録します。
// 既に submitted なら何もせず成功を返すため、再送されたタスクが
// 二重に状態を壊すことはありません。
func (l *Ledger) MarkSubmissionJobSubmitted(ctx context.Context, batch prover.BatchNumber) error {
	now := nowMillis()
	res, err := l.db.ExecContext(ctx,
		`UPDATE submission_jobs
		SET status = 'submitted', error = NULL, submitted_at = ?, updated_at = ?
		WHERE batch_number = ? AND status IN ('queued','failed')`,
		now, now, batch)
	if err != nil {
		return fmt.Errorf("mark submission job %d submitted: %w", batch, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	job, err := l.GetSubmissionJob(ctx, batch)
	if err != nil {
		return err
	}
	if job.Status == prover.StatusSubmitted {
		return nil
	}
	return fmt.Errorf("submission job %d: %w", batch, ErrConflict)
}

// MarkSubmissionJobFailed は提出の失敗理由を記録します。
// タスクキューの再試行がそのまま再提出の機会になります。
func (l *Ledger) MarkSubmissionJobFailed(ctx context.Context, batch prover.BatchNumber, cause string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE submission_jobs SET status = 'failed', error = ?, updated_at = ?
		WHERE batch_number = ? AND status IN ('queued','failed')`,
		cause, nowMillis(), batch)
	if err != nil {
		return fmt.Errorf("mark submission job %d failed: %w", batch, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("submission job %d: %w", batch, ErrConflict)
	}
	return nil
}

// ListPendingSubmissions は未提出の提出ジョブのバッチ番号を返します。
// プロセス再起動時に配送タスクを積み直すために使います。
func (l *Ledger) ListPendingSubmissions(ctx context.Context) ([]prover.BatchNumber, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT batch_number FROM submission_jobs
		WHERE status IN ('queued','failed')
		ORDER BY batch_number ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pending submissions: %w", err)
	}
	defer rows.Close()

	var batches []prover.BatchNumber
	for rows.Next() {
		var b uint32
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		batches = append(batches, prover.BatchNumber(b))
	}
	return batches, rows.Err()
}
