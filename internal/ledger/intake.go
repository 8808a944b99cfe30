package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/suizapt/zksync-era/internal/prover"
)

// ProofSeed は依存証明ジョブの登録時の座標です。
type ProofSeed struct {
	CircuitID      uint8
	SequenceNumber int
	Depth          uint16
	Round          prover.AggregationRound
}

// ProofJob は上流の証明ジョブの台帳上の姿です。
type ProofJob struct {
	ID             int64                   `json:"id"`
	BatchNumber    prover.BatchNumber      `json:"batch_number"`
	CircuitID      uint8                   `json:"circuit_id"`
	SequenceNumber int                     `json:"sequence_number"`
	Depth          uint16                  `json:"depth"`
	Round          prover.AggregationRound `json:"-"`
	RoundName      string                  `json:"aggregation_round"`
	Status         prover.JobStatus        `json:"status"`
	ProofBlobURL   string                  `json:"proof_blob_url,omitempty"`
	Error          string                  `json:"error,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// RegisterBatch はバッチ一式（witness ジョブ・依存証明ジョブ・依存順序）を
// 一つのトランザクションで登録し、証明ジョブの ID を登録順で返します。
// 同じバッチ番号が既にあれば ErrBatchExists を返します。
func (l *Ledger) RegisterBatch(ctx context.Context, batch prover.BatchNumber, inputBlobURL string, seeds []ProofSeed) ([]int64, error) {
	if inputBlobURL == "" {
		return nil, fmt.Errorf("input blob URL is required")
	}

	var ids []int64
	err := l.WithTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM scheduler_witness_jobs WHERE batch_number = ?`, batch).Scan(&exists)
		if err == nil {
			return fmt.Errorf("batch %d: %w", batch, ErrBatchExists)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check batch %d: %w", batch, err)
		}

		now := nowMillis()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scheduler_witness_jobs
			(batch_number, status, input_blob_url, created_at, updated_at)
			VALUES (?, 'queued', ?, ?, ?)`,
			batch, inputBlobURL, now, now); err != nil {
			return fmt.Errorf("insert scheduler job %d: %w", batch, err)
		}

		ids = make([]int64, 0, len(seeds))
		for pos, seed := range seeds {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO proof_jobs
				(batch_number, circuit_id, sequence_number, depth, aggregation_round, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)`,
				batch, seed.CircuitID, seed.SequenceNumber, seed.Depth, seed.Round.String(), now, now)
			if err != nil {
				return fmt.Errorf("insert proof job for batch %d: %w", batch, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO scheduler_dependencies (batch_number, position, proof_job_id)
				VALUES (?, ?, ?)`,
				batch, pos, id); err != nil {
				return fmt.Errorf("insert dependency %d for batch %d: %w", pos, batch, err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CompleteProofJob は上流から届いた証明を記録し、証明ジョブを
// queued → successful に遷移させます。
func (l *Ledger) CompleteProofJob(ctx context.Context, id int64, blobURL string) error {
	if blobURL == "" {
		return fmt.Errorf("proof blob URL is required")
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE proof_jobs SET status = 'successful', proof_blob_url = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'`,
		blobURL, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("complete proof job %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var exists int
	err = l.db.QueryRowContext(ctx, `SELECT 1 FROM proof_jobs WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("proof job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("proof job %d: %w", id, ErrConflict)
}

// GetProofJob は証明ジョブの現在の姿を返します。
func (l *Ledger) GetProofJob(ctx context.Context, id int64) (ProofJob, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, batch_number, circuit_id, sequence_number, depth, aggregation_round,
		        status, COALESCE(proof_blob_url, ''), COALESCE(error, ''), created_at, updated_at
		FROM proof_jobs WHERE id = ?`, id)
	job, err := scanProofJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return ProofJob{}, fmt.Errorf("proof job %d: %w", id, ErrNotFound)
	}
	return job, err
}

// ProofJobsForBatch はバッチの依存証明ジョブを依存順で返します。
func (l *Ledger) ProofJobsForBatch(ctx context.Context, batch prover.BatchNumber) ([]ProofJob, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT p.id, p.batch_number, p.circuit_id, p.sequence_number, p.depth, p.aggregation_round,
		        p.status, COALESCE(p.proof_blob_url, ''), COALESCE(p.error, ''), p.created_at, p.updated_at
		FROM scheduler_dependencies d
		JOIN proof_jobs p ON p.id = d.proof_job_id
		WHERE d.batch_number = ?
		ORDER BY d.position ASC`, batch)
	if err != nil {
		return nil, fmt.Errorf("select proof jobs for batch %d: %w", batch, err)
	}
	defer rows.Close()

	var jobs []ProofJob
	for rows.Next() {
		job, err := scanProofJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanProofJob(scan func(...any) error) (ProofJob, error) {
	var job ProofJob
	var batch uint32
	var roundName, status string
	var createdAt, updatedAt int64
	err := scan(&job.ID, &batch, &job.CircuitID, &job.SequenceNumber, &job.Depth, &roundName,
		&status, &job.ProofBlobURL, &job.Error, &createdAt, &updatedAt)
	if err != nil {
		return ProofJob{}, err
	}
	round, err := prover.ParseRound(roundName)
	if err != nil {
		return ProofJob{}, fmt.Errorf("proof job %d: %w", job.ID, err)
	}
	job.BatchNumber = prover.BatchNumber(batch)
	job.Round = round
	job.RoundName = roundName
	job.Status = prover.JobStatus(status)
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return job, nil
}
