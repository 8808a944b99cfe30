// Package ledger はジョブキューを兼ねるリレーショナル台帳を提供します。
// 全ての状態遷移はこの台帳上のトランザクションで行われ、複数プロセスが
// 同じデータベースを共有しても請求（claim）は高々一人にしか成立しません。
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound は対象の行が存在しないことを示します。
	ErrNotFound = errors.New("ledger: row not found")

	// ErrBatchExists は同じバッチが既に登録済みであることを示します。
	ErrBatchExists = errors.New("ledger: batch already registered")

	// ErrConflict は行は存在するが現在の状態では要求された遷移が
	// 許されないことを示します。
	ErrConflict = errors.New("ledger: status conflict")
)

// Ledger は SQLite 上の台帳です。
type Ledger struct {
	db *sql.DB
}

// Open はデータベースを開き、スキーマを初期化します。
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return l, nil
}

// Close はデータベース接続を閉じます。
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS scheduler_witness_jobs (
		batch_number INTEGER PRIMARY KEY,
		status TEXT NOT NULL CHECK (status IN ('queued','picked','processing','successful','failed')),
		input_blob_url TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		picked_by TEXT,
		processing_started_at INTEGER,
		time_taken_ms INTEGER,
		error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS proof_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_number INTEGER NOT NULL,
		circuit_id INTEGER NOT NULL,
		sequence_number INTEGER NOT NULL,
		depth INTEGER NOT NULL,
		aggregation_round TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('queued','picked','processing','successful','failed')),
		proof_blob_url TEXT,
		error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_proof_jobs_batch_status ON proof_jobs(batch_number, status);
	CREATE TABLE IF NOT EXISTS scheduler_dependencies (
		batch_number INTEGER NOT NULL,
		position INTEGER NOT NULL,
		proof_job_id INTEGER NOT NULL REFERENCES proof_jobs(id),
		PRIMARY KEY (batch_number, position)
	);
	CREATE TABLE IF NOT EXISTS submission_jobs (
		batch_number INTEGER PRIMARY KEY,
		circuit_id INTEGER NOT NULL,
		sequence_number INTEGER NOT NULL,
		depth INTEGER NOT NULL,
		aggregation_round TEXT NOT NULL,
		circuit_blob_url TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('queued','submitted','failed')),
		error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		submitted_at INTEGER
	);
	`
	_, err := l.db.ExecContext(ctx, schema)
	return err
}

// WithTx は直列化分離レベルのトランザクションの中で fn を実行します。
// fn がエラーを返した場合は全ての書き込みが巻き戻されます。
func (l *Ledger) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}
