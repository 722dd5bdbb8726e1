package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteBackend persists jobs in the jobs table of the manager database, so
// queued and in-flight work survives a restart.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend returns a backend over db. The jobs table must already
// exist; storage.Open creates it.
func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

const jobColumns = `id, queue, payload, state, attempt, max_attempts, result, error, run_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j                           Job
		state                       string
		runAt, createdAt, updatedAt int64
	)
	if err := row.Scan(
		&j.ID,
		&j.Queue,
		&j.Payload,
		&state,
		&j.Attempt,
		&j.MaxAttempts,
		&j.Result,
		&j.Error,
		&runAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return Job{}, err
	}
	j.State = State(state)
	j.RunAt = fromMillis(runAt)
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	return j, nil
}

func (b *SQLiteBackend) Add(ctx context.Context, job Job) error {
	if job.Payload == nil {
		job.Payload = []byte{}
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Queue, job.Payload, string(job.State), job.Attempt, job.MaxAttempts,
		job.Result, job.Error, toMillis(job.RunAt), toMillis(job.CreatedAt), toMillis(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Get(ctx context.Context, id string) (Job, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (b *SQLiteBackend) Claim(ctx context.Context, queue string, now time.Time) (Job, bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM jobs
		 WHERE queue = ? AND state IN (?, ?) AND run_at <= ?
		 ORDER BY rowid LIMIT 1`,
		queue, string(StateWaiting), string(StateDelayed), toMillis(now),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("select ready job: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, attempt = attempt + 1, updated_at = ? WHERE id = ?`,
		string(StateActive), toMillis(now), id,
	); err != nil {
		return Job{}, false, fmt.Errorf("claim job %s: %w", id, err)
	}

	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return Job{}, false, fmt.Errorf("reload job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false, fmt.Errorf("commit claim: %w", err)
	}
	return j, true, nil
}

func (b *SQLiteBackend) Complete(ctx context.Context, id, result string, now time.Time) error {
	return b.exec(ctx, id,
		`UPDATE jobs SET state = ?, result = ?, error = '', updated_at = ? WHERE id = ?`,
		string(StateCompleted), result, toMillis(now), id,
	)
}

func (b *SQLiteBackend) Retry(ctx context.Context, id, errMsg string, runAt, now time.Time) error {
	return b.exec(ctx, id,
		`UPDATE jobs SET state = ?, error = ?, run_at = ?, updated_at = ? WHERE id = ?`,
		string(StateDelayed), errMsg, toMillis(runAt), toMillis(now), id,
	)
}

func (b *SQLiteBackend) Release(ctx context.Context, id string, runAt, now time.Time) error {
	return b.exec(ctx, id,
		`UPDATE jobs SET state = ?, attempt = MAX(attempt - 1, 0), run_at = ?, updated_at = ? WHERE id = ?`,
		string(StateDelayed), toMillis(runAt), toMillis(now), id,
	)
}

func (b *SQLiteBackend) Fail(ctx context.Context, id, errMsg string, now time.Time) error {
	return b.exec(ctx, id,
		`UPDATE jobs SET state = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(StateFailed), errMsg, toMillis(now), id,
	)
}

func (b *SQLiteBackend) Recover(ctx context.Context, queue string, now time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, run_at = ?, updated_at = ? WHERE queue = ? AND state = ?`,
		string(StateWaiting), toMillis(now), toMillis(now), queue, string(StateActive),
	)
	if err != nil {
		return 0, fmt.Errorf("recover jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *SQLiteBackend) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

var _ Backend = (*SQLiteBackend)(nil)
