package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists jobs in a single resolution_jobs table. Row-level
// transactions give the atomicity the contract requires.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createJobsTable = `
	CREATE TABLE IF NOT EXISTS resolution_jobs (
		id             TEXT PRIMARY KEY,
		market_id      TEXT NOT NULL,
		title          TEXT NOT NULL DEFAULT '',
		resolve_time   TIMESTAMPTZ NOT NULL,
		status         TEXT NOT NULL,
		type           TEXT NOT NULL,
		retry_count    INT NOT NULL DEFAULT 0,
		max_retries    INT NOT NULL DEFAULT 0,
		last_error     TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT ''
	)`

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	// Job writes are low-rate; a small pool is plenty.
	config.MaxConns = 10
	config.MinConns = 1
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createJobsTable); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) SaveJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO resolution_jobs
			(id, market_id, title, resolve_time, status, type, retry_count,
			 max_retries, last_error, created_at, updated_at, correlation_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			type = EXCLUDED.type,
			retry_count = EXCLUDED.retry_count,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.pool.Exec(ctx, query,
		job.ID, job.MarketID, job.Title, job.ResolveTime, job.Status, job.Type,
		job.RetryCount, job.MaxRetries, job.LastError, job.CreatedAt,
		job.UpdatedAt, job.CorrelationID,
	)
	return err
}

func (s *PostgresStore) UpdateJob(ctx context.Context, id string, patch Patch) (*Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	j, err := scanJob(tx.QueryRow(ctx,
		`SELECT id, market_id, title, resolve_time, status, type, retry_count,
		        max_retries, last_error, created_at, updated_at, correlation_id
		 FROM resolution_jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	patch.Apply(j, time.Now())
	_, err = tx.Exec(ctx,
		`UPDATE resolution_jobs
		 SET status=$2, type=$3, retry_count=$4, last_error=$5, updated_at=$6
		 WHERE id=$1`,
		j.ID, j.Status, j.Type, j.RetryCount, j.LastError, j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM resolution_jobs WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) LoadJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, title, resolve_time, status, type, retry_count,
		        max_retries, last_error, created_at, updated_at, correlation_id
		 FROM resolution_jobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM resolution_jobs
		 WHERE updated_at < $1
		   AND (status IN ('COMPLETED','CANCELLED')
		        OR (status = 'FAILED' AND retry_count >= max_retries))`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.MarketID, &j.Title, &j.ResolveTime, &j.Status,
		&j.Type, &j.RetryCount, &j.MaxRetries, &j.LastError, &j.CreatedAt,
		&j.UpdatedAt, &j.CorrelationID)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
