package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deptz/augment-sub000/internal/protocol"
)

// Postgres shares flags and job records between hosts.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS engine_flags (
			key TEXT PRIMARY KEY,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS engine_jobs (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			status TEXT NOT NULL,
			record JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

func (p *Postgres) GetFlag(ctx context.Context, key string) (bool, error) {
	var one int
	err := p.pool.QueryRow(ctx, `SELECT 1 FROM engine_flags WHERE key = $1`, key).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get flag: %w", err)
	}
	return true, nil
}

func (p *Postgres) SetFlag(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `
		INSERT INTO engine_flags (key, updated_at) VALUES ($1, now())
		ON CONFLICT (key) DO UPDATE SET updated_at = excluded.updated_at
	`, key); err != nil {
		return fmt.Errorf("set flag: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteFlag(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM engine_flags WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}
	return nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (protocol.JobRecord, bool, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT record FROM engine_jobs WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return protocol.JobRecord{}, false, nil
	}
	if err != nil {
		return protocol.JobRecord{}, false, fmt.Errorf("get job: %w", err)
	}
	var rec protocol.JobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return protocol.JobRecord{}, false, fmt.Errorf("decode job %q: %w", id, err)
	}
	return rec, true, nil
}

func (p *Postgres) PutJob(ctx context.Context, rec protocol.JobRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode job %q: %w", rec.ID, err)
	}
	if _, err := p.pool.Exec(ctx, `
		INSERT INTO engine_jobs (id, job_type, status, record, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			job_type = excluded.job_type,
			status = excluded.status,
			record = excluded.record,
			updated_at = excluded.updated_at
	`, rec.ID, string(rec.JobType), rec.Status, raw); err != nil {
		return fmt.Errorf("put job: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteJob(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM engine_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (p *Postgres) ListJobsByStatus(ctx context.Context, status string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM engine_jobs WHERE status = $1 ORDER BY updated_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return ids, nil
}
