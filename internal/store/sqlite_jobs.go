package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deptz/augment-sub000/internal/protocol"
)

func (s *SQLite) GetJob(ctx context.Context, id string) (protocol.JobRecord, bool, error) {
	var raw string
	row := s.db.QueryRowContext(ctx, `SELECT record_json FROM engine_jobs WHERE id = ?`, id)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return protocol.JobRecord{}, false, nil
		}
		return protocol.JobRecord{}, false, fmt.Errorf("get job: %w", err)
	}
	var rec protocol.JobRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return protocol.JobRecord{}, false, fmt.Errorf("decode job %q: %w", id, err)
	}
	return rec, true, nil
}

func (s *SQLite) PutJob(ctx context.Context, rec protocol.JobRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode job %q: %w", rec.ID, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_jobs (id, job_type, status, record_json, updated_utc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			job_type=excluded.job_type,
			status=excluded.status,
			record_json=excluded.record_json,
			updated_utc=excluded.updated_utc
	`, rec.ID, string(rec.JobType), rec.Status, string(raw), now); err != nil {
		return fmt.Errorf("put job: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM engine_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// ListJobsByStatus returns job ids with the given status, oldest update first.
func (s *SQLite) ListJobsByStatus(ctx context.Context, status string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM engine_jobs WHERE status = ? ORDER BY updated_utc`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}
