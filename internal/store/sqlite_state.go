package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *SQLite) SetAppState(ctx context.Context, key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO app_state (key, value, updated_utc)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_utc=excluded.updated_utc
	`, key, value, now); err != nil {
		return fmt.Errorf("set app state: %w", err)
	}
	return nil
}

func (s *SQLite) GetAppState(ctx context.Context, key string) (string, bool, error) {
	var value string
	row := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get app state: %w", err)
	}
	return value, true, nil
}

func (s *SQLite) DeleteAppState(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM app_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete app state: %w", err)
	}
	return nil
}

func (s *SQLite) GetFlag(ctx context.Context, key string) (bool, error) {
	v, ok, err := s.GetAppState(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return v == "1", nil
}

func (s *SQLite) SetFlag(ctx context.Context, key string) error {
	return s.SetAppState(ctx, key, "1")
}

func (s *SQLite) DeleteFlag(ctx context.Context, key string) error {
	return s.DeleteAppState(ctx, key)
}
