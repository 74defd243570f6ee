// Package store persists cancellation flags and job records for the engine's
// worker and control-plane processes.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/deptz/augment-sub000/internal/protocol"
)

// JobStore keeps the control plane's view of engine jobs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (protocol.JobRecord, bool, error)
	PutJob(ctx context.Context, rec protocol.JobRecord) error
	DeleteJob(ctx context.Context, id string) error
	ListJobsByStatus(ctx context.Context, status string) ([]string, error)
}

// FlagStore is a boolean key/value store shared between processes.
type FlagStore interface {
	GetFlag(ctx context.Context, key string) (bool, error)
	SetFlag(ctx context.Context, key string) error
	DeleteFlag(ctx context.Context, key string) error
}

// Backend is implemented by every store driver.
type Backend interface {
	JobStore
	FlagStore
	Close() error
}

// Open selects a backend by driver name: sqlite, postgres or memory.
func Open(ctx context.Context, driver, dsn string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		return OpenSQLite(dsn)
	case "postgres":
		return OpenPostgres(ctx, dsn)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, &UnknownDriverError{Driver: driver}
	}
}

type UnknownDriverError struct {
	Driver string
}

func (e *UnknownDriverError) Error() string {
	return fmt.Sprintf("unknown store driver %q", e.Driver)
}
