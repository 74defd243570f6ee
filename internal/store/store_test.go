package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deptz/augment-sub000/internal/protocol"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "engine-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	out := map[string]Backend{
		"sqlite": openTestSQLite(t),
		"memory": NewMemory(),
	}
	if dsn := os.Getenv("AUGMENT_TEST_POSTGRES_DSN"); dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg, err := OpenPostgres(ctx, dsn)
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		t.Cleanup(func() { _ = pg.Close() })
		out["postgres"] = pg
	}
	return out
}

func TestFlagLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := "cancel:job:" + name
			set, err := b.GetFlag(ctx, key)
			if err != nil || set {
				t.Fatalf("absent flag should read false: %v %v", set, err)
			}
			if err := b.SetFlag(ctx, key); err != nil {
				t.Fatalf("set flag: %v", err)
			}
			if err := b.SetFlag(ctx, key); err != nil {
				t.Fatalf("set flag twice: %v", err)
			}
			if set, err := b.GetFlag(ctx, key); err != nil || !set {
				t.Fatalf("expected flag set: %v %v", set, err)
			}
			if err := b.DeleteFlag(ctx, key); err != nil {
				t.Fatalf("delete flag: %v", err)
			}
			if err := b.DeleteFlag(ctx, key); err != nil {
				t.Fatalf("delete absent flag: %v", err)
			}
			if set, _ := b.GetFlag(ctx, key); set {
				t.Fatalf("expected flag cleared")
			}
		})
	}
}

func TestJobRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id := "job-" + name
			if _, ok, err := b.GetJob(ctx, id); err != nil || ok {
				t.Fatalf("expected missing job: %v %v", ok, err)
			}
			rec := protocol.JobRecord{
				ID:         id,
				JobType:    protocol.JobTypeCoverageCheck,
				Status:     protocol.JobStatusRunning,
				CreatedUTC: created,
			}
			if err := b.PutJob(ctx, rec); err != nil {
				t.Fatalf("put job: %v", err)
			}
			rec.Status = protocol.JobStatusCompleted
			rec.Result = protocol.ExecutionResult{"coverage_percentage": float64(82)}
			if err := b.PutJob(ctx, rec); err != nil {
				t.Fatalf("update job: %v", err)
			}
			got, ok, err := b.GetJob(ctx, id)
			if err != nil || !ok {
				t.Fatalf("get job: %v %v", ok, err)
			}
			if got.Status != protocol.JobStatusCompleted || got.Result["coverage_percentage"] != float64(82) {
				t.Fatalf("unexpected record: %+v", got)
			}
			if !got.CreatedUTC.Equal(created) {
				t.Fatalf("created time changed: %s", got.CreatedUTC)
			}
			if err := b.DeleteJob(ctx, id); err != nil {
				t.Fatalf("delete job: %v", err)
			}
			if _, ok, _ := b.GetJob(ctx, id); ok {
				t.Fatalf("expected job deleted")
			}
		})
	}
}

func TestSQLiteFlagVisibleAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	writer, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer writer.Close()
	reader, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer reader.Close()

	ctx := context.Background()
	if err := writer.SetFlag(ctx, "cancel:job:shared"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	set, err := reader.GetFlag(ctx, "cancel:job:shared")
	if err != nil || !set {
		t.Fatalf("flag not visible to second handle: %v %v", set, err)
	}
}

func TestSQLiteListJobsByStatus(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	for _, rec := range []protocol.JobRecord{
		{ID: "a", JobType: protocol.JobTypeTaskBreakdown, Status: protocol.JobStatusRunning},
		{ID: "b", JobType: protocol.JobTypeTaskBreakdown, Status: protocol.JobStatusFailed},
		{ID: "c", JobType: protocol.JobTypeTaskBreakdown, Status: protocol.JobStatusRunning},
	} {
		if err := s.PutJob(ctx, rec); err != nil {
			t.Fatalf("put job %s: %v", rec.ID, err)
		}
	}
	ids, err := s.ListJobsByStatus(ctx, protocol.JobStatusRunning)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 running jobs, got %v", ids)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, "memory", "")
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := b.(*Memory); !ok {
		t.Fatalf("expected *Memory, got %T", b)
	}
	b, err = Open(ctx, "sqlite", filepath.Join(t.TempDir(), "x.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	_ = b.Close()

	_, err = Open(ctx, "redis", "")
	var unknown *UnknownDriverError
	if !errors.As(err, &unknown) || unknown.Driver != "redis" {
		t.Fatalf("expected UnknownDriverError, got %v", err)
	}
}

func TestMemoryListJobsByStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"late", "early"} {
		rec := protocol.JobRecord{ID: id, Status: protocol.JobStatusQueued, CreatedUTC: base.Add(time.Duration(1-i) * time.Minute)}
		if err := m.PutJob(ctx, rec); err != nil {
			t.Fatalf("put job: %v", err)
		}
	}
	_ = m.PutJob(ctx, protocol.JobRecord{ID: "done", Status: protocol.JobStatusCompleted})
	ids, _ := m.ListJobsByStatus(ctx, protocol.JobStatusQueued)
	if len(ids) != 2 || ids[0] != "early" || ids[1] != "late" {
		t.Fatalf("unexpected order %v", ids)
	}
}
