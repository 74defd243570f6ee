package store

import (
	"context"
	"sort"
	"sync"

	"github.com/deptz/augment-sub000/internal/protocol"
)

// Memory is a process-local backend for single-process deployments and tests.
type Memory struct {
	mu    sync.Mutex
	flags map[string]struct{}
	jobs  map[string]protocol.JobRecord
}

func NewMemory() *Memory {
	return &Memory{
		flags: map[string]struct{}{},
		jobs:  map[string]protocol.JobRecord{},
	}
}

func (m *Memory) GetFlag(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.flags[key]
	return ok, nil
}

func (m *Memory) SetFlag(_ context.Context, key string) error {
	m.mu.Lock()
	m.flags[key] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteFlag(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.flags, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (protocol.JobRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	return rec, ok, nil
}

func (m *Memory) PutJob(_ context.Context, rec protocol.JobRecord) error {
	m.mu.Lock()
	m.jobs[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListJobsByStatus(_ context.Context, status string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []protocol.JobRecord
	for _, rec := range m.jobs {
		if rec.Status == status {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedUTC.Equal(recs[j].CreatedUTC) {
			return recs[i].CreatedUTC.Before(recs[j].CreatedUTC)
		}
		return recs[i].ID < recs[j].ID
	})
	out := make([]string, len(recs))
	for i, rec := range recs {
		out[i] = rec.ID
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
