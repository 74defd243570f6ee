// Package cancel lets a control-plane process request cancellation of a job
// that a worker process is executing.
package cancel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
)

// Token is a cooperative cancellation signal observed at stage boundaries.
type Token interface {
	Cancelled() bool
}

// Store is the shared flag store. Absence of a key means not cancelled.
type Store interface {
	GetFlag(ctx context.Context, key string) (bool, error)
	SetFlag(ctx context.Context, key string) error
	DeleteFlag(ctx context.Context, key string) error
}

const keyPrefix = "cancel:job:"

func flagKey(jobID string) string {
	return keyPrefix + strings.TrimSpace(jobID)
}

type Coordinator struct {
	store  Store
	logger *slog.Logger
}

type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewCoordinator(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	set, err := c.store.GetFlag(ctx, flagKey(jobID))
	if err != nil {
		return false, fmt.Errorf("read cancellation flag for %q: %w", jobID, err)
	}
	return set, nil
}

func (c *Coordinator) RequestCancellation(ctx context.Context, jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return fmt.Errorf("job id is required")
	}
	if err := c.store.SetFlag(ctx, flagKey(jobID)); err != nil {
		return fmt.Errorf("set cancellation flag for %q: %w", jobID, err)
	}
	c.logger.Info("cancellation requested", "job_id", jobID)
	return nil
}

func (c *Coordinator) ClearFlag(ctx context.Context, jobID string) error {
	if err := c.store.DeleteFlag(ctx, flagKey(jobID)); err != nil {
		return fmt.Errorf("clear cancellation flag for %q: %w", jobID, err)
	}
	return nil
}

// Token returns the job's cancellation token. The first positive observation
// clears the stored flag and latches, so the job is cancelled exactly once
// even when the check happens late.
func (c *Coordinator) Token(ctx context.Context, jobID string) *JobToken {
	return &JobToken{coord: c, ctx: ctx, jobID: jobID}
}

type JobToken struct {
	coord   *Coordinator
	ctx     context.Context
	jobID   string
	latched atomic.Bool
}

func (t *JobToken) Cancelled() bool {
	if t.latched.Load() {
		return true
	}
	set, err := t.coord.IsCancelled(t.ctx, t.jobID)
	if err != nil {
		t.coord.logger.Warn("cancellation check failed", "job_id", t.jobID, "error", err)
		return false
	}
	if !set {
		return false
	}
	if t.latched.CompareAndSwap(false, true) {
		if err := t.coord.ClearFlag(context.WithoutCancel(t.ctx), t.jobID); err != nil {
			t.coord.logger.Warn("clear cancellation flag failed", "job_id", t.jobID, "error", err)
		}
		t.coord.logger.Info("cancellation observed", "job_id", t.jobID)
	}
	return true
}

// Flag is an in-process token set directly by the owner.
type Flag struct {
	set atomic.Bool
}

func (f *Flag) Cancel() { f.set.Store(true) }

func (f *Flag) Cancelled() bool { return f.set.Load() }

type never struct{}

func (never) Cancelled() bool { return false }

// Never is a token that is never cancelled.
var Never Token = never{}

// Any reports cancellation when any of the given tokens does.
func Any(tokens ...Token) Token {
	return anyToken(tokens)
}

type anyToken []Token

func (a anyToken) Cancelled() bool {
	for _, t := range a {
		if t != nil && t.Cancelled() {
			return true
		}
	}
	return false
}

// Context adapts ctx so that a cancelled or expired context also counts as cancelled.
func Context(ctx context.Context) Token {
	return ctxToken{ctx: ctx}
}

type ctxToken struct {
	ctx context.Context
}

func (c ctxToken) Cancelled() bool {
	return c.ctx.Err() != nil
}
