package session

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

type RetryPolicy struct {
	Attempts   int
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Initial: time.Second, Multiplier: 2, Max: 30 * time.Second}
}

// Backoff returns the delay before the retry that follows attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Initial
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// transientError marks a failure that a fresh attempt may fix.
type transientError struct {
	kind string
	err  error
}

func (e *transientError) Error() string { return e.kind + ": " + e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

func transient(kind string, err error) error {
	return &transientError{kind: kind, err: err}
}

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// classifyTransport reports whether a transport error is worth retrying and
// under which label.
func classifyTransport(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "", false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return "read", true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return "connection", true
		case syscall.ECONNRESET, syscall.EPIPE, syscall.ETIMEDOUT:
			return "read", true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout", true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return "connection", true
		}
		return "read", true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []struct{ pattern, kind string }{
		{"connection refused", "connection"},
		{"no such host", "connection"},
		{"connection reset", "read"},
		{"broken pipe", "read"},
		{"unexpected eof", "read"},
		{"i/o timeout", "timeout"},
		{"malformed http", "protocol"},
	} {
		if strings.Contains(msg, p.pattern) {
			return p.kind, true
		}
	}
	return "", false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
