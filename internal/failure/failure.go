// Package failure defines the classified errors returned by the execution engine.
package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindConfiguration     Kind = "configuration_error"
	KindImagePull         Kind = "image_pull_error"
	KindContainerSpawn    Kind = "container_spawn_error"
	KindContainerNotReady Kind = "container_not_ready"
	KindAuthentication    Kind = "authentication_error"
	KindStreaming         Kind = "streaming_failure"
	KindResultMissing     Kind = "result_missing"
	KindResultTooLarge    Kind = "result_too_large"
	KindResultInvalidJSON Kind = "result_invalid_json"
	KindResultSchema      Kind = "result_schema_violation"
	KindResultContent     Kind = "result_content_empty"
	KindClone             Kind = "clone_error"
	KindCloneTimeout      Kind = "clone_timeout"
	KindCancelled         Kind = "cancelled"
	KindJobTimeout        Kind = "job_timeout"
	KindInternal          Kind = "internal_error"
)

// Sentinels usable with errors.Is against any *Error of the same kind.
var (
	ErrConfiguration     = &Error{Kind: KindConfiguration}
	ErrImagePull         = &Error{Kind: KindImagePull}
	ErrContainerSpawn    = &Error{Kind: KindContainerSpawn}
	ErrContainerNotReady = &Error{Kind: KindContainerNotReady}
	ErrAuthentication    = &Error{Kind: KindAuthentication}
	ErrStreaming         = &Error{Kind: KindStreaming}
	ErrResultMissing     = &Error{Kind: KindResultMissing}
	ErrResultTooLarge    = &Error{Kind: KindResultTooLarge}
	ErrResultInvalidJSON = &Error{Kind: KindResultInvalidJSON}
	ErrResultSchema      = &Error{Kind: KindResultSchema}
	ErrResultContent     = &Error{Kind: KindResultContent}
	ErrClone             = &Error{Kind: KindClone}
	ErrCloneTimeout      = &Error{Kind: KindCloneTimeout}
	ErrCancelled         = &Error{Kind: KindCancelled}
	ErrJobTimeout        = &Error{Kind: KindJobTimeout}
)

// Error is a classified engine failure. Op names the stage that failed and
// Detail carries diagnostic text (log tails, directory listings, response bodies).
type Error struct {
	Kind   Kind
	Op     string
	Msg    string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can compare against the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or "" when err is
// nil and KindInternal when err carries no classification.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Classify returns err unchanged when it already carries a kind and wraps it
// as KindInternal otherwise.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return Wrap(KindInternal, op, err)
}

// DetailOf returns the diagnostic detail attached to the first *Error in err's chain.
func DetailOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Detail
	}
	return ""
}

// FromContext classifies a context error: deadline expiry is a job timeout and
// explicit cancellation is a cancelled job.
func FromContext(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindJobTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return Wrap(KindCancelled, op, err)
	default:
		return Classify(op, err)
	}
}
