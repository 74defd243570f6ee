// Package session speaks the execution process's HTTP and event-stream
// protocol: readiness probing, session creation and prompt streaming.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/deptz/augment-sub000/internal/cancel"
	"github.com/deptz/augment-sub000/internal/diag"
	"github.com/deptz/augment-sub000/internal/failure"
	"github.com/deptz/augment-sub000/internal/version"
)

const maxErrorBody = 4096

type Client struct {
	baseURL    string
	http       *http.Client
	jobID      string
	retry      RetryPolicy
	sleep      func(context.Context, time.Duration) error
	credential string
	observer   func(Event)
	firstEvent time.Duration
	idle       time.Duration
	watchEvery time.Duration
	logger     *slog.Logger
	sink       diag.Sink
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithJobID(jobID string) Option {
	return func(c *Client) { c.jobID = jobID }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		if p.Attempts > 0 {
			c.retry = p
		}
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithCredentialName names the credential reported in authentication errors.
func WithCredentialName(name string) Option {
	return func(c *Client) { c.credential = strings.TrimSpace(name) }
}

// WithObserver receives every event read from the stream.
func WithObserver(fn func(Event)) Option {
	return func(c *Client) { c.observer = fn }
}

// WithWatchdog sets the stall thresholds before the first event and between
// later events. Zero disables a threshold.
func WithWatchdog(firstEvent, idle time.Duration) Option {
	return func(c *Client) {
		c.firstEvent = firstEvent
		c.idle = idle
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithSink(s diag.Sink) Option {
	return func(c *Client) { c.sink = diag.OrNop(s) }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{},
		retry:      DefaultRetryPolicy(),
		sleep:      sleepContext,
		firstEvent: 30 * time.Second,
		idle:       60 * time.Second,
		watchEvery: time.Second,
		logger:     slog.Default(),
		sink:       diag.Nop,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ForPort returns a client for an execution process published on a loopback port.
func ForPort(port int, opts ...Option) *Client {
	return New("http://127.0.0.1:"+strconv.Itoa(port), opts...)
}

func (c *Client) BaseURL() string { return c.baseURL }

type ReadyOptions struct {
	Timeout      time.Duration
	Interval     time.Duration
	ProbeTimeout time.Duration
}

func (o ReadyOptions) withDefaults() ReadyOptions {
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	return o
}

// WaitReady polls GET /session until it answers 200. It fails with
// ContainerNotReady carrying the last observed status when the timeout passes.
func (c *Client) WaitReady(ctx context.Context, opts ReadyOptions, tok cancel.Token) error {
	const op = "wait ready"
	opts = opts.withDefaults()
	tok = orNever(tok)
	deadline := c.now().Add(opts.Timeout)
	throttle := rate.Sometimes{First: 1, Interval: 10 * time.Second}
	var last string
	attempts := 0
	for {
		if tok.Cancelled() {
			return failure.New(failure.KindCancelled, op, "cancelled while waiting for readiness")
		}
		attempts++
		status, body, err := c.probe(ctx, opts.ProbeTimeout)
		if err == nil && status == http.StatusOK {
			c.logger.Debug("execution process ready", "job_id", c.jobID, "attempts", attempts)
			return nil
		}
		if err != nil {
			last = err.Error()
		} else {
			last = fmt.Sprintf("status %d: %s", status, body)
		}
		throttle.Do(func() {
			c.logger.Info("execution process not ready", "job_id", c.jobID, "attempt", attempts, "last", last)
		})
		if ctx.Err() != nil {
			return failure.FromContext(op, ctx.Err())
		}
		if !c.now().Before(deadline) {
			return failure.Newf(failure.KindContainerNotReady, op, "not ready after %s", opts.Timeout).WithDetail(last)
		}
		if err := sleepContext(ctx, opts.Interval); err != nil {
			return failure.FromContext(op, err)
		}
	}
}

func (c *Client) probe(ctx context.Context, timeout time.Duration) (int, string, error) {
	ctx, cancelProbe := context.WithTimeout(ctx, timeout)
	defer cancelProbe()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session", nil)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}

// CreateSession opens a session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	const op = "create session"
	ctx, cancelReq := context.WithTimeout(ctx, 30*time.Second)
	defer cancelReq()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session", strings.NewReader("{}"))
	if err != nil {
		return "", failure.Wrap(failure.KindInternal, op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", failure.FromContext(op, ctx.Err())
		}
		return "", failure.Wrap(failure.KindStreaming, op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", failure.Wrap(failure.KindStreaming, op, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", c.authError(op, string(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", failure.Newf(failure.KindStreaming, op, "unexpected status %d", resp.StatusCode).WithDetail(truncate(string(body)))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", failure.New(failure.KindStreaming, op, "empty response")
	}
	var payload struct {
		SessionID string `json:"session_id"`
		ID        string `json:"id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", failure.Wrap(failure.KindStreaming, op, fmt.Errorf("decode session response: %w", err))
	}
	id := strings.TrimSpace(payload.SessionID)
	if id == "" {
		id = strings.TrimSpace(payload.ID)
	}
	if id == "" {
		return "", failure.New(failure.KindStreaming, op, "response has no session id").WithDetail(truncate(string(body)))
	}
	c.sink.Emit(diag.Event{JobID: c.jobID, Stage: diag.StageSession, Type: diag.TypeCompleted, Attrs: map[string]any{"session_id": id}})
	return id, nil
}

type messagePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messageRequest struct {
	Parts []messagePart `json:"parts"`
}

// SendPromptAndStream posts the prompt and consumes the reply. Transport
// failures are retried with backoff; failures reported by the execution
// process are returned at once.
func (c *Client) SendPromptAndStream(ctx context.Context, sessionID, prompt string, tok cancel.Token) error {
	const op = "send prompt"
	tok = orNever(tok)
	body, err := json.Marshal(messageRequest{Parts: []messagePart{{Type: "text", Text: prompt}}})
	if err != nil {
		return failure.Wrap(failure.KindInternal, op, err)
	}
	c.logger.Debug("sending prompt", "job_id", c.jobID, "session_id", sessionID, "chars", len(prompt))

	var lastErr error
	for attempt := 0; attempt < c.retry.Attempts; attempt++ {
		if tok.Cancelled() {
			return failure.New(failure.KindCancelled, op, "cancelled before streaming")
		}
		err := c.streamOnce(ctx, sessionID, body, tok)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return failure.FromContext(op, ctx.Err())
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
		if attempt == c.retry.Attempts-1 {
			break
		}
		delay := c.retry.Backoff(attempt)
		c.logger.Warn("stream attempt failed", "job_id", c.jobID, "attempt", attempt+1, "of", c.retry.Attempts, "retry_in", delay, "error", err)
		c.sink.Emit(diag.Event{JobID: c.jobID, Stage: diag.StageStream, Type: diag.TypeRetry, Err: err, Attrs: map[string]any{"attempt": attempt + 1, "delay": delay.String()}})
		if err := c.sleep(ctx, delay); err != nil {
			return failure.FromContext(op, err)
		}
	}
	return failure.Wrap(failure.KindStreaming, op, fmt.Errorf("failed after %d attempts: %w", c.retry.Attempts, lastErr))
}

func (c *Client) streamOnce(ctx context.Context, sessionID string, body []byte, tok cancel.Token) error {
	const op = "send prompt"
	endpoint := c.baseURL + "/session/" + url.PathEscape(sessionID) + "/message"
	reqCtx, abort := context.WithCancel(ctx)
	defer abort()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return failure.Wrap(failure.KindInternal, op, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if kind, ok := classifyTransport(err); ok {
			return transient(kind, err)
		}
		return failure.Wrap(failure.KindStreaming, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return c.authError(op, string(raw))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return failure.Newf(failure.KindStreaming, op, "unexpected status %d", resp.StatusCode).WithDetail(truncate(string(raw)))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		return c.readCompletion(resp.Body)
	case "text/event-stream":
		return c.consume(ctx, resp.Body, tok, abort)
	default:
		return transient("protocol", fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type")))
	}
}

// readCompletion handles a synchronous JSON reply. Any error object, top level
// or nested, fails the prompt.
func (c *Client) readCompletion(r io.Reader) error {
	const op = "send prompt"
	raw, err := io.ReadAll(io.LimitReader(r, 8<<20))
	if err != nil {
		if kind, ok := classifyTransport(err); ok {
			return transient(kind, err)
		}
		return failure.Wrap(failure.KindStreaming, op, err)
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return failure.New(failure.KindStreaming, op, "invalid JSON completion").WithDetail(truncate(string(raw)))
	}
	if msg, ok := findError(data, 0); ok {
		if looksLikeAuthFailure(msg) {
			return c.authError(op, msg)
		}
		return failure.New(failure.KindStreaming, op, "execution process returned an error").WithDetail(truncate(msg))
	}
	c.logger.Info("received synchronous completion", "job_id", c.jobID)
	c.sink.Emit(diag.Event{JobID: c.jobID, Stage: diag.StageStream, Type: diag.TypeState, Attrs: map[string]any{"state": "json_completion"}})
	return nil
}

// consume reads events until done. A stream that breaks after its first event
// is not retried, since the prompt is already being worked on. abort ends the
// underlying request when the watcher sees a cancellation while the stream is
// quiet.
func (c *Client) consume(ctx context.Context, body io.Reader, tok cancel.Token, abort context.CancelFunc) error {
	const op = "stream"
	wd := newWatchdog(c.firstEvent, c.idle, c.now())
	var cancelled atomic.Bool
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.watch(wd, tok, stop, func() {
			cancelled.Store(true)
			abort()
		})
	}()
	defer func() {
		close(stop)
		<-done
	}()

	events := newEventReader(body)
	received := 0
	for events.Next() {
		if tok.Cancelled() {
			return failure.New(failure.KindCancelled, op, "cancelled during streaming")
		}
		received++
		ev := events.Event()
		wd.observe(c.now())
		if c.observer != nil {
			c.observer(ev)
		}
		c.sink.Emit(diag.Event{JobID: c.jobID, Stage: diag.StageStream, Type: diag.TypeSSE, Message: ev.Type, Attrs: map[string]any{"event": ev.Type, "bytes": len(ev.Data)}})
		switch ev.Type {
		case "done":
			c.logger.Info("prompt streaming completed", "job_id", c.jobID)
			return nil
		case "error":
			if looksLikeAuthFailure(ev.Data) {
				return c.authError(op, ev.Data)
			}
			return failure.New(failure.KindStreaming, op, "execution process reported an error").WithDetail(truncate(ev.Data))
		}
	}
	if err := events.Err(); err != nil {
		switch {
		case cancelled.Load():
			return failure.New(failure.KindCancelled, op, "cancelled during streaming")
		case ctx.Err() != nil:
			return failure.FromContext(op, ctx.Err())
		case received > 0:
			return failure.Wrap(failure.KindStreaming, op, fmt.Errorf("stream broke after %d events: %w", received, err))
		}
		return transient("read", err)
	}
	if tok.Cancelled() {
		return failure.New(failure.KindCancelled, op, "cancelled during streaming")
	}
	c.logger.Info("prompt stream ended", "job_id", c.jobID)
	return nil
}

// watch reports stalls and polls the token on every tick, calling onCancel
// once when a cancellation is seen.
func (c *Client) watch(wd *watchdog, tok cancel.Token, stop <-chan struct{}, onCancel func()) {
	if c.watchEvery <= 0 {
		return
	}
	ticker := time.NewTicker(c.watchEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if tok.Cancelled() {
				c.logger.Info("cancellation observed while waiting for events", "job_id", c.jobID)
				onCancel()
				return
			}
			msg, waited, ok := wd.check(c.now())
			if !ok {
				continue
			}
			c.logger.Warn("stream stalled", "job_id", c.jobID, "reason", msg, "waited", waited.Round(time.Second))
			c.sink.Emit(diag.Event{JobID: c.jobID, Stage: diag.StageStream, Type: diag.TypeWarning, Message: msg, Duration: waited})
		}
	}
}

// Messages returns the session's messages. It is used for diagnostics when a
// stream produces no result.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]json.RawMessage, error) {
	ctx, cancelReq := context.WithTimeout(ctx, 10*time.Second)
	defer cancelReq()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session/"+url.PathEscape(sessionID)+"/message", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list messages: status %d: %s", resp.StatusCode, truncate(string(raw)))
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var one json.RawMessage
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return []json.RawMessage{one}, nil
}

func (c *Client) authError(op, detail string) error {
	msg := "execution process rejected credentials"
	if c.credential != "" {
		msg += "; check " + c.credential
	}
	return failure.New(failure.KindAuthentication, op, msg).WithDetail(truncate(detail))
}

// findError looks for an "error" key at the top level or inside nested objects.
func findError(v any, depth int) (string, bool) {
	if depth > 4 {
		return "", false
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	if e, ok := obj["error"]; ok && e != nil {
		if s, ok := e.(string); ok {
			return s, s != ""
		}
		raw, _ := json.Marshal(e)
		return string(raw), true
	}
	for _, child := range obj {
		if msg, ok := findError(child, depth+1); ok {
			return msg, true
		}
	}
	return "", false
}

func looksLikeAuthFailure(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range []string{"401", "unauthorized", "invalid api key", "invalid_api_key", "authentication", "api key", "apikey"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

func orNever(tok cancel.Token) cancel.Token {
	if tok == nil {
		return cancel.Never
	}
	return tok
}
