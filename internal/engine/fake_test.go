package engine

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/deptz/augment-sub000/internal/container"
)

type containerSpec = container.Spec

type fakeContainer struct {
	id      string
	spec    container.Spec
	running bool
	created time.Time
}

// fakeRuntime is an in-memory container runtime that enforces unique names.
type fakeRuntime struct {
	mu          sync.Mutex
	port        int
	containers  map[string]*fakeContainer
	seq         int
	creates     int
	ensureCalls int
	ensureErr   error
	createErr   error
	onStart     func(container.Spec)
}

func newFakeRuntime(port int) *fakeRuntime {
	return &fakeRuntime{port: port, containers: map[string]*fakeContainer{}}
}

func (f *fakeRuntime) find(ref string) *fakeContainer {
	for _, c := range f.containers {
		if c.id == ref || c.spec.Name == ref {
			return c
		}
	}
	return nil
}

func (f *fakeRuntime) EnsureImage(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	return f.ensureErr
}

func (f *fakeRuntime) Create(_ context.Context, spec container.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.find(spec.Name) != nil {
		return "", fmt.Errorf("%w: %s", container.ErrNameConflict, spec.Name)
	}
	f.seq++
	f.creates++
	id := fmt.Sprintf("c%011d", f.seq)
	f.containers[id] = &fakeContainer{id: id, spec: spec, created: time.Now()}
	if f.createErr != nil {
		// The daemon made the container but the caller never saw its id.
		return "", f.createErr
	}
	return id, nil
}

func (f *fakeRuntime) Start(_ context.Context, id string) error {
	f.mu.Lock()
	c := f.find(id)
	if c == nil {
		f.mu.Unlock()
		return container.ErrNotFound
	}
	c.running = true
	spec := c.spec
	hook := f.onStart
	f.mu.Unlock()
	if hook != nil {
		hook(spec)
	}
	return nil
}

func (f *fakeRuntime) Inspect(_ context.Context, ref string, _ int) (container.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(ref)
	if c == nil {
		return container.Info{}, container.ErrNotFound
	}
	info := container.Info{ID: c.id, Name: c.spec.Name, Running: c.running, Created: c.created, Labels: c.spec.Labels}
	if c.running {
		info.HostPort = f.port
	}
	return info, nil
}

func (f *fakeRuntime) Logs(context.Context, string, int) (string, error) {
	return "opencode: listening\nopencode: provider init failed", nil
}

func (f *fakeRuntime) Stop(_ context.Context, ref string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(ref)
	if c == nil {
		return container.ErrNotFound
	}
	c.running = false
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.find(ref); c != nil {
		delete(f.containers, c.id)
	}
	return nil
}

func (f *fakeRuntime) List(_ context.Context, prefix string) ([]container.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []container.Info
	for _, c := range f.containers {
		if strings.HasPrefix(c.spec.Name, prefix) {
			out = append(out, container.Info{ID: c.id, Name: c.spec.Name, Running: c.running, Created: c.created, Labels: c.spec.Labels})
		}
	}
	return out, nil
}

func (f *fakeRuntime) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *fakeRuntime) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeRuntime) specFor(name string) (container.Spec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.find(name); c != nil {
		return c.spec, true
	}
	return container.Spec{}, false
}

// mockProcess mimics the execution process: it writes the result file into
// the mounted workspace and then streams events ending with done.
type mockProcess struct {
	t         *testing.T
	srv       *httptest.Server
	mu        sync.Mutex
	workspace string
	result    string
	ready     bool
	hold      chan struct{}
	streaming chan struct{}
	once      sync.Once
	blockPost bool
}

func newMockProcess(t *testing.T, result string) *mockProcess {
	t.Helper()
	m := &mockProcess{t: t, result: result, ready: true, streaming: make(chan struct{})}
	r := chi.NewRouter()
	r.Get("/session", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		ready := m.ready
		m.mu.Unlock()
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, "starting")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, "[]")
	})
	r.Post("/session", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"ses_test"}`)
	})
	r.Get("/session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, "[]")
	})
	r.Post("/session/{id}/message", m.message)
	m.srv = httptest.NewServer(r)
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockProcess) port() int {
	return m.srv.Listener.Addr().(*net.TCPAddr).Port
}

// attach records the workspace mount of every started container.
func (m *mockProcess) attach(spec container.Spec) {
	for _, mnt := range spec.Mounts {
		if mnt.Target == WorkspaceMount {
			m.mu.Lock()
			m.workspace = mnt.Source
			m.mu.Unlock()
		}
	}
}

func (m *mockProcess) setReady(ready bool) {
	m.mu.Lock()
	m.ready = ready
	m.mu.Unlock()
}

func (m *mockProcess) message(w http.ResponseWriter, r *http.Request) {
	if m.blockPost {
		<-r.Context().Done()
		return
	}
	m.mu.Lock()
	ws, result := m.workspace, m.result
	m.mu.Unlock()
	if result != "" && ws != "" {
		if err := os.WriteFile(filepath.Join(ws, "result.json"), []byte(result), 0o644); err != nil {
			m.t.Errorf("write result: %v", err)
		}
	}
	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	io.WriteString(w, "event: message.part\ndata: {\"text\":\"analyzing\"}\n\n")
	flusher.Flush()
	m.once.Do(func() { close(m.streaming) })
	if m.hold != nil {
		select {
		case <-m.hold:
		case <-r.Context().Done():
			return
		}
	}
	io.WriteString(w, "event: done\ndata: {}\n\n")
	flusher.Flush()
}

// fakeGit creates a checkout directory for every clone.
type fakeGit struct{}

func (fakeGit) Run(_ context.Context, _ string, args ...string) (string, error) {
	if len(args) == 0 || args[0] != "clone" {
		return "", nil
	}
	dest := args[len(args)-1]
	if err := os.MkdirAll(filepath.Join(dest, ".git"), 0o755); err != nil {
		return "", err
	}
	return "", os.WriteFile(filepath.Join(dest, "README.md"), []byte("# repo\n"), 0o644)
}
