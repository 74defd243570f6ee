package container

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type call struct {
	env  []string
	args []string
}

type reply struct {
	stdout string
	stderr string
	err    error
}

type scriptedRunner struct {
	calls   []call
	replies map[string]reply
}

func (s *scriptedRunner) run(_ context.Context, env []string, _ string, args ...string) (string, string, error) {
	s.calls = append(s.calls, call{env: env, args: args})
	if len(args) == 0 {
		return "", "", nil
	}
	r, ok := s.replies[args[0]]
	if !ok {
		return "", "", nil
	}
	return r.stdout, r.stderr, r.err
}

func newScripted(replies map[string]reply) (*scriptedRunner, *Docker) {
	s := &scriptedRunner{replies: replies}
	return s, NewDocker(WithCommandRunner(s.run))
}

func TestCreateKeepsSecretsOffCommandLine(t *testing.T) {
	s, d := newScripted(map[string]reply{"create": {stdout: "abc123\n"}})
	id, err := d.Create(context.Background(), Spec{
		Name:          "augment-opencode-job-1",
		Image:         "ghcr.io/anomalyco/opencode",
		Command:       []string{"serve", "--port", "4096"},
		Env:           map[string]string{"OPENAI_API_KEY": "sk-secret", "LLM_PROVIDER": "openai"},
		Mounts:        []Mount{{Source: "/tmp/ws", Target: "/workspace"}, {Source: "/tmp/cfg.json", Target: "/etc/opencode/opencode.json", ReadOnly: true}},
		WorkingDir:    "/workspace",
		ContainerPort: 4096,
		HostIP:        "127.0.0.1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "abc123" {
		t.Fatalf("unexpected id %q", id)
	}
	got := s.calls[0]
	line := strings.Join(got.args, " ")
	if strings.Contains(line, "sk-secret") {
		t.Fatalf("secret leaked into args: %s", line)
	}
	for _, want := range []string{
		"--name augment-opencode-job-1",
		"-e LLM_PROVIDER -e OPENAI_API_KEY",
		"-v /tmp/ws:/workspace",
		"-v /tmp/cfg.json:/etc/opencode/opencode.json:ro",
		"-w /workspace",
		"-p 127.0.0.1::4096",
		"ghcr.io/anomalyco/opencode serve --port 4096",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("args %q missing %q", line, want)
		}
	}
	if len(got.env) != 2 || got.env[1] != "OPENAI_API_KEY=sk-secret" {
		t.Fatalf("unexpected env %v", got.env)
	}
}

func TestCreateNameConflict(t *testing.T) {
	_, d := newScripted(map[string]reply{"create": {
		stderr: `Error response from daemon: Conflict. The container name "/augment-opencode-x" is already in use`,
		err:    errors.New("exit status 125"),
	}})
	_, err := d.Create(context.Background(), Spec{Name: "augment-opencode-x", Image: "img"})
	if !errors.Is(err, ErrNameConflict) {
		t.Fatalf("expected ErrNameConflict, got %v", err)
	}
}

func TestEnsureImagePullsWhenMissing(t *testing.T) {
	s, d := newScripted(map[string]reply{"image": {stderr: "Error: No such image", err: errors.New("exit 1")}})
	if err := d.EnsureImage(context.Background(), "img:latest"); err != nil {
		t.Fatalf("ensure image: %v", err)
	}
	if len(s.calls) != 2 || s.calls[1].args[0] != "pull" {
		t.Fatalf("expected pull after failed inspect, got %+v", s.calls)
	}

	_, d = newScripted(map[string]reply{
		"image": {stderr: "Error: No such image", err: errors.New("exit 1")},
		"pull":  {stderr: "pull access denied for img", err: errors.New("exit 1")},
	})
	if err := d.EnsureImage(context.Background(), "img:latest"); !errors.Is(err, ErrImageNotFound) {
		t.Fatalf("expected ErrImageNotFound, got %v", err)
	}
}

func TestInspectParsesHostPort(t *testing.T) {
	out := `[{"Id":"abc","Name":"/augment-opencode-j","Created":"2026-01-02T03:04:05Z",
"State":{"Status":"running","Running":true},
"Config":{"Labels":{"augment.job":"j"}},
"NetworkSettings":{"Ports":{"4096/tcp":[{"HostIp":"127.0.0.1","HostPort":"49153"}]}}}]`
	_, d := newScripted(map[string]reply{"inspect": {stdout: out}})
	info, err := d.Inspect(context.Background(), "abc", 4096)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.HostPort != 49153 || !info.Running || info.Name != "augment-opencode-j" || info.Labels["augment.job"] != "j" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestInspectAndRemoveMissingContainer(t *testing.T) {
	missing := reply{stderr: "Error: No such container: abc", err: errors.New("exit 1")}
	_, d := newScripted(map[string]reply{"inspect": missing, "rm": missing, "stop": missing})
	if _, err := d.Inspect(context.Background(), "abc", 4096); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := d.Stop(context.Background(), "abc", 5*time.Second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from stop, got %v", err)
	}
	if err := d.Remove(context.Background(), "abc"); err != nil {
		t.Fatalf("remove of missing container should succeed: %v", err)
	}
}

func TestListFiltersByPrefix(t *testing.T) {
	out := `{"ID":"a1","Names":"augment-opencode-j1","State":"running","CreatedAt":"2026-01-02 03:04:05 +0000 UTC","Labels":"augment.job=j1"}
{"ID":"b2","Names":"other","State":"exited","CreatedAt":"2026-01-02 03:04:05 +0000 UTC","Labels":""}
`
	s, d := newScripted(map[string]reply{"ps": {stdout: out}})
	list, err := d.List(context.Background(), "augment-opencode-")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "a1" || !list[0].Running {
		t.Fatalf("unexpected list %+v", list)
	}
	if list[0].Created.IsZero() {
		t.Fatalf("expected created time to parse")
	}
	if list[0].Labels["augment.job"] != "j1" {
		t.Fatalf("unexpected labels %v", list[0].Labels)
	}
	if !strings.Contains(strings.Join(s.calls[0].args, " "), "name=^augment-opencode-") {
		t.Fatalf("expected anchored name filter, got %v", s.calls[0].args)
	}
}

func TestLogsTail(t *testing.T) {
	s, d := newScripted(map[string]reply{"logs": {stdout: "line1\n", stderr: "line2\n"}})
	out, err := d.Logs(context.Background(), "abc", 50)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if out != "line1\nline2" {
		t.Fatalf("unexpected logs %q", out)
	}
	if got := strings.Join(s.calls[0].args, " "); got != "logs --tail 50 abc" {
		t.Fatalf("unexpected args %q", got)
	}
}
