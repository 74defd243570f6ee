package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CommandRunner executes the runtime CLI with extra environment entries and
// returns stdout and stderr separately.
type CommandRunner func(ctx context.Context, env []string, name string, args ...string) (stdout, stderr string, err error)

func execCommand(ctx context.Context, env []string, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Docker implements Runtime with the docker CLI.
type Docker struct {
	bin string
	run CommandRunner
}

type DockerOption func(*Docker)

func WithBinary(bin string) DockerOption {
	return func(d *Docker) {
		if strings.TrimSpace(bin) != "" {
			d.bin = strings.TrimSpace(bin)
		}
	}
}

func WithCommandRunner(run CommandRunner) DockerOption {
	return func(d *Docker) {
		if run != nil {
			d.run = run
		}
	}
}

func NewDocker(opts ...DockerOption) *Docker {
	d := &Docker{bin: "docker", run: execCommand}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Available reports whether the docker binary can be found.
func (d *Docker) Available() error {
	if _, err := exec.LookPath(d.bin); err != nil {
		return fmt.Errorf("docker binary not found: %w", err)
	}
	return nil
}

func (d *Docker) EnsureImage(ctx context.Context, image string) error {
	image = strings.TrimSpace(image)
	if image == "" {
		return fmt.Errorf("%w: empty image reference", ErrImageNotFound)
	}
	if _, _, err := d.run(ctx, nil, d.bin, "image", "inspect", "--format", "{{.Id}}", image); err == nil {
		return nil
	}
	_, stderr, err := d.run(ctx, nil, d.bin, "pull", image)
	if err != nil {
		return fmt.Errorf("%w: pull %s: %s", ErrImageNotFound, image, firstLine(stderr, err))
	}
	return nil
}

func (d *Docker) Create(ctx context.Context, spec Spec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" || strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("container name and image are required")
	}
	args := []string{"create", "--name", spec.Name}

	labelKeys := sortedKeys(spec.Labels)
	for _, k := range labelKeys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	env := make([]string, 0, len(spec.Env))
	for _, k := range sortedKeys(spec.Env) {
		// -e KEY without a value makes the CLI read it from its own environment.
		args = append(args, "-e", k)
		env = append(env, k+"="+spec.Env[k])
	}
	for _, m := range spec.Mounts {
		v := m.Source + ":" + m.Target
		if m.ReadOnly {
			v += ":ro"
		}
		args = append(args, "-v", v)
	}
	if spec.WorkingDir != "" {
		args = append(args, "-w", spec.WorkingDir)
	}
	if spec.ContainerPort > 0 {
		args = append(args, "-p", spec.HostIP+"::"+strconv.Itoa(spec.ContainerPort))
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	stdout, stderr, err := d.run(ctx, env, d.bin, args...)
	if err != nil {
		if isNameConflict(stderr) {
			return "", fmt.Errorf("%w: %s", ErrNameConflict, spec.Name)
		}
		if isNoSuchImage(stderr) {
			return "", fmt.Errorf("%w: %s", ErrImageNotFound, spec.Image)
		}
		return "", fmt.Errorf("docker create %s: %s", spec.Name, firstLine(stderr, err))
	}
	id := strings.TrimSpace(stdout)
	if fields := strings.Fields(id); len(fields) > 0 {
		id = fields[len(fields)-1]
	}
	if id == "" {
		return "", fmt.Errorf("docker create %s: empty container id", spec.Name)
	}
	return id, nil
}

func (d *Docker) Start(ctx context.Context, id string) error {
	if _, stderr, err := d.run(ctx, nil, d.bin, "start", id); err != nil {
		if isNoSuchContainer(stderr) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("docker start %s: %s", id, firstLine(stderr, err))
	}
	return nil
}

type inspectPortBinding struct {
	HostIP   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

type inspectResult struct {
	ID      string    `json:"Id"`
	Name    string    `json:"Name"`
	Created time.Time `json:"Created"`
	State   struct {
		Status  string `json:"Status"`
		Running bool   `json:"Running"`
	} `json:"State"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	NetworkSettings struct {
		Ports map[string][]inspectPortBinding `json:"Ports"`
	} `json:"NetworkSettings"`
}

func (d *Docker) Inspect(ctx context.Context, id string, containerPort int) (Info, error) {
	stdout, stderr, err := d.run(ctx, nil, d.bin, "inspect", "--type", "container", id)
	if err != nil {
		if isNoSuchContainer(stderr) {
			return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Info{}, fmt.Errorf("docker inspect %s: %s", id, firstLine(stderr, err))
	}
	var results []inspectResult
	if err := json.Unmarshal([]byte(stdout), &results); err != nil {
		return Info{}, fmt.Errorf("parse docker inspect: %w", err)
	}
	if len(results) == 0 {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r := results[0]
	info := Info{
		ID:      r.ID,
		Name:    strings.TrimPrefix(r.Name, "/"),
		Status:  r.State.Status,
		Running: r.State.Running,
		Created: r.Created,
		Labels:  r.Config.Labels,
	}
	if containerPort > 0 {
		for _, b := range r.NetworkSettings.Ports[strconv.Itoa(containerPort)+"/tcp"] {
			if p, err := strconv.Atoi(b.HostPort); err == nil && p > 0 {
				info.HostPort = p
				break
			}
		}
	}
	return info, nil
}

func (d *Docker) Logs(ctx context.Context, id string, tail int) (string, error) {
	args := []string{"logs"}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	args = append(args, id)
	stdout, stderr, err := d.run(ctx, nil, d.bin, args...)
	if err != nil {
		if isNoSuchContainer(stderr) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", fmt.Errorf("docker logs %s: %s", id, firstLine(stderr, err))
	}
	// docker logs replays the container's stderr on its own stderr.
	return strings.TrimRight(stdout+stderr, "\n"), nil
}

func (d *Docker) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Round(time.Second) / time.Second)
	if _, stderr, err := d.run(ctx, nil, d.bin, "stop", "-t", strconv.Itoa(secs), id); err != nil {
		if isNoSuchContainer(stderr) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("docker stop %s: %s", id, firstLine(stderr, err))
	}
	return nil
}

// Remove force-removes the container. Removing an absent container succeeds.
func (d *Docker) Remove(ctx context.Context, id string) error {
	if _, stderr, err := d.run(ctx, nil, d.bin, "rm", "-f", id); err != nil {
		if isNoSuchContainer(stderr) {
			return nil
		}
		return fmt.Errorf("docker rm %s: %s", id, firstLine(stderr, err))
	}
	return nil
}

type psLine struct {
	ID        string `json:"ID"`
	Names     string `json:"Names"`
	State     string `json:"State"`
	Status    string `json:"Status"`
	CreatedAt string `json:"CreatedAt"`
	Labels    string `json:"Labels"`
}

const psCreatedLayout = "2006-01-02 15:04:05 -0700 MST"

// List returns containers, running or not, whose name starts with namePrefix.
func (d *Docker) List(ctx context.Context, namePrefix string) ([]Info, error) {
	stdout, stderr, err := d.run(ctx, nil, d.bin, "ps", "-a", "--no-trunc", "--filter", "name=^"+namePrefix, "--format", "{{json .}}")
	if err != nil {
		return nil, fmt.Errorf("docker ps: %s", firstLine(stderr, err))
	}
	var out []Info
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ps psLine
		if err := json.Unmarshal([]byte(line), &ps); err != nil {
			return nil, fmt.Errorf("parse docker ps: %w", err)
		}
		name := strings.TrimPrefix(strings.Split(ps.Names, ",")[0], "/")
		if !strings.HasPrefix(name, namePrefix) {
			continue
		}
		info := Info{ID: ps.ID, Name: name, Status: ps.State, Running: ps.State == "running", Labels: parseLabels(ps.Labels)}
		if created, err := time.Parse(psCreatedLayout, ps.CreatedAt); err == nil {
			info.Created = created
		}
		out = append(out, info)
	}
	return out, nil
}

// ClientVersion returns the docker client version string.
func (d *Docker) ClientVersion(ctx context.Context) (string, error) {
	stdout, stderr, err := d.run(ctx, nil, d.bin, "version", "--format", "{{.Client.Version}}")
	if err != nil {
		return "", fmt.Errorf("docker version: %s", firstLine(stderr, err))
	}
	return strings.TrimSpace(stdout), nil
}

func parseLabels(s string) map[string]string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	out := map[string]string{}
	for _, kv := range strings.Split(s, ",") {
		k, v, _ := strings.Cut(kv, "=")
		if k = strings.TrimSpace(k); k != "" {
			out[k] = v
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func isNameConflict(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "conflict") && strings.Contains(lower, "already in use")
}

func isNoSuchContainer(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "no such container") || strings.Contains(lower, "no such object")
}

func isNoSuchImage(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "unable to find image") || strings.Contains(lower, "no such image") || strings.Contains(lower, "pull access denied")
}

func firstLine(stderr string, err error) string {
	for _, line := range strings.Split(stderr, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return err.Error()
}
