package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// SetGitEnvHardening isolates git from user and system configuration for the
// duration of a test binary and returns a restore func.
func SetGitEnvHardening() func() {
	restores := []func(){
		setEnv("GIT_CONFIG_NOSYSTEM", "1"),
		setEnv("GIT_CONFIG_GLOBAL", "/dev/null"),
		setEnv("GIT_TERMINAL_PROMPT", "0"),
		setEnv("GIT_ASKPASS", "/usr/bin/false"),
		setEnv("GIT_AUTHOR_NAME", "engine-test"),
		setEnv("GIT_AUTHOR_EMAIL", "engine-test@example.invalid"),
		setEnv("GIT_COMMITTER_NAME", "engine-test"),
		setEnv("GIT_COMMITTER_EMAIL", "engine-test@example.invalid"),
	}
	return func() {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
	}
}

// InitGitRepo creates a repository under dir/name with one commit on branch
// main containing the given files, and returns its path. The test is skipped
// when git is not installed.
func InitGitRepo(t *testing.T, dir, name string, files map[string]string) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	repo := filepath.Join(dir, name)
	if err := os.MkdirAll(repo, 0o755); err != nil {
		t.Fatalf("create repo dir: %v", err)
	}
	for rel, content := range files {
		path := filepath.Join(repo, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("create parent for %s: %v", rel, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	for _, args := range [][]string{
		{"init", "--initial-branch=main"},
		{"add", "-A"},
		{"commit", "-m", "initial"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	return repo
}

func setEnv(key, value string) func() {
	prev, had := os.LookupEnv(key)
	_ = os.Setenv(key, value)
	return func() {
		if had {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	}
}
