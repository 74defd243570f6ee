package workspace

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Size returns the total byte size of regular files in the workspace, or 0
// when it does not exist.
func (p *Provisioner) Size(jobID string) (int64, error) {
	path, err := p.Path(jobID)
	if err != nil {
		return 0, err
	}
	var total int64
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// ListRepos returns the names of git checkouts directly under the workspace.
func (p *Provisioner) ListRepos(jobID string) ([]string, error) {
	path, err := p.Path(jobID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	matches, err := doublestar.Glob(os.DirFS(path), "*/.git")
	if err != nil {
		return nil, err
	}
	repos := make([]string, 0, len(matches))
	for _, m := range matches {
		repos = append(repos, filepath.Dir(filepath.FromSlash(m)))
	}
	sort.Strings(repos)
	return repos, nil
}

// Listing returns up to max workspace-relative paths, skipping .git
// internals, for inclusion in diagnostics.
func Listing(dir string, max int) []string {
	var out []string
	_ = doublestar.GlobWalk(os.DirFS(dir), "**", func(p string, d fs.DirEntry) error {
		if p == "." {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			return doublestar.SkipDir
		}
		out = append(out, p)
		if max > 0 && len(out) >= max {
			return fs.SkipAll
		}
		return nil
	})
	return out
}

func dirAge(path string, now time.Time) (time.Duration, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return now.Sub(info.ModTime()), nil
}
