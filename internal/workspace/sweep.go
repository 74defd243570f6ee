package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

// CleanupOrphaned removes job directories whose modification time is older
// than maxAge and returns how many were removed. Per-directory failures are
// logged and skipped.
func (p *Provisioner) CleanupOrphaned(maxAge time.Duration) int {
	entries, err := os.ReadDir(p.baseDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Error("read workspace base directory", "path", p.baseDir, "error", err)
		}
		return 0
	}
	now := p.now()
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(p.baseDir, entry.Name())
		age, err := dirAge(path, now)
		if err != nil {
			p.logger.Warn("inspect workspace", "path", path, "error", err)
			continue
		}
		if age <= maxAge {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			p.logger.Warn("remove orphaned workspace", "path", path, "error", err)
			continue
		}
		p.logger.Info("removed orphaned workspace", "job_id", entry.Name(), "age", age.Round(time.Second))
		removed++
	}
	if removed > 0 {
		p.logger.Info("orphaned workspace sweep finished", "removed", removed)
	}
	return removed
}
