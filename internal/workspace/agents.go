package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	agentsFileName   = "Agents.md"
	agentsPattern    = "[Aa][Gg][Ee][Nn][Tt][Ss].[Mm][Dd]"
	agentsSeparator  = "\n\n---\n\n"
	maxAgentsMDBytes = 10 * 1024 * 1024
)

// distributeAgentsMD writes the configured instructions into the workspace
// root and each repository, appending to an existing Agents.md. Failures
// are logged and never fail the job.
func (p *Provisioner) distributeAgentsMD(jobID, root string, repos []string) {
	content, err := loadAgentsTemplate(p.agentsMD)
	if err != nil {
		p.logger.Warn("load Agents.md template", "job_id", jobID, "path", p.agentsMD, "error", err)
		return
	}
	dirs := make([]string, 0, len(repos)+1)
	for _, repo := range repos {
		dirs = append(dirs, filepath.Join(root, repo))
	}
	dirs = append(dirs, root)
	for _, dir := range dirs {
		if err := writeAgentsMD(dir, content); err != nil {
			p.logger.Warn("write Agents.md", "job_id", jobID, "dir", dir, "error", err)
		}
	}
}

func loadAgentsTemplate(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxAgentsMDBytes {
		return "", fmt.Errorf("template is %d bytes, max %d", info.Size(), maxAgentsMDBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("template is not valid UTF-8")
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", fmt.Errorf("template is empty")
	}
	return content, nil
}

func findAgentsMD(dir string) string {
	matches, err := doublestar.Glob(os.DirFS(dir), agentsPattern)
	if err != nil || len(matches) == 0 {
		return ""
	}
	for _, m := range matches {
		if m == agentsFileName {
			return filepath.Join(dir, m)
		}
	}
	return filepath.Join(dir, matches[0])
}

func writeAgentsMD(dir, content string) error {
	target := findAgentsMD(dir)
	next := content
	if target != "" {
		info, err := os.Stat(target)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", target)
		}
		if info.Size() > maxAgentsMDBytes {
			return fmt.Errorf("existing %s is %d bytes, max %d", target, info.Size(), maxAgentsMDBytes)
		}
		existing, err := os.ReadFile(target)
		if err != nil {
			return err
		}
		if strings.Contains(string(existing), content) {
			return nil
		}
		next = strings.ToValidUTF8(string(existing), "�") + agentsSeparator + content
	} else {
		target = filepath.Join(dir, agentsFileName)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(next), 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
