// Package repospec validates repository references supplied with a job.
package repospec

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/deptz/augment-sub000/internal/protocol"
)

const DefaultMaxRepos = 5

var (
	ErrInvalidURL    = errors.New("invalid repository url")
	ErrInvalidBranch = errors.New("invalid branch name")
	ErrNoRepos       = errors.New("at least one repository is required")
	ErrTooManyRepos  = errors.New("too many repositories")
)

var (
	allowedURLPattern = regexp.MustCompile(`^(https://|git@)`)
	branchPattern     = regexp.MustCompile(`^[\w.\-/]+$`)

	deniedURLSubstrings = []string{
		"file://",
		"ftp://",
		"..",
		"localhost",
		"127.0.0.1",
	}
)

// Validate returns a normalized copy of raw or an error wrapping ErrInvalidURL
// or ErrInvalidBranch.
func Validate(raw protocol.RepoSpec) (protocol.RepoSpec, error) {
	url := strings.TrimSpace(raw.URL)
	if url == "" {
		return protocol.RepoSpec{}, fmt.Errorf("%w: url is required", ErrInvalidURL)
	}
	if strings.ContainsAny(url, " \t\r\n") {
		return protocol.RepoSpec{}, fmt.Errorf("%w: url must not contain whitespace", ErrInvalidURL)
	}
	if !allowedURLPattern.MatchString(url) {
		return protocol.RepoSpec{}, fmt.Errorf("%w: only https:// and git@ urls are allowed", ErrInvalidURL)
	}
	lower := strings.ToLower(url)
	for _, denied := range deniedURLSubstrings {
		if strings.Contains(lower, denied) {
			return protocol.RepoSpec{}, fmt.Errorf("%w: url contains %q", ErrInvalidURL, denied)
		}
	}

	branch := strings.TrimSpace(raw.Branch)
	if branch != "" {
		if !branchPattern.MatchString(branch) {
			return protocol.RepoSpec{}, fmt.Errorf("%w: %q has characters outside [A-Za-z0-9_./-]", ErrInvalidBranch, branch)
		}
		if strings.Contains(branch, "..") {
			return protocol.RepoSpec{}, fmt.Errorf("%w: %q contains '..'", ErrInvalidBranch, branch)
		}
	}
	return protocol.RepoSpec{URL: url, Branch: branch}, nil
}

// ValidateAll validates a job's repositories. max <= 0 selects DefaultMaxRepos.
func ValidateAll(raws []protocol.RepoSpec, max int) ([]protocol.RepoSpec, error) {
	if max <= 0 {
		max = DefaultMaxRepos
	}
	if len(raws) == 0 {
		return nil, ErrNoRepos
	}
	if len(raws) > max {
		return nil, fmt.Errorf("%w: got %d, max %d", ErrTooManyRepos, len(raws), max)
	}
	out := make([]protocol.RepoSpec, 0, len(raws))
	for i, raw := range raws {
		spec, err := Validate(raw)
		if err != nil {
			return nil, fmt.Errorf("repos[%d]: %w", i, err)
		}
		out = append(out, spec)
	}
	return out, nil
}

// Name derives the checkout directory name for url: the last path segment
// with a trailing .git removed, reduced to a filesystem-safe form.
func Name(url string) string {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	if i := strings.LastIndexAny(url, "/:"); i >= 0 {
		url = url[i+1:]
	}
	url = strings.TrimSuffix(url, ".git")
	return sanitizeName(url)
}

func sanitizeName(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "repo"
	}
	var b strings.Builder
	b.Grow(len(v))
	lastUnderscore := false
	for _, r := range v {
		isAllowed := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_'
		if isAllowed {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._-")
	if out == "" {
		return "repo"
	}
	return out
}
