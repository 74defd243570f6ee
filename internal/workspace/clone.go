package workspace

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/deptz/augment-sub000/internal/failure"
	"github.com/deptz/augment-sub000/internal/protocol"
)

const cloneAttempts = 3

// cloneRepo clones repo into dest within the clone timeout. Partial content
// is removed on every failure.
func (p *Provisioner) cloneRepo(ctx context.Context, repo protocol.RepoSpec, dest string) error {
	cloneCtx, cancel := context.WithTimeout(ctx, p.cloneTimeout)
	defer cancel()

	safeURL := redactURL(repo.URL)
	cloneURL := p.authenticatedURL(repo.URL)
	shallow := repo.Branch == "" || p.shallow

	args := []string{"clone"}
	if shallow {
		args = append(args, "--depth", "1")
		if repo.Branch != "" {
			args = append(args, "--branch", repo.Branch)
		}
	}
	args = append(args, "--", cloneURL, dest)

	out, err := p.runGitWithRetry(cloneCtx, "clone", args, func() { _ = os.RemoveAll(dest) })
	if err == nil && repo.Branch != "" && !shallow {
		var checkoutOut string
		checkoutOut, err = p.git.Run(cloneCtx, dest, "checkout", repo.Branch)
		out += checkoutOut
	}
	if err == nil {
		p.logger.Info("repository cloned", "url", safeURL, "branch", repo.Branch, "shallow", shallow, "dest", dest)
		return nil
	}

	_ = os.RemoveAll(dest)
	out = p.redactSecrets(strings.TrimSpace(out))
	if errors.Is(cloneCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return failure.Newf(failure.KindCloneTimeout, "clone", "%s did not finish within %s", safeURL, p.cloneTimeout).WithDetail(out)
	}
	if ctx.Err() != nil {
		return failure.Wrap(failure.KindCancelled, "clone "+safeURL, ctx.Err())
	}
	fe := failure.Newf(failure.KindClone, "clone", "%s: %s", safeURL, p.redactSecrets(err.Error()))
	return fe.WithDetail(out)
}

func (p *Provisioner) runGitWithRetry(ctx context.Context, phase string, args []string, onRetry func()) (string, error) {
	var output strings.Builder
	for i := 0; i < cloneAttempts; i++ {
		runOut, err := p.git.Run(ctx, "", args...)
		output.WriteString(runOut)
		if err == nil {
			return output.String(), nil
		}
		if i == cloneAttempts-1 || ctx.Err() != nil || !isRetryableGitTransportError(runOut, err) {
			return output.String(), fmt.Errorf("git %s: %w", phase, err)
		}
		if onRetry != nil {
			onRetry()
		}
		p.logger.Warn("transient git failure, retrying", "phase", phase, "attempt", i+2, "of", cloneAttempts)
		select {
		case <-ctx.Done():
			return output.String(), fmt.Errorf("git %s: %w", phase, ctx.Err())
		case <-time.After(time.Duration(i+1) * time.Second):
		}
	}
	return output.String(), fmt.Errorf("git %s: no attempts configured", phase)
}

func isRetryableGitTransportError(runOutput string, err error) bool {
	if err == nil {
		return false
	}
	combined := strings.ToLower(strings.TrimSpace(runOutput + "\n" + err.Error()))
	if combined == "" {
		return false
	}
	for _, marker := range []string{
		"authentication failed",
		"repository not found",
		"could not read username",
		"permission denied",
		"access denied",
		"invalid username or password",
		"remote branch",
	} {
		if strings.Contains(combined, marker) {
			return false
		}
	}
	for _, marker := range []string{
		"http/2 stream",
		"stream was not closed cleanly",
		"remote end hung up unexpectedly",
		"early eof",
		"unexpected eof",
		"connection reset by peer",
		"tls handshake timeout",
		"failed to connect",
		"network is unreachable",
		"temporary failure",
	} {
		if strings.Contains(combined, marker) {
			return true
		}
	}
	return false
}

// authenticatedURL embeds configured credentials into https URLs. ssh URLs
// rely on key-based auth and are returned unchanged.
func (p *Provisioner) authenticatedURL(raw string) string {
	if p.username == "" || p.token == "" || !strings.HasPrefix(raw, "https://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = url.UserPassword(p.username, p.token)
	return u.String()
}

func (p *Provisioner) redactSecrets(s string) string {
	if p.token != "" {
		s = strings.ReplaceAll(s, url.QueryEscape(p.token), "***")
		s = strings.ReplaceAll(s, url.PathEscape(p.token), "***")
		s = strings.ReplaceAll(s, p.token, "***")
	}
	return s
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}
