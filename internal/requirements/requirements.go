// Package requirements checks that the host tools the engine shells out to
// are installed in acceptable versions.
package requirements

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// Prober reports the installed version of tool, or an error when it is missing.
type Prober func(ctx context.Context, tool string) (string, error)

var versionPattern = regexp.MustCompile(`\d+\.\d+(?:\.\d+)?`)

// ExecProber runs "<tool> --version" and extracts the first version number.
func ExecProber(ctx context.Context, tool string) (string, error) {
	if _, err := exec.LookPath(tool); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, tool, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", tool, err)
	}
	v := ExtractVersion(string(out))
	if v == "" {
		return "", fmt.Errorf("no version in %s output %q", tool, strings.TrimSpace(string(out)))
	}
	return v, nil
}

// ExtractVersion returns the first dotted version number in s.
func ExtractVersion(s string) string {
	return versionPattern.FindString(s)
}

// Diagnose probes every required tool and returns one reason per unmet
// requirement, ordered by tool name. Constraints use Satisfies syntax.
func Diagnose(ctx context.Context, required map[string]string, probe Prober) []string {
	tools := make([]string, 0, len(required))
	for tool := range required {
		tools = append(tools, tool)
	}
	sort.Strings(tools)

	var reasons []string
	for _, tool := range tools {
		constraint := strings.TrimSpace(required[tool])
		have, err := probe(ctx, tool)
		if err != nil || strings.TrimSpace(have) == "" {
			reasons = append(reasons, "missing tool "+tool)
			continue
		}
		if !Satisfies(have, constraint) {
			reasons = append(reasons, fmt.Sprintf("tool %s %s does not satisfy %s", tool, have, constraint))
		}
	}
	return reasons
}

// Satisfies reports whether version have meets constraint: empty or "*"
// accepts anything, an operator prefix (>=, <=, >, <, ==, =) compares
// semantically and a bare value must match exactly.
func Satisfies(have, constraint string) bool {
	have = strings.TrimSpace(have)
	constraint = strings.TrimSpace(constraint)
	if have == "" {
		return false
	}
	if constraint == "" || constraint == "*" {
		return true
	}

	op := ""
	value := constraint
	for _, candidate := range []string{">=", "<=", ">", "<", "==", "="} {
		if strings.HasPrefix(constraint, candidate) {
			op = candidate
			value = strings.TrimSpace(strings.TrimPrefix(constraint, candidate))
			break
		}
	}
	if value == "" {
		return true
	}
	if op == "" {
		return have == value
	}

	haveSemver, haveOK := NormalizeSemver(have)
	wantSemver, wantOK := NormalizeSemver(value)
	if !haveOK || !wantOK {
		return (op == "=" || op == "==") && have == value
	}

	cmp := semver.Compare(haveSemver, wantSemver)
	switch op {
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	default:
		return cmp == 0
	}
}

// NormalizeSemver adds the "v" prefix semver expects and drops build suffixes
// such as docker's "+azure".
func NormalizeSemver(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	if i := strings.IndexByte(v, '+'); i >= 0 {
		v = v[:i]
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", false
	}
	return v, true
}
