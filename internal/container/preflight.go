package container

import (
	"context"
	"fmt"
	"strings"

	"github.com/deptz/augment-sub000/internal/requirements"
)

// Preflight checks that the docker CLI is present and, when minVersion is
// set, at least that version. It returns the detected client version.
func Preflight(ctx context.Context, d *Docker, minVersion string) (string, error) {
	if err := d.Available(); err != nil {
		return "", err
	}
	version, err := d.ClientVersion(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(minVersion) == "" {
		return version, nil
	}
	if _, ok := requirements.NormalizeSemver(version); !ok {
		return version, fmt.Errorf("cannot parse docker version %q", version)
	}
	if _, ok := requirements.NormalizeSemver(minVersion); !ok {
		return version, fmt.Errorf("invalid minimum docker version %q", minVersion)
	}
	if !requirements.Satisfies(version, ">="+strings.TrimSpace(minVersion)) {
		return version, fmt.Errorf("docker %s is older than required %s", version, minVersion)
	}
	return version, nil
}
