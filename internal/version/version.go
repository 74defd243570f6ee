package version

import (
	"runtime/debug"
	"strings"
)

// Version is set at build time with:
// -ldflags "-X github.com/deptz/augment-sub000/internal/version.Version=vX.Y.Z"
var Version = "dev"

// Current returns the linker-stamped version, then the module version recorded
// by `go install`, then "dev".
func Current() string {
	if v := strings.TrimSpace(Version); v != "" && v != "dev" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
	}
	return "dev"
}

// UserAgent is sent on outbound HTTP requests to execution containers.
func UserAgent() string {
	return "augment-engine/" + Current()
}
