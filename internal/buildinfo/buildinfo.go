// Package buildinfo exposes the version metadata stamped into the
// binary at link time.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Overridden via -ldflags "-X github.com/deskhand/deskhand/internal/buildinfo.Version=..."
// and friends; a plain `go build` produces a dev binary.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info reports build metadata plus runtime facts, keyed for the
// version subcommand's JSON output.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime reports how long this process has been running, rounded to
// whole seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String is the one-line banner logged at startup.
func String() string {
	return fmt.Sprintf("Deskhand %s (%s) built %s", Version, GitCommit, BuildTime)
}

// UserAgent identifies Deskhand on outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("Deskhand/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}
