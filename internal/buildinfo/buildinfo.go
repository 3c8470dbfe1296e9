// Package buildinfo holds the firmware version stamped at compile time
// via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set with -ldflags "-X github.com/nugget/poolheat/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var bootTime = time.Now()

// Info returns build and runtime facts for status reports.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the time since boot, to the second.
func Uptime() time.Duration {
	return time.Since(bootTime).Truncate(time.Second)
}

// BootTime returns when the process started.
func BootTime() time.Time { return bootTime }

// String returns a one-line summary for the startup log.
func String() string {
	return fmt.Sprintf("poolheat %s (%s) built %s", Version, GitCommit, BuildTime)
}
