// Package version reports build information for amanindex.
package version

import (
	"fmt"
	"runtime"
)

// Set with -ldflags "-X github.com/Aman-CERP/amanindex/pkg/version.Version=..." at build time.
var (
	Version = "dev"
	Commit  = "unknown"
	// Date is the build date in RFC3339 format.
	Date = "unknown"
)

// BuildInfo is structured version information for JSON output.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// String returns a one-line version string with all build info.
func String() string {
	return fmt.Sprintf("amanindex %s (commit: %s, built: %s, go: %s, %s/%s)",
		Version, Commit, Date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns just the version string.
func Short() string {
	return Version
}

// GetInfo returns structured version information.
func GetInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}
