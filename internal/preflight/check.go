package preflight

import (
	"fmt"
	"os"
	"path/filepath"
)

// CheckStatus represents the result of a preflight check.
type CheckStatus int

const (
	// StatusPass indicates the check passed successfully.
	StatusPass CheckStatus = iota
	// StatusWarn indicates a non-critical warning.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
)

// String returns the string representation of a CheckStatus.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// CheckResult holds the result of a single preflight check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical returns true if this is a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Checker runs the host checks. The limits are fields so tests can
// tighten them.
type Checker struct {
	MinDiskSpace       uint64
	MinFileDescriptors uint64
	// InotifyLimitFile holds the per-user inotify watch limit on Linux.
	InotifyLimitFile string
}

// New creates a Checker with the default limits.
func New() *Checker {
	return &Checker{
		MinDiskSpace:       MinDiskSpaceBytes,
		MinFileDescriptors: MinFileDescriptors,
		InotifyLimitFile:   "/proc/sys/fs/inotify/max_user_watches",
	}
}

// RunAll checks the data directory and the workspace root.
func (c *Checker) RunAll(dataDir, root string) []CheckResult {
	return []CheckResult{
		c.CheckWritePermissions(dataDir),
		c.CheckDiskSpace(dataDir),
		c.CheckFileDescriptors(),
		c.CheckWatchLimit(root),
	}
}

// HasCriticalFailures returns true if any required check failed.
func HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// CheckWritePermissions checks that dir exists or can be created, and
// accepts new files.
func (c *Checker) CheckWritePermissions(dir string) CheckResult {
	result := CheckResult{Name: "write_permissions", Required: true}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot create %s: %v", dir, err)
		return result
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("permission denied: %v", err)
		return result
	}
	_ = f.Close()
	_ = os.Remove(f.Name())

	result.Status = StatusPass
	result.Message = filepath.Clean(dir)
	return result
}
