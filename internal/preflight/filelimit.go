package preflight

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// MinFileDescriptors is the minimum required file descriptor limit.
const MinFileDescriptors = 1024

// CheckFileDescriptors checks if the file descriptor limit is sufficient.
func (c *Checker) CheckFileDescriptors() CheckResult {
	result := CheckResult{
		Name:     "file_descriptors",
		Required: true,
	}

	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("failed to check file descriptor limit: %v", err)
		return result
	}

	result.Message = fmt.Sprintf("%d (minimum: %d)", rLimit.Cur, c.MinFileDescriptors)
	if uint64(rLimit.Cur) < c.MinFileDescriptors {
		result.Status = StatusFail
		result.Details = "Run 'ulimit -n 10240' to increase the limit"
		return result
	}
	result.Status = StatusPass
	return result
}

// CheckWatchLimit compares the number of directories under root with the
// inotify watch limit. The watcher needs one watch per directory; past the
// limit it falls back to polling. Hosts without the limit file pass.
func (c *Checker) CheckWatchLimit(root string) CheckResult {
	result := CheckResult{Name: "watch_limit"}

	data, err := os.ReadFile(c.InotifyLimitFile)
	if err != nil {
		result.Status = StatusPass
		result.Message = "no inotify limit on this platform"
		return result
	}
	limit, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("unreadable inotify limit %q", strings.TrimSpace(string(data)))
		return result
	}

	dirs := countDirs(root)
	result.Message = fmt.Sprintf("%d directories (limit: %d)", dirs, limit)
	if dirs > limit {
		result.Status = StatusWarn
		result.Details = "Raise fs.inotify.max_user_watches or exclude large directories; the watcher will poll instead"
		return result
	}
	result.Status = StatusPass
	return result
}

func countDirs(root string) int {
	n := 0
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			n++
		}
		return nil
	})
	return n
}
