package preflight

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckStatus_String(t *testing.T) {
	assert.Equal(t, "PASS", StatusPass.String())
	assert.Equal(t, "WARN", StatusWarn.String())
	assert.Equal(t, "FAIL", StatusFail.String())
	assert.Equal(t, "UNKNOWN", CheckStatus(42).String())
}

func TestHasCriticalFailures(t *testing.T) {
	tests := []struct {
		name    string
		results []CheckResult
		want    bool
	}{
		{"all pass", []CheckResult{{Status: StatusPass, Required: true}}, false},
		{"required fail", []CheckResult{{Status: StatusPass}, {Status: StatusFail, Required: true}}, true},
		{"optional fail", []CheckResult{{Status: StatusFail}}, false},
		{"required warn", []CheckResult{{Status: StatusWarn, Required: true}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasCriticalFailures(tt.results))
		})
	}
}

func TestCheckWritePermissions(t *testing.T) {
	// Given: a data directory that does not exist yet
	dir := filepath.Join(t.TempDir(), "data", "ws")

	// When: checking it
	result := New().CheckWritePermissions(dir)

	// Then: it is created and passes without leaving files behind
	assert.Equal(t, StatusPass, result.Status)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCheckWritePermissions_FileInTheWay(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "data")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	result := New().CheckWritePermissions(filepath.Join(blocker, "ws"))

	assert.Equal(t, StatusFail, result.Status)
	assert.True(t, result.IsCritical())
}

func TestCheckDiskSpace(t *testing.T) {
	c := New()
	c.MinDiskSpace = 1
	assert.Equal(t, StatusPass, c.CheckDiskSpace(t.TempDir()).Status)

	c.MinDiskSpace = 1 << 62
	result := c.CheckDiskSpace(t.TempDir())
	assert.Equal(t, StatusFail, result.Status)
	assert.Contains(t, result.Message, "free (minimum:")
}

func TestCheckFileDescriptors(t *testing.T) {
	c := New()
	c.MinFileDescriptors = 1
	assert.Equal(t, StatusPass, c.CheckFileDescriptors().Status)
}

func TestCheckWatchLimit(t *testing.T) {
	// Given: a workspace with three directories besides .git
	root := t.TempDir()
	for _, d := range []string{"a/b", "c", ".git/objects"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
	}
	limitFile := filepath.Join(t.TempDir(), "max_user_watches")
	c := New()
	c.InotifyLimitFile = limitFile

	tests := []struct {
		name  string
		limit string
		want  CheckStatus
	}{
		{"under the limit", "8192\n", StatusPass},
		{"over the limit", "3", StatusWarn},
		{"garbage", "lots", StatusWarn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(limitFile, []byte(tt.limit), 0o644))
			result := c.CheckWatchLimit(root)
			assert.Equal(t, tt.want, result.Status, result.Message)
			assert.False(t, result.IsCritical())
		})
	}

	c.InotifyLimitFile = filepath.Join(t.TempDir(), "missing")
	assert.Equal(t, StatusPass, c.CheckWatchLimit(root).Status)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 bytes", FormatBytes(512))
	assert.Equal(t, "1.5 KB", FormatBytes(1536))
	assert.Equal(t, "100.0 MB", FormatBytes(MinDiskSpaceBytes))
	assert.Equal(t, "2.0 GB", FormatBytes(2<<30))
}
