package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amerrors "github.com/Aman-CERP/amanindex/internal/errors"
)

func TestFileLock_ExcludesSecondHolder(t *testing.T) {
	// Given: a held lock
	dir := filepath.Join(t.TempDir(), "data")
	first := NewFileLock(dir)
	require.NoError(t, first.TryLock())
	assert.True(t, first.IsLocked())
	assert.Equal(t, filepath.Join(dir, LockFileName), first.Path())

	// When: another holder tries the same directory
	second := NewFileLock(dir)
	err := second.TryLock()

	// Then: it is refused with the index-locked code
	require.Error(t, err)
	assert.Equal(t, amerrors.ErrCodeIndexLocked, amerrors.GetCode(err))
	assert.False(t, second.IsLocked())

	// And: after release it can be acquired
	require.NoError(t, first.Unlock())
	require.NoError(t, second.TryLock())
	require.NoError(t, second.Unlock())
}

func TestFileLock_UnlockIsIdempotent(t *testing.T) {
	l := NewFileLock(t.TempDir())
	assert.NoError(t, l.Unlock())
	require.NoError(t, l.TryLock())
	assert.NoError(t, l.Unlock())
	assert.NoError(t, l.Unlock())
}
