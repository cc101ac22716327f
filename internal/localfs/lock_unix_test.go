//go:build unix

package localfs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLockIsExclusive(t *testing.T) {
	root := t.TempDir()

	unlock, err := Lock(root)
	require.NoError(t, err)

	_, err = Lock(root)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrLocked), "unexpected error: %v", err)

	require.NoError(t, unlock())

	unlock, err = Lock(root)
	require.NoError(t, err)
	require.NoError(t, unlock())
}

func TestLockFileSitsNextToRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "vault")

	unlock, err := Lock(root)
	require.NoError(t, err)
	defer func() { _ = unlock() }()

	_, err = os.Stat(filepath.Join(parent, "vault.lock"))
	require.NoError(t, err)
	_, err = os.Stat(root)
	require.True(t, errors.Is(err, os.ErrNotExist), "root must not be created: %v", err)
}
