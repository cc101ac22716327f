package localfs

import (
	"errors"
	"path/filepath"
)

// LockSuffix names the lock file kept next to the mirror root, so the
// mirrored tree only ever holds notes.
const LockSuffix = ".lock"

var ErrLocked = errors.New("mirror is locked by another run")

// LockPath returns the lock file guarding root.
func LockPath(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	return abs + LockSuffix, nil
}
