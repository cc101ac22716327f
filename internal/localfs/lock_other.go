//go:build !unix

package localfs

// Lock is a no-op on platforms without flock.
func Lock(root string) (func() error, error) {
	if _, err := LockPath(root); err != nil {
		return nil, err
	}
	return func() error { return nil }, nil
}
