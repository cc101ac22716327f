// Package localfs is the local side of the mirror: a directory tree whose
// file modification times carry the sync watermark.
package localfs

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"
)

var ErrUnsafePath = errors.New("unsafe path")

// FS maps relative document paths onto a root directory of an afero.Fs.
type FS struct {
	fs   afero.Fs
	root string
}

// New does not touch fs. The root directory is created by the first Write.
func New(fs afero.Fs, root string) (*FS, error) {
	if fs == nil {
		return nil, fmt.Errorf("filesystem is required")
	}
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("local root is required")
	}
	return &FS{fs: fs, root: filepath.Clean(root)}, nil
}

func NewOS(root string) (*FS, error) {
	return New(afero.NewOsFs(), root)
}

func (f *FS) Root() string {
	return f.root
}

func (f *FS) Write(relativePath string, content []byte, mtimeMillis int64) error {
	fullPath, err := f.resolve(relativePath)
	if err != nil {
		return err
	}
	if err := f.fs.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return err
	}
	if err := writeFileAtomic(f.fs, fullPath, content, 0o644); err != nil {
		return err
	}
	if mtimeMillis > 0 {
		mtime := time.UnixMilli(mtimeMillis)
		if err := f.fs.Chtimes(fullPath, mtime, mtime); err != nil {
			return fmt.Errorf("set mtime: %w", err)
		}
	}
	return nil
}

func (f *FS) Delete(relativePath string) error {
	fullPath, err := f.resolve(relativePath)
	if err != nil {
		return err
	}
	if err := f.fs.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (f *FS) Exists(relativePath string) bool {
	fullPath, err := f.resolve(relativePath)
	if err != nil {
		return false
	}
	_, err = f.fs.Stat(fullPath)
	return err == nil
}

func (f *FS) MTime(relativePath string) int64 {
	fullPath, err := f.resolve(relativePath)
	if err != nil {
		return -1
	}
	info, err := f.fs.Stat(fullPath)
	if err != nil {
		return -1
	}
	mtime := info.ModTime()
	if mtime.IsZero() {
		return 0
	}
	return mtime.Unix()
}

func (f *FS) resolve(relativePath string) (string, error) {
	rel, err := CleanPath(relativePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.root, filepath.FromSlash(rel)), nil
}

// CleanPath normalizes a remote document path into a slash-separated path
// relative to the mirror root. Unicode is normalized to NFC so that notes
// created on different platforms land on the same local file.
func CleanPath(p string) (string, error) {
	p = norm.NFC.String(strings.TrimSpace(p))
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %s escapes local root", ErrUnsafePath, p)
	}
	return cleaned, nil
}

func writeFileAtomic(fs afero.Fs, fullPath string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(fullPath)
	tmpFile, err := afero.TempFile(fs, dir, "."+filepath.Base(fullPath)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = fs.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := fs.Chmod(tmpName, mode); err != nil {
		return err
	}
	if err := fs.Rename(tmpName, fullPath); err != nil {
		return err
	}
	committed = true
	return nil
}
