// Package mirror replicates a remote note store into a local directory tree.
package mirror

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
)

type ContentKind string

const (
	KindBinaryNote ContentKind = "binary-note"
	KindPlainText  ContentKind = "plain-text"
)

// ReservedPrefixes lists id prefixes of internal records that are never fetched.
var ReservedPrefixes = []string{"_design", "_local"}

// Document is a decrypted remote note.
type Document struct {
	ID               string
	Path             string
	ModifiedAtMillis int64
	Kind             ContentKind
	// Content is base64 for binary notes and raw text for plain notes.
	Content string
	Deleted bool
}

// RemoteMTime returns the modification time in whole seconds.
func (d Document) RemoteMTime() int64 {
	if d.ModifiedAtMillis <= 0 {
		return 0
	}
	return d.ModifiedAtMillis / 1000
}

// Payload decodes Content into the bytes that belong on disk.
func (d Document) Payload() ([]byte, error) {
	switch d.Kind {
	case KindBinaryNote:
		data, err := base64.StdEncoding.DecodeString(d.Content)
		if err != nil {
			return nil, fmt.Errorf("decode binary note %s: %w", d.Path, err)
		}
		return data, nil
	case KindPlainText, "":
		return []byte(d.Content), nil
	default:
		return nil, fmt.Errorf("unsupported content kind %q", d.Kind)
	}
}

// RemoteStore is the remote document capability the enumerator consumes.
// FetchAndDecrypt returns an error matching ErrNotNote for records that are
// valid but are not notes.
type RemoteStore interface {
	ListIDs(ctx context.Context) ([]string, error)
	FetchAndDecrypt(ctx context.Context, id string) (Document, error)
	Close() error
}

// Connector opens a RemoteStore for one run.
type Connector func(ctx context.Context) (RemoteStore, error)

// Filesystem is the local side of the mirror. Paths are relative to the
// mirror root. MTime reports whole seconds, -1 when the path is missing and
// 0 when it exists without a usable time.
type Filesystem interface {
	Write(path string, content []byte, mtimeMillis int64) error
	Delete(path string) error
	Exists(path string) bool
	MTime(path string) int64
}

func isReservedID(id string) bool {
	for _, prefix := range ReservedPrefixes {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}
