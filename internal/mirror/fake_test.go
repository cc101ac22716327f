package mirror

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/agentworkforce/vaultmirror/internal/localfs"
)

type fakeStore struct {
	mu      sync.Mutex
	ids     []string
	docs    map[string]Document
	errs    map[string]error
	listErr error
	delay   time.Duration
	fetched map[string]int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	closed      atomic.Int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:    map[string]Document{},
		errs:    map[string]error{},
		fetched: map[string]int{},
	}
}

func (s *fakeStore) addDoc(doc Document) {
	s.ids = append(s.ids, doc.ID)
	s.docs[doc.ID] = doc
}

func (s *fakeStore) addErr(id string, err error) {
	s.ids = append(s.ids, id)
	s.errs[id] = err
}

func (s *fakeStore) ListIDs(ctx context.Context) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]string(nil), s.ids...), nil
}

func (s *fakeStore) FetchAndDecrypt(ctx context.Context, id string) (Document, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxInFlight.Load()
		if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	s.mu.Lock()
	s.fetched[id]++
	doc, hasDoc := s.docs[id]
	err := s.errs[id]
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Document{}, ctx.Err()
		}
	}
	if err != nil {
		return Document{}, err
	}
	if !hasDoc {
		return Document{}, ErrNotNote
	}
	return doc, nil
}

func (s *fakeStore) Close() error {
	s.closed.Add(1)
	return nil
}

func (s *fakeStore) fetchCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetched[id]
}

func (s *fakeStore) connector() Connector {
	return func(ctx context.Context) (RemoteStore, error) {
		return s, nil
	}
}

func plainNote(id, path string, mtimeMillis int64, text string) Document {
	return Document{ID: id, Path: path, ModifiedAtMillis: mtimeMillis, Kind: KindPlainText, Content: text}
}

func binaryNote(id, path string, mtimeMillis int64, data []byte) Document {
	return Document{ID: id, Path: path, ModifiedAtMillis: mtimeMillis, Kind: KindBinaryNote, Content: base64.StdEncoding.EncodeToString(data)}
}

// memMirror returns a localfs mirror on an in-memory filesystem.
func memMirror() (*localfs.FS, afero.Fs) {
	mem := afero.NewMemMapFs()
	fs, err := localfs.New(mem, "/vault")
	if err != nil {
		panic(err)
	}
	return fs, mem
}

// recordingFS wraps a Filesystem and counts mutations.
type recordingFS struct {
	Filesystem
	writes  []string
	deletes []string
	failOn  map[string]error
}

func (r *recordingFS) Write(path string, content []byte, mtimeMillis int64) error {
	if err := r.failOn[path]; err != nil {
		return err
	}
	r.writes = append(r.writes, path)
	return r.Filesystem.Write(path, content, mtimeMillis)
}

func (r *recordingFS) Delete(path string) error {
	if err := r.failOn[path]; err != nil {
		return err
	}
	r.deletes = append(r.deletes, path)
	return r.Filesystem.Delete(path)
}

var errDecrypt = errors.New("bad passphrase")
