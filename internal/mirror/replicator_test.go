package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRecorder struct {
	reports []Report
}

func (m *memRecorder) Record(ctx context.Context, report Report) error {
	m.reports = append(m.reports, report)
	return nil
}

func newTestReplicator(t *testing.T, store *fakeStore, fs Filesystem, mutate func(*ReplicatorOptions)) *Replicator {
	t.Helper()
	opts := ReplicatorOptions{
		Connector:   store.connector(),
		Filesystem:  fs,
		Concurrency: 1,
	}
	if mutate != nil {
		mutate(&opts)
	}
	r, err := NewReplicator(opts)
	require.NoError(t, err)
	return r
}

func TestRunThreeDocumentScenario(t *testing.T) {
	fs, _ := memMirror()
	require.NoError(t, fs.Write("same.md", []byte("same"), 1_000_000))
	require.NoError(t, fs.Write("tomb.md", []byte("old"), 500_000))

	store := newFakeStore()
	store.addDoc(plainNote("new", "new.md", 1_000_000, "fresh"))
	store.addDoc(plainNote("same", "same.md", 1_000_000, "same"))
	tomb := plainNote("tomb", "tomb.md", 2_000_000, "")
	tomb.Deleted = true
	store.addDoc(tomb)

	rec := &memRecorder{}
	r := newTestReplicator(t, store, fs, func(o *ReplicatorOptions) { o.Recorder = rec })
	report, err := r.Run(context.Background())
	require.NoError(t, err)

	want := Stats{TotalScanned: 3, Downloaded: 1, Written: 1, Deleted: 1, SkippedUpToDate: 1}
	if diff := cmp.Diff(want, report.Stats); diff != "" {
		t.Fatalf("unexpected stats (-want +got):\n%s", diff)
	}
	assert.Equal(t, StateCompleted, r.State())
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.True(t, fs.Exists("new.md"))
	assert.Equal(t, int64(1000), fs.MTime("new.md"))
	assert.False(t, fs.Exists("tomb.md"))
	assert.Equal(t, int32(1), store.closed.Load())
	require.Len(t, rec.reports, 1)
	assert.Equal(t, report.RunID, rec.reports[0].RunID)
}

func TestRunIsIdempotent(t *testing.T) {
	fs, _ := memMirror()
	rec := &recordingFS{Filesystem: fs}

	store := newFakeStore()
	store.addDoc(plainNote("a", "a.md", 1_000_000, "a"))
	store.addDoc(binaryNote("b", "b.bin", 2_000_000, []byte{1, 2, 3}))
	tomb := plainNote("c", "c.md", 3_000_000, "")
	tomb.Deleted = true
	store.addDoc(tomb)

	r := newTestReplicator(t, store, rec, func(o *ReplicatorOptions) { o.Concurrency = 4 })
	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, rec.writes, 2)

	rec.writes, rec.deletes = nil, nil
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rec.writes)
	assert.Empty(t, rec.deletes)
	assert.Equal(t, 0, report.Stats.Downloaded)
	assert.Equal(t, 2, report.Stats.SkippedUpToDate)
}

func TestRunCircuitBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	fs, _ := memMirror()
	store := newFakeStore()
	for i := 1; i <= 10; i++ {
		store.addErr(fmt.Sprintf("bad-%02d", i), fmt.Errorf("%w: wrong key", ErrDecryption))
	}
	store.addDoc(plainNote("late", "late.md", 1_000_000, "late"))

	rec := &memRecorder{}
	r := newTestReplicator(t, store, fs, func(o *ReplicatorOptions) { o.Recorder = rec })
	report, err := r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitBreakerTripped)
	assert.ErrorIs(t, err, ErrDecryption)

	var cbErr *CircuitBreakerError
	require.True(t, errors.As(err, &cbErr))
	assert.Equal(t, 10, cbErr.Threshold)
	assert.Equal(t, "bad-10", cbErr.LastID)

	assert.Equal(t, StateAborted, r.State())
	assert.Equal(t, OutcomeAborted, report.Outcome)
	assert.Equal(t, 10, report.Stats.Failed)
	assert.False(t, fs.Exists("late.md"))
	assert.Equal(t, int32(1), store.closed.Load())
	require.Len(t, rec.reports, 1)
	assert.Equal(t, OutcomeAborted, rec.reports[0].Outcome)
}

func TestRunNineFailuresThenSuccessContinues(t *testing.T) {
	fs, _ := memMirror()
	store := newFakeStore()
	for i := 1; i <= 9; i++ {
		store.addErr(fmt.Sprintf("bad-%d", i), ErrFetch)
	}
	store.addDoc(plainNote("ok", "ok.md", 1_000_000, "ok"))
	for i := 10; i <= 18; i++ {
		store.addErr(fmt.Sprintf("bad-%d", i), ErrFetch)
	}

	r := newTestReplicator(t, store, fs, nil)
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 18, report.Stats.Failed)
	assert.Equal(t, 19, report.Stats.TotalScanned)
	assert.True(t, fs.Exists("ok.md"))
}

func TestRunConfigurableThreshold(t *testing.T) {
	fs, _ := memMirror()
	store := newFakeStore()
	store.addErr("x", ErrFetch)
	store.addErr("y", ErrFetch)

	r := newTestReplicator(t, store, fs, func(o *ReplicatorOptions) { o.MaxConsecutiveFailures = 2 })
	_, err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrCircuitBreakerTripped)
}

func TestRunDryRunCountsDownloadsWithoutWriting(t *testing.T) {
	fs, _ := memMirror()
	rec := &recordingFS{Filesystem: fs}
	store := newFakeStore()
	store.addDoc(plainNote("a", "a.md", 1_000_000, "a"))

	r := newTestReplicator(t, store, rec, func(o *ReplicatorOptions) { o.DryRun = true })
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rec.writes)
	assert.Equal(t, 1, report.Stats.Downloaded)
	assert.Equal(t, 0, report.Stats.Written)
	assert.True(t, report.DryRun)
}

func TestRunBaseDirFilterIsNotCounted(t *testing.T) {
	fs, _ := memMirror()
	store := newFakeStore()
	store.addDoc(plainNote("in", "Work/a.md", 1_000_000, "a"))
	store.addDoc(plainNote("out", "Personal/b.md", 1_000_000, "b"))

	r := newTestReplicator(t, store, fs, func(o *ReplicatorOptions) { o.BaseDir = "Work/" })
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stats.Downloaded)
	assert.Equal(t, 1, report.Stats.Filtered)
	assert.Equal(t, 0, report.Stats.Failed)
	assert.False(t, fs.Exists("Personal/b.md"))
}

func TestRunWriteFailureIsRecoverable(t *testing.T) {
	fs, _ := memMirror()
	rec := &recordingFS{Filesystem: fs, failOn: map[string]error{"a.md": errors.New("disk full")}}
	store := newFakeStore()
	store.addDoc(plainNote("a", "a.md", 1_000_000, "a"))
	store.addDoc(plainNote("b", "b.md", 1_000_000, "b"))

	r := newTestReplicator(t, store, rec, nil)
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stats.Failed)
	assert.Equal(t, 2, report.Stats.Downloaded)
	assert.Equal(t, 1, report.Stats.Written)
	assert.True(t, fs.Exists("b.md"))
}

func TestRunSkippedRecordsDoNotResetOrCount(t *testing.T) {
	fs, _ := memMirror()
	store := newFakeStore()
	store.addErr("bad-1", ErrFetch)
	store.ids = append(store.ids, "h:leaf")
	store.addErr("bad-2", ErrFetch)

	r := newTestReplicator(t, store, fs, func(o *ReplicatorOptions) { o.MaxConsecutiveFailures = 2 })
	report, err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrCircuitBreakerTripped)
	assert.Equal(t, 1, report.Stats.SkippedNonNote)
	assert.Equal(t, 2, report.Stats.TotalScanned)
}

func TestRunConnectionFailure(t *testing.T) {
	fs, _ := memMirror()
	rec := &memRecorder{}
	r, err := NewReplicator(ReplicatorOptions{
		Connector: func(ctx context.Context) (RemoteStore, error) {
			return nil, errors.New("401 unauthorized")
		},
		Filesystem: fs,
		Recorder:   rec,
	})
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, StateAborted, r.State())
	require.Len(t, rec.reports, 1)
	assert.Contains(t, rec.reports[0].Error, "401 unauthorized")
}

func TestRunListingFailureClosesStore(t *testing.T) {
	fs, _ := memMirror()
	store := newFakeStore()
	store.listErr = errors.New("socket hang up")

	r := newTestReplicator(t, store, fs, nil)
	_, err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, int32(1), store.closed.Load())
}

func TestRunLockFailureSkipsConnect(t *testing.T) {
	fs, _ := memMirror()
	store := newFakeStore()
	connected := false
	r, err := NewReplicator(ReplicatorOptions{
		Connector: func(ctx context.Context) (RemoteStore, error) {
			connected = true
			return store, nil
		},
		Filesystem: fs,
		Lock: func() (func() error, error) {
			return nil, errors.New("locked")
		},
	})
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.Error(t, err)
	assert.False(t, connected)
}

func TestRunLogsProgressOnSyncedDocuments(t *testing.T) {
	fs, _ := memMirror()
	store := newFakeStore()
	store.addDoc(plainNote("a", "a.md", 1_000_000, "a"))
	store.addErr("x", ErrFetch)
	store.addDoc(plainNote("b", "b.md", 1_000_000, "b"))
	store.addDoc(plainNote("c", "c.md", 1_000_000, "c"))
	var logs bytes.Buffer

	r := newTestReplicator(t, store, fs, func(o *ReplicatorOptions) {
		o.ProgressEvery = 2
		o.Logger = zerolog.New(&logs)
	})
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(logs.String(), `"message":"progress"`))
	assert.Contains(t, logs.String(), `"scanned":4`)
}

func TestRunDryRunDoesNotLock(t *testing.T) {
	fs, _ := memMirror()
	store := newFakeStore()
	store.addDoc(plainNote("a", "a.md", 1_000_000, "a"))
	locked := false
	r, err := NewReplicator(ReplicatorOptions{
		Connector:  store.connector(),
		Filesystem: fs,
		DryRun:     true,
		Lock: func() (func() error, error) {
			locked = true
			return func() error { return nil }, nil
		},
	})
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestNewReplicatorRequiresCollaborators(t *testing.T) {
	_, err := NewReplicator(ReplicatorOptions{})
	assert.Error(t, err)

	_, err = NewReplicator(ReplicatorOptions{Connector: newFakeStore().connector()})
	assert.Error(t, err)
}
