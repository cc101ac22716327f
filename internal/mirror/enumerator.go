package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency    = 10
	DefaultRequestTimeout = 60 * time.Second
)

type OutcomeKind int

const (
	OutcomeMeta OutcomeKind = iota
	OutcomeDoc
	OutcomeFailed
	OutcomeSkipped
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeMeta:
		return "meta"
	case OutcomeDoc:
		return "doc"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// FetchOutcome is one element of an enumeration. Total is set only for
// OutcomeMeta, Document only for OutcomeDoc and Err only for OutcomeFailed.
type FetchOutcome struct {
	Kind     OutcomeKind
	Total    int
	ID       string
	Document Document
	Err      error
}

type EnumeratorOptions struct {
	Concurrency    int
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// Enumerator lists a RemoteStore and fetches every note with bounded
// concurrency.
type Enumerator struct {
	store       RemoteStore
	concurrency int
	timeout     time.Duration
	logger      zerolog.Logger
}

func NewEnumerator(store RemoteStore, opts EnumeratorOptions) (*Enumerator, error) {
	if store == nil {
		return nil, fmt.Errorf("remote store is required")
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Enumerator{
		store:       store,
		concurrency: concurrency,
		timeout:     timeout,
		logger:      opts.Logger,
	}, nil
}

// Enumerate lists all ids and returns a channel of outcomes. The first
// element is always OutcomeMeta. The channel is closed once every id has
// been attempted or ctx is cancelled. A listing failure is returned as a
// *ConnectionError and no channel is produced.
func (e *Enumerator) Enumerate(ctx context.Context) (<-chan FetchOutcome, error) {
	e.logger.Info().Msg("fetching document list from database")
	ids, err := e.store.ListIDs(ctx)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	e.logger.Info().Int("entries", len(ids)).Msg("found entries in index")

	pending := make([]string, 0, len(ids))
	for _, id := range ids {
		if isReservedID(id) {
			continue
		}
		pending = append(pending, id)
	}

	out := make(chan FetchOutcome, e.concurrency)
	out <- FetchOutcome{Kind: OutcomeMeta, Total: len(pending)}

	go func() {
		defer close(out)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.concurrency)
		for _, id := range pending {
			if gctx.Err() != nil {
				break
			}
			id := id
			g.Go(func() error {
				outcome := e.fetch(gctx, id)
				select {
				case out <- outcome:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		_ = g.Wait()
	}()
	return out, nil
}

func (e *Enumerator) fetch(ctx context.Context, id string) FetchOutcome {
	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	doc, err := e.store.FetchAndDecrypt(reqCtx, id)
	switch {
	case err == nil:
		if doc.ID == "" {
			doc.ID = id
		}
		return FetchOutcome{Kind: OutcomeDoc, ID: id, Document: doc}
	case errors.Is(err, ErrNotNote):
		return FetchOutcome{Kind: OutcomeSkipped, ID: id}
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return FetchOutcome{Kind: OutcomeFailed, ID: id, Err: fmt.Errorf("%w after %s: %w", ErrTimeout, e.timeout, err)}
	default:
		return FetchOutcome{Kind: OutcomeFailed, ID: id, Err: err}
	}
}
