package mirror

import (
	"errors"
	"fmt"
)

var (
	ErrConnection            = errors.New("remote connection failed")
	ErrFetch                 = errors.New("fetch failed")
	ErrDecryption            = errors.New("decryption failed")
	ErrTimeout               = errors.New("request timed out")
	ErrNotNote               = errors.New("not a note")
	ErrCircuitBreakerTripped = errors.New("too many consecutive failures")
)

type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return ErrConnection.Error()
	}
	return fmt.Sprintf("%s: %v", ErrConnection.Error(), e.Err)
}

func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// CircuitBreakerError aborts a run. LastID is the id of the failure that
// reached the threshold.
type CircuitBreakerError struct {
	Threshold int
	LastID    string
	Err       error
}

func (e *CircuitBreakerError) Error() string {
	msg := fmt.Sprintf("aborting after %d consecutive fetch/decrypt failures (last id %s); check passphrase and credentials", e.Threshold, e.LastID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitBreakerTripped
}

func (e *CircuitBreakerError) Unwrap() error {
	return e.Err
}

// WriteError is a per-file failure. It is counted and never aborts a run.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
