package mailidx

import (
	"errors"
	"fmt"
)

// Sentinel error kinds, matching the error-kind table of the storage engine
// design: format errors fail an open outright, corruption requests a
// rebuild on next open, inconsistency poisons the handle, and capacity is a
// preemptive rebuild request as next_uid nears its limit.
var (
	ErrFormat       = errors.New("mailidx: incompatible index file")
	ErrCorruption   = errors.New("mailidx: index corrupted")
	ErrInconsistent = errors.New("mailidx: index was rebuilt by another process while open")
	ErrCapacity     = errors.New("mailidx: next uid is approaching capacity")
	ErrClosed       = errors.New("mailidx: index is closed")
)

// engineError is what Index.err holds. Wrapping a sentinel keeps
// errors.Is(err, ErrInconsistent) working for callers while still recording
// a human-readable message for GetLastError.
type engineError struct {
	kind error
	msg  string
}

func (e *engineError) Error() string { return e.msg }
func (e *engineError) Unwrap() error { return e.kind }

func newError(kind error, format string, args ...any) error {
	return &engineError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// setErr records err as the most recent error for the handle and returns
// it unchanged, so public operations can record and propagate in one
// step: `return idx.setErr(err)`. A nil err is passed through untouched.
func (idx *Index) setErr(err error) error {
	if err == nil {
		return nil
	}
	idx.errMu.Lock()
	idx.lastError = err.Error()
	idx.errMu.Unlock()
	if idx.log != nil {
		idx.log.Debugx("index operation failed", err)
	}
	return err
}

// GetLastError returns the most recently recorded error message for the
// handle, or the empty string if none occurred since open.
func (idx *Index) GetLastError() string {
	idx.errMu.Lock()
	defer idx.errMu.Unlock()
	return idx.lastError
}

// IsInconsistencyError reports whether the handle was poisoned by observing
// another process rebuild the index underneath it. Once true, only Close is
// permitted.
func (idx *Index) IsInconsistencyError() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.state == statePoisoned
}
