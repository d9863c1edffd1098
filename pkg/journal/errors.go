package journal

import (
	"errors"
	"fmt"
)

// Common sentinel errors
var (
	// ErrClosed reports use of a finalized journal.
	ErrClosed = errors.New("journal is closed")
	// ErrCorruption reports a checksum mismatch, malformed frame, or
	// declared-but-missing data. Always wrapped in a CorruptionError
	// carrying the file path and byte offset.
	ErrCorruption = errors.New("corruption detected")
	// ErrRaceDetected reports on-disk state inconsistent with the
	// append-only invariant, e.g. a concurrent truncation without an
	// epoch bump.
	ErrRaceDetected = errors.New("on-disk state changed in violation of append-only invariant")
	// ErrIndexPoisoned reports that a prior index write failed; index
	// reads on this instance fail until the journal is reopened,
	// rebuilt, or cloned without dirty state.
	ErrIndexPoisoned = errors.New("index poisoned by earlier write failure")
	// ErrUnknownIndex reports a lookup against an index name that was
	// not configured at open time.
	ErrUnknownIndex = errors.New("unknown index")
	// ErrUnknownFold reports a read of a fold name that was not
	// configured at open time.
	ErrUnknownFold = errors.New("unknown fold")
)

// CorruptionError carries the location of detected corruption.
type CorruptionError struct {
	Path   string // file the corrupt bytes live in ("" for memory buffers)
	Offset uint64 // logical byte offset of the corrupt frame
	Detail string
	Cause  error
}

// Error implements the error interface.
func (e *CorruptionError) Error() string {
	where := e.Path
	if where == "" {
		where = "memory buffer"
	}
	if e.Cause != nil {
		return fmt.Sprintf("corruption in %s at offset %d: %s: %v", where, e.Offset, e.Detail, e.Cause)
	}
	return fmt.Sprintf("corruption in %s at offset %d: %s", where, e.Offset, e.Detail)
}

// Unwrap returns the underlying cause.
func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
func (e *CorruptionError) Is(target error) bool {
	if target == ErrCorruption {
		return true
	}
	return e.Cause != nil && errors.Is(e.Cause, target)
}

// corruptionf builds a CorruptionError at a location.
func corruptionf(path string, offset uint64, format string, args ...any) error {
	return &CorruptionError{
		Path:   path,
		Offset: offset,
		Detail: fmt.Sprintf(format, args...),
	}
}

// IsCorruption returns true if the error indicates corrupted data.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption)
}

// IsRace returns true if the error indicates a concurrent-writer race.
func IsRace(err error) bool {
	return errors.Is(err, ErrRaceDetected)
}
