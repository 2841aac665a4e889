// Package media defines the tagged error taxonomy shared by the upload and
// transcode pipeline. Callers branch on the error kind via KindOf or
// errors.As, never on message text.
package media

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation covers malformed caller input such as a negative
	// chunk index or missing dimensions.
	KindValidation
	// KindNotFound covers lookups of unknown videos, chunks, or jobs.
	KindNotFound
	// KindConflict covers operations attempted in the wrong lifecycle
	// state, including finalize races that lose the exclusivity check.
	KindConflict
	// KindExternalProcess covers encoder crashes, non-zero exits, and
	// encode timeouts.
	KindExternalProcess
	// KindStorage covers object storage failures. These are retryable.
	KindStorage
	// KindConsistency covers detected invariant violations such as a
	// chunk count mismatch during assembly.
	KindConsistency
)

// String returns the stable label used in logs and status payloads.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindExternalProcess:
		return "external_process"
	case KindStorage:
		return "storage"
	case KindConsistency:
		return "consistency"
	default:
		return "unknown"
	}
}

// Error carries a kind, the operation that failed, and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Op != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	if e.Op != "" {
		return e.Op
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is supports errors.Is comparisons against a bare *Error carrying only a
// kind, so callers can write errors.Is(err, &media.Error{Kind: media.KindConflict}).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Op == "" && other.Err == nil && other.Kind == e.Kind
}

// E wraps err with a kind and operation label.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a new tagged error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Validationf tags a caller-input failure.
func Validationf(op, format string, args ...any) error {
	return Errorf(KindValidation, op, format, args...)
}

// NotFoundf tags a missing-entity failure.
func NotFoundf(op, format string, args ...any) error {
	return Errorf(KindNotFound, op, format, args...)
}

// Conflictf tags a lifecycle-state failure.
func Conflictf(op, format string, args ...any) error {
	return Errorf(KindConflict, op, format, args...)
}

// Externalf tags an encoder process failure.
func Externalf(op, format string, args ...any) error {
	return Errorf(KindExternalProcess, op, format, args...)
}

// Storagef tags an object storage failure.
func Storagef(op, format string, args ...any) error {
	return Errorf(KindStorage, op, format, args...)
}

// Consistencyf tags a detected invariant violation.
func Consistencyf(op, format string, args ...any) error {
	return Errorf(KindConsistency, op, format, args...)
}

// KindOf extracts the kind from err, unwrapping as needed. Untagged errors
// report KindUnknown.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindUnknown
}

// Retryable reports whether the failure is worth retrying with backoff.
// Only storage errors qualify; everything else is deterministic.
func Retryable(err error) bool {
	return KindOf(err) == KindStorage
}
