// Package errors provides the shared error kinds used across the acquisition
// engines. It exists so that engine, IPC and orchestrator packages agree on
// retry semantics without import cycles.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for surfacing and retry decisions.
type Kind int

const (
	// KindConfig is an invalid user-supplied setting. Never retried.
	KindConfig Kind = iota
	// KindTransient is a transport-level failure recovered by falling
	// through to the next pool or indexer.
	KindTransient
	// KindAuth is an authentication rejection. Surfaced, never retried.
	KindAuth
	// KindArticleMissing is an NNTP 430. Recorded per segment as a warning.
	KindArticleMissing
	// KindParse is a malformed NZB or indexer response.
	KindParse
	// KindPostProcess is a failed repair/extract with no usable output.
	KindPostProcess
	// KindIPC is a command submit or reply-wait failure.
	KindIPC
	// KindConflict is a duplicate add rejected by identity.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindArticleMissing:
		return "article_missing"
	case KindParse:
		return "parse"
	case KindPostProcess:
		return "post_process"
	case KindIPC:
		return "ipc"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a kinded error.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a kinded error around a cause. A nil cause returns nil.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the kind from err, defaulting to KindTransient for plain
// errors so that unknown failures stay locally recoverable.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsRetryable reports whether the error may succeed on another attempt
// against a different pool, indexer or connection.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
