// Package stratumerr defines Stratum's closed error taxonomy (see spec §7).
// Every error that crosses a component boundary is wrapped as a *Error with
// one of the fixed Kind values so the CLI layer can map it to a stable exit
// code without string-matching messages.
package stratumerr

import (
	"errors"
	"fmt"
)

// Kind is a closed enumeration of the error categories named in spec §7.
type Kind int

const (
	// Unknown is never produced deliberately; its presence indicates a
	// bug (an error escaped without being classified).
	Unknown Kind = iota
	NotFound
	AlreadyExists
	LockBusy
	WorktreeBusy
	WorktreeMounted
	TagExists
	NotManaged
	CorruptCommit
	InvalidRef
	AmbiguousRef
	ExternalToolFailure
	IoError
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case LockBusy:
		return "LockBusy"
	case WorktreeBusy:
		return "WorktreeBusy"
	case WorktreeMounted:
		return "WorktreeMounted"
	case TagExists:
		return "TagExists"
	case NotManaged:
		return "NotManaged"
	case CorruptCommit:
		return "CorruptCommit"
	case InvalidRef:
		return "InvalidRef"
	case AmbiguousRef:
		return "AmbiguousRef"
	case ExternalToolFailure:
		return "ExternalToolFailure"
	case IoError:
		return "IoError"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carried across every component boundary.
// Op identifies the operation that failed (e.g. "commitmgr.CreateCommit"),
// and Err (when set) is the wrapped underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified error with no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies an existing error under kind, preserving it as the cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: err.Error(), Err: err}
}

// Is reports whether err (or anything it wraps) is a *Error of kind.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or Unknown if err is not a *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return Unknown
}

// ExitCode maps a Kind to a stable process exit code for the CLI front-end.
// 0 is success and is never returned here; callers only invoke this on a
// non-nil error.
func ExitCode(err error) int {
	switch KindOf(err) {
	case NotFound:
		return 2
	case AlreadyExists:
		return 3
	case LockBusy:
		return 4
	case WorktreeBusy:
		return 5
	case WorktreeMounted:
		return 6
	case TagExists:
		return 13
	case NotManaged:
		return 7
	case CorruptCommit:
		return 8
	case InvalidRef:
		return 9
	case AmbiguousRef:
		return 10
	case ExternalToolFailure:
		return 11
	case IoError:
		return 12
	case Cancelled:
		return 130
	default:
		return 1
	}
}
