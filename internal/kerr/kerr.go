// Package kerr defines the error-kind taxonomy shared by every kernel
// substrate component (frame allocator, heap, linker, hypervisor, TOSDB).
package kerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way spec §7 enumerates them. Callers test an
// error's kind with Is(err, kind), or recover the kind of an arbitrary
// wrapped error with KindOf.
type Kind int

const (
	KindUnknown Kind = iota
	KindOutOfMemory
	KindInvalidArgument
	KindNotFound
	KindCapacityExceeded
	KindHardwareTimeout
	KindCorruptData
	KindProtocolViolation
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindOutOfMemory:
		return "out of memory"
	case KindInvalidArgument:
		return "invalid argument"
	case KindNotFound:
		return "not found"
	case KindCapacityExceeded:
		return "capacity exceeded"
	case KindHardwareTimeout:
		return "hardware timeout"
	case KindCorruptData:
		return "corrupt data"
	case KindProtocolViolation:
		return "protocol violation"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown error"
	}
}

// Error wraps a Kind with component-local context. It implements error and
// participates in errors.Is/errors.As both as a Kind and as a wrapper of
// whatever concrete cause produced it.
type Error struct {
	Kind    Kind
	Context string
	Cause   error
}

func New(kind Kind, context string) *Error {
	return &Error{Kind: kind, Context: context}
}

func Wrap(kind Kind, context string, cause error) *Error {
	return &Error{Kind: kind, Context: context, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Context, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Context, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets two *Error values compare equal under errors.Is when they share a
// Kind, so a component can check `errors.Is(err, kerr.New(kerr.KindNotFound,
// ""))` without needing a distinct sentinel per call site.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// Is reports whether err is a *Error of the given Kind, anywhere in its
// wrap chain. This is the primary way components and tests check a failure's
// kind: `if kerr.Is(err, kerr.KindOutOfMemory) { ... }`.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Fatal marks an invariant violation the spec says is unrecoverable — the
// frame allocator running out of bookkeeping memory, a corrupt heap header
// touched after the fact. Recovered only at a top-level driver loop, never
// inside a component; see SPEC_FULL.md §7.
type Fatal struct {
	Reason string
	Dump   map[string]any
}

func (f Fatal) Error() string {
	return fmt.Sprintf("fatal: %s (dump: %v)", f.Reason, f.Dump)
}

// Halt panics with a Fatal, the process-level analogue of "halt the CPU with
// a diagnostic dump" for an invariant that cannot be recovered from because
// recovery would itself require more of the resource that just ran out.
func Halt(reason string, dump map[string]any) {
	panic(Fatal{Reason: reason, Dump: dump})
}

// KindOf recovers the Kind carried by err, or KindUnknown if err does not
// carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
