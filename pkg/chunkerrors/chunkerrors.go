// Package chunkerrors implements the chunk-manager error taxonomy and maps
// it onto canonical gRPC status codes for callers that need a wire-shaped
// response without chunkmaster owning any RPC transport itself.
package chunkerrors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an error into the taxonomy a request handler reports.
type Kind int

const (
	// KindInvalidArgument is a malformed request: unknown medium name,
	// out-of-range replication factor, conflicting chunk-list kind, a
	// non-sealed left sibling, bulk-insert into the wrong tablet kind,
	// forbidden-node overlap, and similar precondition failures.
	KindInvalidArgument Kind = iota
	// KindNoSuchChunk is a lookup on a dead chunk id.
	KindNoSuchChunk
	// KindNoSuchChunkList is a lookup on a dead chunk-list id.
	KindNoSuchChunkList
	// KindNoSuchChunkView is a lookup on a dead chunk-view id.
	KindNoSuchChunkView
	// KindNoSuchMedium is a lookup on an unregistered medium name or index.
	KindNoSuchMedium
	// KindNoSuchDynamicStore is a lookup on a dead dynamic-store id.
	KindNoSuchDynamicStore
	// KindUnavailable is an optimistic-lock failure (the chunk was
	// destroyed between lookup and use) or a quorum unreachable within
	// timeout.
	KindUnavailable
	// KindAccountLimitExceeded is raised when an account cannot admit a
	// resource-usage increase.
	KindAccountLimitExceeded
	// KindInvariantViolation is logged-only: a chunk with the wrong number
	// of parents, a journal with a non-trivial chunk-tree structure, a
	// seal that produced a row gap. It is surfaced as an alert, never as
	// a crash.
	KindInvariantViolation
	// KindInternal is a structural assertion: an unreachable code path.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindNoSuchChunk:
		return "NoSuchChunk"
	case KindNoSuchChunkList:
		return "NoSuchChunkList"
	case KindNoSuchChunkView:
		return "NoSuchChunkView"
	case KindNoSuchMedium:
		return "NoSuchMedium"
	case KindNoSuchDynamicStore:
		return "NoSuchDynamicStore"
	case KindUnavailable:
		return "Unavailable"
	case KindAccountLimitExceeded:
		return "AccountLimitExceeded"
	case KindInvariantViolation:
		return "InvariantViolation"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is a taxonomy-tagged error. Use errors.As to recover the Kind from
// an error returned across a package boundary.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a taxonomy error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds a taxonomy error around a lower-level cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of a taxonomy error, defaulting to KindInternal
// for errors that never went through this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ToStatus maps a taxonomy error onto a canonical gRPC status, for callers
// that front chunkmaster with an RPC transport of their own.
func ToStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	var e *Error
	if !errors.As(err, &e) {
		return status.New(codes.Internal, err.Error())
	}
	switch e.Kind {
	case KindInvalidArgument:
		return status.New(codes.InvalidArgument, e.Error())
	case KindNoSuchChunk, KindNoSuchChunkList, KindNoSuchChunkView, KindNoSuchMedium, KindNoSuchDynamicStore:
		return status.New(codes.NotFound, e.Error())
	case KindUnavailable:
		return status.New(codes.Unavailable, e.Error())
	case KindAccountLimitExceeded:
		return status.New(codes.ResourceExhausted, e.Error())
	case KindInvariantViolation, KindInternal:
		return status.New(codes.Internal, e.Error())
	default:
		return status.New(codes.Unknown, e.Error())
	}
}

// Convenience constructors for the lookup-failure kinds, since these are
// raised from every registry's Get method.

func NoSuchChunk(id string) *Error {
	return New(KindNoSuchChunk, fmt.Sprintf("no such chunk %s", id))
}

func NoSuchChunkList(id string) *Error {
	return New(KindNoSuchChunkList, fmt.Sprintf("no such chunk list %s", id))
}

func NoSuchChunkView(id string) *Error {
	return New(KindNoSuchChunkView, fmt.Sprintf("no such chunk view %s", id))
}

func NoSuchMedium(name string) *Error {
	return New(KindNoSuchMedium, fmt.Sprintf("no such medium %q", name))
}

func NoSuchDynamicStore(id string) *Error {
	return New(KindNoSuchDynamicStore, fmt.Sprintf("no such dynamic store %s", id))
}

func InvalidArgument(format string, args ...interface{}) *Error {
	return New(KindInvalidArgument, fmt.Sprintf(format, args...))
}

func Unavailable(format string, args ...interface{}) *Error {
	return New(KindUnavailable, fmt.Sprintf(format, args...))
}

func AccountLimitExceeded(format string, args ...interface{}) *Error {
	return New(KindAccountLimitExceeded, fmt.Sprintf(format, args...))
}

func Internal(format string, args ...interface{}) *Error {
	return New(KindInternal, fmt.Sprintf(format, args...))
}

// InvariantViolation builds an alert-class error. Callers must log it (see
// log.Alert) and publish it to the events broker rather than treat it as a
// reason to abort the in-flight mutation.
func InvariantViolation(format string, args ...interface{}) *Error {
	return New(KindInvariantViolation, fmt.Sprintf(format, args...))
}
