package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errKind int

const (
	errKindOther errKind = iota
	errKindNotFound
	errKindConflict
	errKindUnavailable
)

// Error carries the repository classification the services layer branches on:
// missing document, conflicting write, or transient backend outage.
type Error struct {
	op   string
	kind errKind
	err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether the document does not exist.
func (e *Error) IsNotFound() bool { return e != nil && e.kind == errKindNotFound }

// IsConflict reports whether the write lost to a concurrent or duplicate one.
func (e *Error) IsConflict() bool { return e != nil && e.kind == errKindConflict }

// IsUnavailable reports whether the failure is transient and worth retrying.
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == errKindUnavailable }

func classify(code codes.Code) errKind {
	switch code {
	case codes.NotFound:
		return errKindNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted, codes.OutOfRange:
		return errKindConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return errKindUnavailable
	}
	return errKindOther
}

// WrapError classifies a Firestore failure under the given operation name.
// Context cancellations pass through untouched so callers can match on them.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}

	var wrapped *Error
	if errors.As(err, &wrapped) {
		if op != "" && wrapped.op == "" {
			wrapped.op = op
		}
		return wrapped
	}
	return &Error{op: op, kind: classify(status.Code(err)), err: err}
}
