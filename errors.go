package mtrpacket

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/lydakis/mtrpacket/internal/dispatch"
)

// StateError means the operation is invalid in the session's current
// lifecycle state: probing before Open, opening twice, or submitting
// after the session closed or faulted.
type StateError struct {
	Err error
}

func (e *StateError) Error() string {
	return "mtrpacket: " + e.Err.Error()
}

func (e *StateError) Unwrap() error { return e.Err }

// ProcessError means the mtr-packet subprocess failed: it could not be
// launched, failed its capability check, exited unexpectedly, or broke
// the wire framing. The session is faulted and must be closed and
// reopened to recover.
type ProcessError struct {
	Reason string
	Err    error
}

func (e *ProcessError) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("mtr-packet: %s: %v", e.Reason, e.Err)
	case e.Reason != "":
		return "mtr-packet: " + e.Reason
	default:
		return fmt.Sprintf("mtr-packet: %v", e.Err)
	}
}

func (e *ProcessError) Unwrap() error { return e.Err }

// HostResolveError means no address of an acceptable IP version could be
// found for the hostname. The failure is local to one probe; the session
// remains usable.
type HostResolveError struct {
	Host string
	Err  error
}

func (e *HostResolveError) Error() string {
	return fmt.Sprintf("resolving host %q: %v", e.Host, e.Err)
}

func (e *HostResolveError) Unwrap() error { return e.Err }

// translate maps internal errors onto the public kinds at the session
// boundary. Context cancellation passes through untouched; dispatcher
// state sentinels become StateError; everything else, including
// malformed-reply framing failures, becomes ProcessError.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, dispatch.ErrNotOpen),
		errors.Is(err, dispatch.ErrAlreadyOpen),
		errors.Is(err, dispatch.ErrFaulted),
		errors.Is(err, dispatch.ErrClosed):
		return &StateError{Err: err}
	default:
		return &ProcessError{Err: err}
	}
}
