package sandboxerr

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"syscall"
)

// Translate wraps a provider-native error into the taxonomy. Errors that are
// already part of the taxonomy pass through unchanged; nil stays nil.
func Translate(err error, provider, operation string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{
			Kind:      KindTimeout,
			Message:   operation + " timed out",
			Operation: operation,
			Provider:  provider,
			Cause:     err,
		}
	case errors.Is(err, context.Canceled):
		return &Error{
			Kind:      KindConnection,
			Message:   operation + " canceled",
			Operation: operation,
			Provider:  provider,
			Cause:     err,
		}
	case isConnectionFailure(err):
		return &Error{
			Kind:      KindConnection,
			Message:   "provider " + provider + " unreachable during " + operation,
			Operation: operation,
			Provider:  provider,
			Cause:     err,
		}
	}

	return &Error{
		Kind:      KindCommandExecution,
		Message:   operation + " failed",
		Operation: operation,
		Provider:  provider,
		Cause:     err,
	}
}

func isConnectionFailure(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
