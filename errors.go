package tun

import (
	"errors"
	"fmt"
	"syscall"

	gerrors "github.com/getlantern/errors"
)

var (
	// ErrInvalidAddress is returned for an address of the wrong family or an
	// out of range prefix.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrNameTooLong is returned when an interface name does not fit the
	// platform's limit.
	ErrNameTooLong = errors.New("interface name too long")

	// ErrUnsupportedLayer is returned when the platform cannot provide the
	// requested layer.
	ErrUnsupportedLayer = errors.New("unsupported layer")

	// ErrInvalidQueuesNumber is returned for a queue count the platform or
	// configuration cannot honour.
	ErrInvalidQueuesNumber = errors.New("invalid number of queues")

	// ErrInvalidDescriptor is returned when wrapping a negative descriptor.
	ErrInvalidDescriptor = errors.New("invalid descriptor")

	// ErrInvalidConfig is returned for configuration values that are
	// inconsistent or out of range.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrWouldBlock is returned by TryRecv and TrySend when the operation
	// cannot make progress right now. It matches syscall.EAGAIN.
	ErrWouldBlock = fmt.Errorf("operation would block: %w", syscall.EAGAIN)

	// ErrAborted is returned by every operation in flight on, or attempted
	// on, a device that has been shut down. It matches syscall.ECONNABORTED.
	ErrAborted = fmt.Errorf("device shut down: %w", syscall.ECONNABORTED)
)

// IsWouldBlock reports whether err means "retry later" rather than failure.
func IsWouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

// IsAborted reports whether err means the device was shut down.
func IsAborted(err error) bool {
	return errors.Is(err, syscall.ECONNABORTED)
}

// causedError is a contextual error that still lets errors.Is and errors.As
// reach the error it was built from.
type causedError struct {
	error
	cause error
}

func (e *causedError) Unwrap() error {
	return e.cause
}

// wrap describes a failed step as "<format>: <err>" and keeps err as the
// cause.
func wrap(err error, format string, args ...interface{}) error {
	return &causedError{
		error: gerrors.New(format+": %v", append(args, err)...),
		cause: err,
	}
}
