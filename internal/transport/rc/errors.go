package rc

import (
	"errors"
	"fmt"
)

// Transport errors.
var (
	ErrUnrecoverable           = errors.New("unrecoverable transport error")
	ErrNoProgress              = errors.New("no progress")
	ErrNoMemory                = errors.New("out of memory")
	ErrNoResource              = errors.New("no resources available")
	ErrInProgress              = errors.New("operation in progress")
	ErrBusy                    = errors.New("resource busy")
	ErrClosed                  = errors.New("interface closed")
	ErrNotConnected            = errors.New("endpoint not connected")
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrInvalidConfig           = errors.New("invalid interface configuration")
	ErrUnsupported             = errors.New("operation not supported")
	ErrAtomicHandlerUnresolved = errors.New("no atomic reply handler for device")
	ErrUnknownEndpoint         = errors.New("completion for unknown endpoint")
	ErrUnknownDescriptor       = errors.New("completion for unknown receive descriptor")
	ErrShortReceive            = errors.New("receive shorter than transport header")
	ErrCompletionStatus        = errors.New("completion with error status")
)

// FatalError reports a failure after which the interface cannot continue.
// It matches ErrUnrecoverable with errors.Is.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("rc: fatal error in %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func (e *FatalError) Is(target error) bool { return target == ErrUnrecoverable }

// IsFatal reports whether err poisoned an interface.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnrecoverable)
}
