package verbs

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/verbs-go/internal/capi"
)

var (
	// ErrInvalidState is the root of every error caused by operating on a
	// closed queue pair or an already freed call.
	ErrInvalidState = errors.New("verbs: invalid state")
	// ErrQueueClosed indicates the queue pair a call targets is no longer open.
	ErrQueueClosed = fmt.Errorf("%w: queue pair closed", ErrInvalidState)
	// ErrCallFreed indicates a call was used after Free.
	ErrCallFreed = fmt.Errorf("%w: call already freed", ErrInvalidState)
	// ErrPoolClosed indicates an allocation from a closed buffer pool.
	ErrPoolClosed = errors.New("verbs: buffer pool closed")
	// ErrNoMemory indicates native memory could not be allocated.
	ErrNoMemory = errors.New("verbs: native allocation failed")
	// ErrEmptyBatch indicates a serializer was given no work requests.
	ErrEmptyBatch = errors.New("verbs: empty work request batch")
	// ErrFieldNotPresent indicates a patch targets a union member the work
	// request's opcode does not use.
	ErrFieldNotPresent = errors.New("verbs: field not present for opcode")
	// ErrProviderUnavailable indicates the requested provider is not compiled in.
	ErrProviderUnavailable = errors.New("verbs: provider unavailable")
	// ErrLayoutMismatch indicates the linked verbs headers disagree with the
	// record layout this package serializes.
	ErrLayoutMismatch = errors.New("verbs: native struct layout mismatch")
)

// Errno re-exports the verbs errno type for consumers of the verbs package.
type Errno = capi.Errno

// ErrInvalidHandle indicates a nil or closed handle was used.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "invalid or closed " + e.Resource + " handle"
}

// NativeError wraps a failing result code returned by the native layer.
type NativeError struct {
	Op   string
	Code int
}

func (e *NativeError) Error() string {
	return fmt.Sprintf("verbs: %s failed: code %d (%s)", e.Op, e.Code, e.Errno().Name())
}

// Unwrap exposes the errno so errors.Is matches capi and unix errno values.
func (e *NativeError) Unwrap() error {
	return e.Errno()
}

// Errno returns the result code as an errno regardless of its sign.
func (e *NativeError) Errno() Errno {
	return capi.StatusErrno(e.Code)
}

func nativeError(op string, code int) error {
	if code == 0 {
		return nil
	}
	return &NativeError{Op: op, Code: code}
}
