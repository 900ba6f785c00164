package capi

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Errno represents an errno value reported by libibverbs (positive integral
// value).
type Errno int32

// Error codes commonly returned by the verbs post and registration paths.
// ibv_post_send/ibv_post_recv return these directly; ibv_reg_mr reports them
// through errno.
const (
	Success         Errno = 0
	ErrPerm         Errno = Errno(unix.EPERM)
	ErrNoEntry      Errno = Errno(unix.ENOENT)
	ErrAgain        Errno = Errno(unix.EAGAIN)
	ErrNoMemory     Errno = Errno(unix.ENOMEM)
	ErrAccess       Errno = Errno(unix.EACCES)
	ErrFault        Errno = Errno(unix.EFAULT)
	ErrBusy         Errno = Errno(unix.EBUSY)
	ErrNoDevice     Errno = Errno(unix.ENODEV)
	ErrInvalid      Errno = Errno(unix.EINVAL)
	ErrNotSupported Errno = Errno(unix.EOPNOTSUPP)
	ErrNotConnected Errno = Errno(unix.ENOTCONN)
	ErrTimedOut     Errno = Errno(unix.ETIMEDOUT)
)

// Error returns the human-readable errno string.
func (e Errno) Error() string {
	return e.String()
}

// String returns the system message for the Errno.
func (e Errno) String() string {
	if e == Success {
		return "success"
	}
	return unix.Errno(e).Error()
}

// Name returns the symbolic errno name (for example "EINVAL"), or the numeric
// value when the name is unknown.
func (e Errno) Name() string {
	if name := unix.ErrnoName(unix.Errno(e)); name != "" {
		return name
	}
	return fmt.Sprintf("errno(%d)", int32(e))
}

// Is lets errors.Is match an Errno against the equivalent unix.Errno.
func (e Errno) Is(target error) bool {
	if t, ok := target.(unix.Errno); ok {
		return unix.Errno(e) == t
	}
	return false
}

// StatusErrno normalises a verbs status code to its Errno. Post calls return
// a positive errno; registration reports failure as a negative value.
func StatusErrno(status int) Errno {
	if status < 0 {
		status = -status
	}
	return Errno(status)
}

// WithOp adds the failing verbs call to e.
func (e Errno) WithOp(op string) error {
	if op == "" {
		return e
	}
	return fmt.Errorf("%s: %w", op, e)
}

// ErrorFromStatus converts a non-zero verbs status into an error naming op.
func ErrorFromStatus(status int, op string) error {
	code := StatusErrno(status)
	if code == Success {
		return nil
	}
	return code.WithOp(op)
}
