package usbip

import (
	"errors"
	"fmt"
)

// Sentinel errors for the codec and session layers. Kept as package-level
// vars, not a custom error type hierarchy, matching the flat error style
// the rest of this lineage uses.
var (
	ErrTruncated          = errors.New("usbip: truncated packet")
	ErrBadMagic           = errors.New("usbip: unrecognized version or command")
	ErrMalformedDescriptor = errors.New("usbip: malformed descriptor")
	ErrNotFound           = errors.New("usbip: no requested device matched any exported path")
	ErrInvalidState       = errors.New("usbip: endpoint not bound for this operation")
	ErrDaemonConnect      = errors.New("usbip: could not connect to daemon")
	ErrDaemonTimeout      = errors.New("usbip: daemon connect timed out")
	ErrResponseTimeout    = errors.New("usbip: no response collected within timeout")
)

// ConnectionLostError wraps a failure on the underlying Transport. It
// carries the Session so the caller can hand it to RestoreConnection.
type ConnectionLostError struct {
	Session *Session
	Err     error
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("usbip: connection lost: %v", e.Err)
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }

// AttachError reports a non-success status from the daemon during
// REQ_IMPORT or during a Setup Choreography step. Errno follows the
// POSIX errno space the daemon returns on the wire.
type AttachError struct {
	Errno int
	Step  string
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("usbip: attach failed at %s: errno %d (%s)", e.Step, e.Errno, DescribeErrno(e.Errno))
}

// errnoDescriptions mirrors the handful of errnos a USB/IP daemon
// actually returns; anything else is reported numerically.
var errnoDescriptions = map[int]string{
	2:   "ENOENT: no such device",
	5:   "EIO: I/O error",
	9:   "EBADF: bad file descriptor",
	12:  "ENOMEM: out of memory",
	13:  "EACCES: permission denied",
	16:  "EBUSY: device or resource busy",
	19:  "ENODEV: no such device",
	22:  "EINVAL: invalid argument",
	32:  "EPIPE: broken pipe",
	108: "ESHUTDOWN: cannot send after transport endpoint shutdown",
}

// DescribeErrno returns a short human-readable description of a POSIX
// errno as used on the USB/IP wire, or a generic fallback for unknown
// codes.
func DescribeErrno(errno int) string {
	if desc, ok := errnoDescriptions[errno]; ok {
		return desc
	}
	return fmt.Sprintf("errno %d", errno)
}

// isDisconnectErrno reports whether errno is one of the two codes that
// signal the remote device has gone away (used by Session.SendUnlink and
// Client.RestoreConnection).
func isDisconnectErrno(errno int) bool {
	const enoent = 2
	const enodev = 19
	return errno == enoent || errno == enodev
}
