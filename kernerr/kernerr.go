// Package kernerr defines the error kinds shared by the VFS, TTY, USB
// gadget and MMC/SD subsystems.
//
// Every kind is a plain sentinel error so callers compare with errors.Is;
// subsystem code wraps a kind with github.com/pkg/errors to attach context
// ("open /a/b/c: not found") without losing the ability to compare against
// the sentinel.
package kernerr

import "errors"

// Kinds mirror the POSIX-ish error conditions the kernel core produces
// (spec §7). They are deliberately not string-interpolated with context;
// callers use errors.Wrap/fmt.Errorf("...: %w", ...) for that.
var (
	AlreadyExists = errors.New("already exists")
	NotFound      = errors.New("not found")
	NotADirectory = errors.New("not a directory")
	IsADirectory  = errors.New("is a directory")
	NotSupported  = errors.New("not supported")
	Busy          = errors.New("busy")
	NoSpace       = errors.New("no space left on device")
	ReadOnlyFs    = errors.New("read-only file system")
	TooManyLinks  = errors.New("too many links")
	NameTooLong   = errors.New("name too long")
	Interrupted   = errors.New("interrupted")
	WouldBlock    = errors.New("operation would block")
	Faulted       = errors.New("bad address")
	Io            = errors.New("i/o error")
	TimedOut      = errors.New("timed out")
	Cancelled     = errors.New("cancelled")
	Protocol      = errors.New("protocol error")
	SequenceError = errors.New("sequence error")
	Overflow      = errors.New("overflow")
	Invalid       = errors.New("invalid argument")
	Permission    = errors.New("permission denied")
	Range         = errors.New("out of range")
	PipeClosed    = errors.New("broken pipe")

	// CrossDevice is returned by rename(2) across filesystems (spec §9
	// Open Questions: "rename across filesystems returns -EXDEV").
	CrossDevice = errors.New("cross-device link")
)
