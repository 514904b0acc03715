// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package tty

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/usbarmory/kernel/kernerr"
)

// GetTermios implements TCGETS.
func (t *TTY) GetTermios() unix.Termios {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.termios
}

// SetWhen selects when SetTermios takes effect: TCSETS applies
// immediately, TCSETSW drains output first, TCSETSF drains output and
// additionally flushes queued input (spec §4.2 "ioctl").
type SetWhen int

const (
	TCSETS SetWhen = iota
	TCSETSW
	TCSETSF
)

// SetTermios implements TCSETS/TCSETSW/TCSETSF.
func (t *TTY) SetTermios(tio unix.Termios, when SetWhen) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if when == TCSETSW || when == TCSETSF {
		for t.tx.queued() > 0 {
			if t.destroyed {
				return errors.Wrap(kernerr.NotFound, "tty destroyed")
			}
			t.writeCond.Wait()
		}
	}

	if when == TCSETSF {
		t.rx = t.rx[:0]
		t.processed, t.pending, t.cooked, t.readAt = 0, 0, 0, 0
	}

	t.termios = tio
	t.updateCookInput()

	return nil
}

// SetPgrp implements TIOCSPGRP.
func (t *TTY) SetPgrp(pgrp int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pgrp = pgrp
}

// GetPgrp implements TIOCGPGRP.
func (t *TTY) GetPgrp() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pgrp
}

// Flush implements TCFLSH (TCIFLUSH/TCOFLUSH/TCIOFLUSH).
func (t *TTY) Flush(queue int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch queue {
	case FlushInput:
		t.rx = t.rx[:0]
		t.processed, t.pending, t.cooked, t.readAt = 0, 0, 0, 0
	case FlushOutput:
		t.tx.reset()
	case FlushBoth:
		t.rx = t.rx[:0]
		t.processed, t.pending, t.cooked, t.readAt = 0, 0, 0, 0
		t.tx.reset()
	default:
		return errors.Wrap(kernerr.Invalid, "bad flush queue")
	}

	t.writeCond.Broadcast()
	return nil
}

// Drain implements TCSBRK: the core only supports the drain-only form,
// and the duration argument must be nonzero (spec §4.2 "TCSBRK (drain
// only; duration arg must be nonzero)").
func (t *TTY) Drain(duration int) error {
	if duration == 0 {
		return errors.Wrap(kernerr.NotSupported, "TCSBRK break generation")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for t.tx.queued() > 0 {
		if t.destroyed {
			return errors.Wrap(kernerr.NotFound, "tty destroyed")
		}
		t.writeCond.Wait()
	}

	return nil
}

// FlowControl implements TCXONC: TCOOFF/TCOON stop or resume output by
// directly toggling the stopped flag; TCIOFF/TCION synthesise a VSTOP
// or VSTART byte into the input pipeline, the same path a real XOFF/
// XON keypress would take (spec §4.2 "ioctl").
func (t *TTY) FlowControl(action int) error {
	t.mu.Lock()

	switch action {
	case FlowOutputOff:
		t.flags |= flagTxStopped
		t.mu.Unlock()
		return nil
	case FlowOutputOn:
		t.flags &^= flagTxStopped
		t.writeCond.Broadcast()
		t.mu.Unlock()
		return nil
	case FlowInputOff:
		b := t.termios.Cc[unix.VSTOP]
		t.mu.Unlock()
		t.RxPutc(b)
		return nil
	case FlowInputOn:
		b := t.termios.Cc[unix.VSTART]
		t.mu.Unlock()
		t.RxPutc(b)
		return nil
	default:
		t.mu.Unlock()
		return errors.Wrap(kernerr.Invalid, "bad flow control action")
	}
}

// GetWinsize implements TIOCGWINSZ.
func (t *TTY) GetWinsize() unix.Winsize {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.winsize
}

// SetWinsize implements TIOCSWINSZ.
func (t *TTY) SetWinsize(ws unix.Winsize) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.winsize = ws
}

// InputQueueLen implements TIOCINQ: the number of bytes released to Read
// and not yet read (in ICANON mode this can span more than one line).
func (t *TTY) InputQueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cooked - t.readAt
}

// OutputQueueLen implements TIOCOUTQ: bytes still queued for
// transmission.
func (t *TTY) OutputQueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tx.queued()
}

// Ioctl dispatches the named requests from spec §4.2 to the typed
// methods above, for callers that drive this device through a generic
// ioctl(2)-shaped syscall layer rather than calling the Go API
// directly.
func (t *TTY) Ioctl(req uintptr, arg interface{}) (interface{}, error) {
	switch req {
	case unix.TCGETS:
		return t.GetTermios(), nil
	case unix.TCSETS:
		tio, ok := arg.(unix.Termios)
		if !ok {
			return nil, errors.Wrap(kernerr.Invalid, "TCSETS requires a Termios argument")
		}
		return nil, t.SetTermios(tio, TCSETS)
	case unix.TCSETSW:
		tio, ok := arg.(unix.Termios)
		if !ok {
			return nil, errors.Wrap(kernerr.Invalid, "TCSETSW requires a Termios argument")
		}
		return nil, t.SetTermios(tio, TCSETSW)
	case unix.TCSETSF:
		tio, ok := arg.(unix.Termios)
		if !ok {
			return nil, errors.Wrap(kernerr.Invalid, "TCSETSF requires a Termios argument")
		}
		return nil, t.SetTermios(tio, TCSETSF)
	case unix.TIOCSPGRP:
		pgrp, ok := arg.(int32)
		if !ok {
			return nil, errors.Wrap(kernerr.Invalid, "TIOCSPGRP requires an int32 argument")
		}
		t.SetPgrp(pgrp)
		return nil, nil
	case unix.TIOCGPGRP:
		return t.GetPgrp(), nil
	case unix.TCFLSH:
		queue, _ := arg.(int)
		return nil, t.Flush(queue)
	case unix.TCSBRK:
		duration, _ := arg.(int)
		return nil, t.Drain(duration)
	case unix.TCXONC:
		action, _ := arg.(int)
		return nil, t.FlowControl(action)
	case unix.TIOCGWINSZ:
		return t.GetWinsize(), nil
	case unix.TIOCSWINSZ:
		ws, ok := arg.(unix.Winsize)
		if !ok {
			return nil, errors.Wrap(kernerr.Invalid, "TIOCSWINSZ requires a Winsize argument")
		}
		t.SetWinsize(ws)
		return nil, nil
	case unix.TIOCINQ:
		return t.InputQueueLen(), nil
	case unix.TIOCOUTQ:
		return t.OutputQueueLen(), nil
	default:
		return nil, errors.Wrap(kernerr.NotSupported, "unknown tty ioctl")
	}
}
