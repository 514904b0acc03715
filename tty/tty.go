// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package tty implements a POSIX termios line discipline in front of an
// arbitrary physical driver (UART, virtual console, simulated keyboard).
//
// It is adapted from the apex kernel's sys/dev/tty/tty.cpp: the same
// receive/commit/cooked cursor model and the same seven-step input
// pipeline, rebuilt around a single mutex and sync.Cond instead of a
// worker thread fed by a wake semaphore — Go's goroutines make the
// irq-context/task-context split the original needs unnecessary, so
// RxPutc/RxPutbuf run the cook pipeline inline rather than deferring to a
// drained worker.
package tty

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/usbarmory/kernel/kernerr"
)

// Log is the package logger; callers may replace it before use.
var Log = logrus.StandardLogger()

// ringSize is the transmit ring capacity (spec §3 "transmit ring of
// 4 KiB"), a power of two so cursor arithmetic can mask instead of mod.
const ringSize = 4096

// stateFlag mirrors the tty flag bits from the data model (§3):
// cook_input, rx_blocked_on_tx_full, tx_stopped, rx_overflow.
type stateFlag uint8

const (
	flagCookInput stateFlag = 1 << iota
	flagRxBlockedOnTxFull
	flagTxStopped
	flagRxOverflow
)

// Signal numbers delivered to the foreground process group by ISIG
// processing. These are plain ints, not os/signal values: the VFS/TTY
// core has no process model of its own (spec §5), so delivery is a
// caller-supplied callback.
const (
	SIGINT  = 2
	SIGQUIT = 3
	SIGTSTP = 20
)

// Flush queue selectors for Flush (TCFLSH).
const (
	FlushInput = iota
	FlushOutput
	FlushBoth
)

// Flow control actions for FlowControl (TCXONC).
const (
	FlowOutputOff = iota
	FlowOutputOn
	FlowInputOff
	FlowInputOn
)

// tabdly/XTABS are not exposed by golang.org/x/sys/unix (its Termios
// Oflag constants stop short of the tab-delay mask); the value matches
// the Linux termios.h encoding, octal 0014000.
const tabdlyXTABS = 0014000

// TTY is one character device instance: termios state, the receive
// cursor triple (processed/pending/cooked), and a transmit ring.
//
// Receive side: bytes handed to RxPutc/RxPutbuf are appended to rx and then
// walked by cook from processed to len(rx). Where the original pipeline
// would consume bytes from a pool of fixed-size buffers, rx is a single
// growable slice addressed by three monotonic cursors (unlike vfs.Pipe,
// whose ring is a fixed power-of-two buffer), compacted back to empty
// once a read has fully drained it.
type TTY struct {
	mu sync.Mutex // state_lock

	termios   unix.Termios
	winsize   unix.Winsize
	pgrp      int32
	openCount int
	flags     stateFlag

	column     int // output column, for tab expansion and erase accounting
	lineColumn int // column at which the current canonical line began

	rx        []byte
	processed int // cook progress through rx
	pending   int // commit write position, <= processed
	cooked    int // release boundary visible to Read, <= pending
	readAt    int // bytes already delivered to Read, <= cooked

	tx txRing

	readCond  *sync.Cond
	writeCond *sync.Cond

	destroyed bool

	// Signal delivers sig to the foreground process group for ISIG
	// processing (VINTR/VQUIT/VSUSP); nil means signals are dropped,
	// which is the correct behaviour for a tty with no attached job
	// control (spec §4.2, §5: no process model in this core).
	Signal func(sig int, pgrp int32)
}

// New returns a TTY with POSIX-ish default termios: ICANON|ECHO|ECHOE|
// ECHOK|ISIG, ICRNL on input, OPOST|ONLCR on output, and the usual
// control-character bindings.
func New() *TTY {
	t := &TTY{
		termios: unix.Termios{
			Iflag: unix.ICRNL,
			Oflag: unix.OPOST | unix.ONLCR,
			Cflag: unix.CREAD | unix.CS8,
			Lflag: unix.ICANON | unix.ECHO | unix.ECHOE | unix.ECHOK | unix.ISIG,
		},
	}

	t.termios.Cc[unix.VINTR] = 3    // ^C
	t.termios.Cc[unix.VQUIT] = 28   // ^\
	t.termios.Cc[unix.VERASE] = 127 // DEL
	t.termios.Cc[unix.VKILL] = 21   // ^U
	t.termios.Cc[unix.VEOF] = 4     // ^D
	t.termios.Cc[unix.VSTART] = 17  // ^Q
	t.termios.Cc[unix.VSTOP] = 19   // ^S
	t.termios.Cc[unix.VSUSP] = 26   // ^Z
	t.termios.Cc[unix.VWERASE] = 23 // ^W
	t.termios.Cc[unix.VREPRINT] = 18
	t.termios.Cc[unix.VLNEXT] = 22
	t.termios.Cc[unix.VMIN] = 1
	t.termios.Cc[unix.VTIME] = 0

	t.readCond = sync.NewCond(&t.mu)
	t.writeCond = sync.NewCond(&t.mu)
	t.updateCookInput()

	return t
}

func (t *TTY) updateCookInput() {
	if t.termios.Lflag&(unix.ICANON|unix.ISIG|unix.ECHO) != 0 || t.termios.Iflag&unix.IXON != 0 {
		t.flags |= flagCookInput
	} else {
		t.flags &^= flagCookInput
	}
}

// Open increments the device's open count (spec §3 "open count").
func (t *TTY) Open() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openCount++
}

// Destroy marks the device destroyed and wakes every waiter, which then
// returns kernerr.NotFound (the core's -ENODEV equivalent). It returns
// at once; it does not wait for the woken readers/writers to leave.
func (t *TTY) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.destroyed = true
	t.readCond.Broadcast()
	t.writeCond.Broadcast()
}

// RxPutc feeds one raw byte from the driver (interrupt context in the
// original; an ordinary call here). It runs the cook pipeline inline.
func (t *TTY) RxPutc(b byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rx = append(t.rx, b)
	t.cook()
}

// RxPutbuf feeds a run of raw bytes from the driver.
func (t *TTY) RxPutbuf(buf []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rx = append(t.rx, buf...)
	t.cook()
}

// RxOverflow marks the input gate closed: bytes already queued past
// processed and any bytes fed in before ClearOverflow are dropped
// rather than cooked (spec §4.2 step 4, "bad input cannot survive it").
func (t *TTY) RxOverflow() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flags |= flagRxOverflow
}

// ClearOverflow reopens the input gate after RxOverflow.
func (t *TTY) ClearOverflow() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flags &^= flagRxOverflow
}

// cook walks rx from processed to the tail, applying the seven-step
// input pipeline (spec §4.2). Caller holds t.mu.
func (t *TTY) cook() {
	lflag := t.termios.Lflag
	iflag := t.termios.Iflag
	canon := lflag&unix.ICANON != 0

	for t.processed < len(t.rx) {
		b := t.rx[t.processed]

		// 1. CR/NL translation.
		switch {
		case b == '\r' && iflag&unix.IGNCR != 0:
			t.processed++
			continue
		case b == '\r' && iflag&unix.ICRNL != 0:
			b = '\n'
		case b == '\n' && iflag&unix.INLCR != 0:
			b = '\r'
		}

		// 2. Flow control.
		if iflag&unix.IXON != 0 {
			stop, start := t.termios.Cc[unix.VSTOP], t.termios.Cc[unix.VSTART]
			if stop == start && b == stop {
				t.flags ^= flagTxStopped
				if t.flags&flagTxStopped == 0 {
					t.writeCond.Broadcast()
				}
				t.processed++
				continue
			}
			if b == stop {
				t.flags |= flagTxStopped
				t.processed++
				continue
			}
			if b == start {
				t.flags &^= flagTxStopped
				t.writeCond.Broadcast()
				t.processed++
				continue
			}
		}

		// 3. Signal generation.
		if lflag&unix.ISIG != 0 {
			var sig int
			switch b {
			case t.termios.Cc[unix.VINTR]:
				sig = SIGINT
			case t.termios.Cc[unix.VQUIT]:
				sig = SIGQUIT
			case t.termios.Cc[unix.VSUSP]:
				sig = SIGTSTP
			}
			if sig != 0 {
				if t.Signal != nil {
					t.Signal(sig, t.pgrp)
				}
				if lflag&unix.NOFLSH == 0 {
					t.rx = t.rx[:0]
					t.processed, t.pending, t.cooked, t.readAt = 0, 0, 0, 0
					t.tx.reset()
					return
				}
				t.processed++
				continue
			}
		}

		// 4. Overflow gate.
		if t.flags&flagRxOverflow != 0 {
			t.processed++
			continue
		}

		// 5. Canonical erase.
		if canon {
			switch {
			case b == t.termios.Cc[unix.VERASE]:
				t.eraseOne(lflag)
				t.processed++
				continue
			case b == t.termios.Cc[unix.VWERASE]:
				t.eraseWord(lflag)
				t.processed++
				continue
			case b == t.termios.Cc[unix.VKILL]:
				t.eraseLine(lflag)
				t.processed++
				continue
			}
		}

		// EOF is consumed, never committed or echoed as data.
		if canon && b == t.termios.Cc[unix.VEOF] {
			t.cooked = t.pending
			t.processed++
			t.readCond.Broadcast()
			continue
		}

		// 6. Echo.
		if lflag&unix.ECHO != 0 || (b == '\n' && lflag&unix.ECHONL != 0) {
			if !t.echoByte(b) {
				t.flags |= flagRxBlockedOnTxFull
				return
			}
		}

		// 7. Commit.
		t.rx[t.pending] = b
		t.pending++
		t.processed++

		if canon {
			if b == '\n' || b == t.termios.Cc[unix.VEOL] || b == t.termios.Cc[unix.VEOL2] {
				t.cooked = t.pending
			}
		} else {
			t.cooked = t.pending
		}

		t.readCond.Broadcast()
	}
}

// resumeCook is called once the transmit ring reports space (TxAdvance/
// TxGetc), clearing rx_blocked_on_tx_full and continuing the pipeline
// from where echo stalled (spec §4.2: "it resumes when tx_getc/
// tx_advance reports space").
func (t *TTY) resumeCook() {
	if t.flags&flagRxBlockedOnTxFull == 0 {
		return
	}
	t.flags &^= flagRxBlockedOnTxFull
	t.cook()
}

func isControl(b byte) bool {
	return b < 0x20 && b != '\n' && b != '\t'
}

// echoByte writes b's echo representation (two-char ^X for controls,
// literal otherwise) to the transmit ring, applying the same output
// formatting as Write. It returns false without emitting anything if
// the ring lacks room.
func (t *TTY) echoByte(b byte) bool {
	var rep []byte
	if isControl(b) || b == 0x7f {
		rep = []byte{'^', b ^ 0x40}
	} else {
		rep = []byte{b}
	}

	return t.queueOutput(rep)
}

// eraseOne removes the most recently committed byte of the current
// line (spec §4.2 step 5) and, under ECHOE, rubs it out on the screen:
// three bytes for a single visible column, six for a two-column ^X
// echo.
func (t *TTY) eraseOne(lflag uint32) bool {
	if t.pending <= t.cooked {
		return true
	}

	erased := t.rx[t.pending-1]
	t.pending--

	if lflag&unix.ECHOE == 0 {
		return true
	}

	if isControl(erased) || erased == 0x7f {
		return t.queueOutput([]byte{'\b', ' ', '\b', '\b', ' ', '\b'})
	}

	return t.queueOutput([]byte{'\b', ' ', '\b'})
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' }

func (t *TTY) eraseWord(lflag uint32) {
	for t.pending > t.cooked && isSpace(t.rx[t.pending-1]) {
		t.eraseOne(lflag)
	}
	for t.pending > t.cooked && !isSpace(t.rx[t.pending-1]) {
		t.eraseOne(lflag)
	}
}

func (t *TTY) eraseLine(lflag uint32) {
	if lflag&unix.ECHOKE != 0 {
		for t.pending > t.cooked {
			t.eraseOne(lflag)
		}
		return
	}

	t.pending = t.cooked

	if lflag&unix.ECHOK != 0 {
		t.queueOutput([]byte{'\n'})
	}
}

// Read blocks until a full line (ICANON) or any data (raw mode) is
// available, copying it into buf and advancing readAt. In ICANON mode a
// read stops after the first '\n', VEOL or VEOL2 byte; a line released
// by VEOF carries no such byte and is not separated from cooked bytes
// that follow it. Once the device has been destroyed with nothing left
// queued, Read returns kernerr.NotFound.
func (t *TTY) Read(buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for t.readAt >= t.cooked {
		if t.destroyed {
			return 0, errors.Wrap(kernerr.NotFound, "tty destroyed")
		}
		t.readCond.Wait()
	}

	end := t.cooked
	if t.termios.Lflag&unix.ICANON != 0 {
		for i := t.readAt; i < t.cooked; i++ {
			if b := t.rx[i]; b == '\n' || b == t.termios.Cc[unix.VEOL] || b == t.termios.Cc[unix.VEOL2] {
				end = i + 1
				break
			}
		}
	}

	n := copy(buf, t.rx[t.readAt:end])
	t.readAt += n

	if t.readAt == t.cooked && t.cooked == t.pending && t.pending == t.processed && t.processed == len(t.rx) {
		t.rx = t.rx[:0]
		t.readAt, t.cooked, t.pending, t.processed = 0, 0, 0, 0
	}

	return n, nil
}

// Write formats buf through oproc (tab expansion, ONLCR) and queues it
// for transmission, one source byte at a time so a full ring stops the
// call at a byte boundary rather than mid-escape (spec §4.2 "Output").
func (t *TTY) Write(buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	oflag := t.termios.Oflag
	n := 0

	for _, b := range buf {
		var out []byte

		switch {
		case b == '\t' && oflag&unix.OPOST != 0 && oflag&tabdlyXTABS == tabdlyXTABS:
			spaces := 8 - (t.column % 8)
			out = make([]byte, spaces)
			for i := range out {
				out[i] = ' '
			}
		case b == '\n' && oflag&unix.OPOST != 0 && oflag&unix.ONLCR != 0:
			out = []byte{'\r', '\n'}
		case b == '\r' && oflag&unix.OPOST != 0 && oflag&unix.OCRNL != 0:
			out = []byte{'\n'}
		default:
			out = []byte{b}
		}

		for {
			if t.destroyed {
				return n, errors.Wrap(kernerr.NotFound, "tty destroyed")
			}
			if t.tx.room() >= len(out) && t.flags&flagTxStopped == 0 {
				break
			}
			t.writeCond.Wait()
		}

		t.tx.enqueue(out)

		if b == '\n' {
			t.column = 0
		} else {
			t.column++
		}

		n++
	}

	return n, nil
}

// queueOutput attempts a non-blocking enqueue of already-formatted
// bytes (used by echo/erase, which must never sleep: spec §4.2 "If the
// output queue fills during echo/erase, the worker ... returns").
func (t *TTY) queueOutput(data []byte) bool {
	if t.tx.room() < len(data) {
		return false
	}

	t.tx.enqueue(data)
	t.writeCond.Broadcast()
	return true
}

// TxGetc returns the next byte for the driver to transmit, or
// (0, false) if the ring is empty (spec §4.2 "tx_getc").
func (t *TTY) TxGetc() (byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.tx.getc()
	if ok {
		t.writeCond.Broadcast()
		t.resumeCook()
	}

	return b, ok
}

// TxGetbuf returns up to max queued bytes without consuming them, for a
// driver that DMAs straight out of the ring (spec §4.2 "tx_getbuf").
func (t *TTY) TxGetbuf(max int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tx.getbuf(max)
}

// TxAdvance retires n bytes the driver has finished transmitting.
func (t *TTY) TxAdvance(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tx.advance(n)
	t.writeCond.Broadcast()
	t.resumeCook()
}

// TxComplete signals that the transmit ring has fully drained.
func (t *TTY) TxComplete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeCond.Broadcast()
}

// TxEmpty reports whether the transmit ring has no queued bytes.
func (t *TTY) TxEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tx.queued() == 0
}
