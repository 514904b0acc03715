// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package tty

// txRing is the transmit ring: a fixed power-of-two buffer addressed by
// a dequeue cursor (pos, advanced by the driver via TxGetc/TxAdvance)
// and an enqueue cursor (end, advanced by Write/echo), the same
// monotonic-cursor shape as vfs.Pipe's ring (spec §3 "transmit ring of
// 4 KiB, position cursor for partial driver dequeue, end cursor for
// newly-queued data").
type txRing struct {
	buf [ringSize]byte
	pos uint64
	end uint64
}

func (r *txRing) queued() int { return int(r.end - r.pos) }
func (r *txRing) room() int   { return ringSize - r.queued() }

func (r *txRing) reset() {
	r.pos, r.end = 0, 0
}

// enqueue appends data to the ring. Caller must have checked room().
func (r *txRing) enqueue(data []byte) {
	for _, b := range data {
		r.buf[r.end&(ringSize-1)] = b
		r.end++
	}
}

// getc dequeues one byte for the driver.
func (r *txRing) getc() (byte, bool) {
	if r.queued() == 0 {
		return 0, false
	}

	b := r.buf[r.pos&(ringSize-1)]
	r.pos++
	return b, true
}

// getbuf returns up to max queued bytes without consuming them, capped
// at the contiguous run before the ring wraps (a DMA-driving caller
// issues a second getbuf call after advancing past the wrap point).
func (r *txRing) getbuf(max int) []byte {
	n := r.queued()
	if n > max {
		n = max
	}

	start := int(r.pos & (ringSize - 1))
	if start+n > ringSize {
		n = ringSize - start
	}

	return r.buf[start : start+n]
}

// advance retires n bytes the driver has finished transmitting.
func (r *txRing) advance(n int) {
	if n > r.queued() {
		n = r.queued()
	}
	r.pos += uint64(n)
}
