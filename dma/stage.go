// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import (
	"github.com/pkg/errors"

	"github.com/usbarmory/kernel/kernerr"
)

// Direction is the direction of a staged transfer relative to the device.
type Direction int

const (
	// DeviceToHost is a read: the device writes into memory.
	DeviceToHost Direction = iota
	// HostToDevice is a write: the device reads from memory.
	HostToDevice
)

// Segment is one physically (or bus) contiguous chunk of a scatter/gather
// list, addressed the way controllers address it: by raw address, not by a
// Go slice. Drivers build an iovec of Segments from whatever buffer the
// caller supplied and hand it to Stage.Prepare.
type Segment struct {
	Addr uint
	Len  int
}

// Policy describes a controller's DMA constraints: the things that decide
// whether a transfer can go directly against caller memory, or must be
// bounced through a driver-owned staging buffer first.
type Policy struct {
	Direction Direction

	// TransferMin/TransferMax bound a single descriptor's length; 0 means
	// unbounded. TransferModulo requires length to be a multiple of N
	// (many SD/MMC host controllers require block-sized transfers).
	TransferMin    int
	TransferMax    int
	TransferModulo int

	// AddressAlign requires Addr to be a multiple of N (0/1 disables).
	AddressAlign int

	// CacheLineSize, when >1, requires both Addr and Len to be multiples
	// of the line size so the controller never shares a cache line with
	// unrelated data. Set to 1 on coherent platforms.
	CacheLineSize int
}

// Memory abstracts the cache maintenance and raw-address copies a staging
// engine needs, so Stage can be driven by a fake in tests instead of real
// physical memory and cache instructions.
type Memory interface {
	// DMACapable reports whether the range [addr, addr+len) is memory
	// the controller can access directly at all (some platforms have
	// DMA-incapable memory windows, e.g. behind an IOMMU hole).
	DMACapable(addr uint, length int) bool
	Flush(addr uint, length int)
	Invalidate(addr uint, length int)
	CopyFrom(addr uint, dst []byte)
	CopyTo(addr uint, src []byte)
}

// Stage implements the bounce/direct DMA staging engine: given a policy, a
// scatter/gather list and a bounce buffer, it decides per-segment whether a
// direct transfer can be issued against the segment as-is, or whether the
// segment (or the misaligned head/tail of it) must be staged through the
// bounce buffer instead. This mirrors dma_prepare/dma_finalise in the
// apex kernel's sys/kern/dma.cpp: Prepare runs before the controller is
// told about the transfer, Finalise runs after it completes and is
// responsible for copying bounced data back for DeviceToHost transfers.
type Stage struct {
	Policy Policy
	Memory Memory

	// Bounce is the driver-owned staging buffer and BounceAddr its
	// device-visible address. Prepare carves pieces of it out linearly;
	// callers size it for the largest transfer they intend to stage.
	Bounce     []byte
	BounceAddr uint
	bounceOff  int

	// staged records, per prepared segment, whether it was bounced and
	// (if so) where in Bounce its copy lives, so Finalise can copy back
	// without re-deriving the decision.
	staged []stagedSegment
}

type stagedSegment struct {
	bounced    bool
	origAddr   uint
	origLen    int
	bounceAddr uint
	bounceOff  int
}

// Reset clears staged segment bookkeeping and rewinds the bounce cursor,
// making the Stage reusable for a new transfer.
func (s *Stage) Reset() {
	s.bounceOff = 0
	s.staged = nil
}

// eligible reports whether a segment can be transferred directly against
// caller memory without bouncing, per the policy's alignment and cache-line
// constraints.
func (s *Stage) eligible(seg Segment) bool {
	p := s.Policy

	if s.Memory != nil && !s.Memory.DMACapable(seg.Addr, seg.Len) {
		return false
	}

	if p.AddressAlign > 1 && seg.Addr%uint(p.AddressAlign) != 0 {
		return false
	}

	if p.CacheLineSize > 1 {
		if seg.Addr%uint(p.CacheLineSize) != 0 {
			return false
		}

		if seg.Len%p.CacheLineSize != 0 {
			return false
		}
	}

	if p.TransferModulo > 0 && seg.Len%p.TransferModulo != 0 {
		return false
	}

	if p.TransferMin > 0 && seg.Len < p.TransferMin {
		return false
	}

	return true
}

// truncate clamps a direct transfer's length to the policy's TransferMax
// and TransferModulo, the way a real controller descriptor would: the
// caller (addTransfer) gets called again for the remainder.
func (s *Stage) truncate(length int) int {
	p := s.Policy

	if p.TransferMax > 0 && length > p.TransferMax {
		length = p.TransferMax

		if p.TransferModulo > 0 {
			length -= length % p.TransferModulo
		}
	}

	return length
}

// addBounce carves a length-byte piece out of the bounce buffer for seg,
// copying caller data into it first for HostToDevice transfers (there is
// nothing useful to copy in for DeviceToHost; Finalise copies the result
// back out instead).
func (s *Stage) addBounce(seg Segment, off int, length int) (stagedSegment, error) {
	if s.bounceOff+length > len(s.Bounce) {
		return stagedSegment{}, errors.Wrap(kernerr.NoSpace, "dma bounce buffer exhausted")
	}

	bOff := s.bounceOff
	bAddr := s.BounceAddr + uint(bOff)

	if s.Policy.Direction == HostToDevice {
		dst := s.Bounce[bOff : bOff+length]
		s.Memory.CopyFrom(seg.Addr+uint(off), dst)
	}

	s.bounceOff += length

	return stagedSegment{
		bounced:    true,
		origAddr:   seg.Addr + uint(off),
		origLen:    length,
		bounceAddr: bAddr,
		bounceOff:  bOff,
	}, nil
}

// Prepare walks length bytes of iov starting at iovOffset and, for each
// chunk, calls addTransfer with either the original address (direct) or a
// bounce-buffer address (staged), split as the policy's TransferMax and
// alignment constraints require. addTransfer returns false to stop early
// (e.g. the controller's descriptor ring is full); Prepare then returns the
// number of bytes it managed to queue.
//
// Prepare flushes the cache for any directly-addressed HostToDevice ranges
// and for bounce-buffer ranges it just filled, so the transfer is coherent
// by the time the controller sees it.
func (s *Stage) Prepare(iov []Segment, iovOffset int, length int, addTransfer func(addr uint, length int) bool) (int, error) {
	queued := 0
	segIdx, segOff := locate(iov, iovOffset)

	for queued < length && segIdx < len(iov) {
		seg := iov[segIdx]
		avail := seg.Len - segOff
		want := min(avail, length-queued)

		if s.eligible(Segment{Addr: seg.Addr + uint(segOff), Len: want}) {
			want = s.truncate(want)

			addr := seg.Addr + uint(segOff)

			if s.Policy.Direction == HostToDevice && s.Memory != nil {
				s.Memory.Flush(addr, want)
			}

			s.staged = append(s.staged, stagedSegment{origAddr: addr, origLen: want})

			if !addTransfer(addr, want) {
				return queued, nil
			}
		} else {
			// Stage the unaligned/ineligible chunk through the bounce
			// buffer. We bounce the whole remaining run of this segment
			// (up to TransferMax) rather than just the misaligned head,
			// since once a segment needs bouncing at all there is no
			// benefit to partial-direct-transferring the aligned tail.
			want = s.truncate(want)

			st, err := s.addBounce(seg, segOff, want)
			if err != nil {
				return queued, err
			}

			if s.Policy.Direction == HostToDevice && s.Memory != nil {
				s.Memory.Flush(st.bounceAddr, want)
			}

			s.staged = append(s.staged, st)

			if !addTransfer(st.bounceAddr, want) {
				return queued, nil
			}
		}

		queued += want
		segOff += want

		if segOff >= seg.Len {
			segIdx++
			segOff = 0
		}
	}

	return queued, nil
}

// Finalise runs after the controller reports completion of a transfer
// previously set up by Prepare. For DeviceToHost transfers it invalidates
// (or, for bounced segments, invalidates and copies back) every staged
// range so the caller observes what the device wrote; for HostToDevice
// transfers there is nothing left to do, the device already read committed
// data. transferred is the byte count the controller actually completed,
// which may be less than what Prepare queued on a short transfer.
func (s *Stage) Finalise(transferred int) {
	if s.Policy.Direction == HostToDevice {
		s.Reset()
		return
	}

	remaining := transferred

	for _, st := range s.staged {
		if remaining <= 0 {
			break
		}

		n := min(remaining, st.origLen)

		if st.bounced {
			if s.Memory != nil {
				s.Memory.Invalidate(st.bounceAddr, n)
			}

			dst := s.Bounce[st.bounceOff : st.bounceOff+n]

			if s.Memory != nil {
				s.Memory.CopyTo(st.origAddr, dst)
			}
		} else if s.Memory != nil {
			s.Memory.Invalidate(st.origAddr, n)
		}

		remaining -= n
	}

	s.Reset()
}

// locate finds the (segment index, intra-segment offset) for a byte offset
// into an iovec.
func locate(iov []Segment, offset int) (idx int, off int) {
	for idx = 0; idx < len(iov); idx++ {
		if offset < iov[idx].Len {
			return idx, offset
		}

		offset -= iov[idx].Len
	}

	return idx, 0
}
