package dma

import (
	"bytes"
	"testing"
)

// fakeMemory models a flat byte array as "physical memory", with every
// range DMA-capable and cache maintenance a no-op (coherent) unless a test
// opts into tracking flush/invalidate calls.
type fakeMemory struct {
	mem []byte

	flushed     []Segment
	invalidated []Segment
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{mem: make([]byte, size)}
}

func (f *fakeMemory) DMACapable(addr uint, length int) bool {
	return addr+uint(length) <= uint(len(f.mem))
}

func (f *fakeMemory) Flush(addr uint, length int) {
	f.flushed = append(f.flushed, Segment{Addr: addr, Len: length})
}

func (f *fakeMemory) Invalidate(addr uint, length int) {
	f.invalidated = append(f.invalidated, Segment{Addr: addr, Len: length})
}

func (f *fakeMemory) CopyFrom(addr uint, dst []byte) {
	copy(dst, f.mem[addr:addr+uint(len(dst))])
}

func (f *fakeMemory) CopyTo(addr uint, src []byte) {
	copy(f.mem[addr:addr+uint(len(src))], src)
}

// TestStageDirectTransfer exercises a HostToDevice transfer whose single
// segment is already aligned: Prepare must hand the controller the
// original address unmodified (no bounce).
func TestStageDirectTransfer(t *testing.T) {
	mem := newFakeMemory(4096)
	copy(mem.mem[0x100:], []byte("hello world"))

	s := &Stage{
		Policy: Policy{Direction: HostToDevice, AddressAlign: 4, CacheLineSize: 1},
		Memory: mem,
	}

	var got []Segment

	n, err := s.Prepare([]Segment{{Addr: 0x100, Len: 11}}, 0, 11, func(addr uint, length int) bool {
		got = append(got, Segment{Addr: addr, Len: length})
		return true
	})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	if n != 11 {
		t.Fatalf("Prepare() queued = %d, want 11", n)
	}

	if len(got) != 1 || got[0].Addr != 0x100 {
		t.Fatalf("expected a single direct transfer at 0x100, got %#v", got)
	}

	s.Finalise(n)
}

// TestStageBounceMisaligned forces bouncing by requiring an alignment the
// segment doesn't satisfy, and checks the bounce buffer receives a copy of
// the caller's data for a HostToDevice transfer.
func TestStageBounceMisaligned(t *testing.T) {
	mem := newFakeMemory(4096)
	copy(mem.mem[0x101:], []byte("misaligned"))

	bounce := make([]byte, 64)

	s := &Stage{
		Policy: Policy{Direction: HostToDevice, AddressAlign: 4},
		Memory: mem,
		Bounce: bounce,
		// BounceAddr lies outside the fake memory's [0,4096): Stage never
		// copies through it, it only hands it to addTransfer and to cache
		// maintenance as the bounce buffer's device address.
		BounceAddr: 0x1000,
	}

	var got []Segment

	n, err := s.Prepare([]Segment{{Addr: 0x101, Len: 10}}, 0, 10, func(addr uint, length int) bool {
		got = append(got, Segment{Addr: addr, Len: length})
		return true
	})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	if n != 10 {
		t.Fatalf("Prepare() queued = %d, want 10", n)
	}

	if len(got) != 1 || got[0].Addr != 0x1000 {
		t.Fatalf("expected a bounced transfer at 0x1000, got %#v", got)
	}

	if !bytes.Equal(bounce[:10], []byte("misaligned")) {
		t.Fatalf("bounce buffer = %q, want %q", bounce[:10], "misaligned")
	}

	s.Finalise(n)
}

// TestStageDeviceToHostBounceCopiesBack checks that Finalise copies bounced
// data back into the original address range for a DeviceToHost transfer.
func TestStageDeviceToHostBounceCopiesBack(t *testing.T) {
	mem := newFakeMemory(4096)
	bounce := make([]byte, 64)

	s := &Stage{
		Policy:     Policy{Direction: DeviceToHost, AddressAlign: 4},
		Memory:     mem,
		Bounce:     bounce,
		BounceAddr: 0x1000,
	}

	n, err := s.Prepare([]Segment{{Addr: 0x201, Len: 8}}, 0, 8, func(addr uint, length int) bool {
		return true
	})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	// simulate the device having written into the bounce buffer
	copy(bounce[:8], []byte("deviceio"))

	s.Finalise(n)

	if !bytes.Equal(mem.mem[0x201:0x201+8], []byte("deviceio")) {
		t.Fatalf("Finalise() did not copy bounced data back: got %q", mem.mem[0x201:0x201+8])
	}
}

// TestStageIdempotence exercises the idempotence property from spec §8: a
// Prepare/Finalise round trip that queues zero bytes (an empty transfer)
// must neither touch memory nor leave staged state behind, so a Stage can
// be reused immediately and repeatedly for a sequence of transfers without
// accumulating side effects between them.
func TestStageIdempotence(t *testing.T) {
	mem := newFakeMemory(4096)
	bounce := make([]byte, 64)

	s := &Stage{
		Policy:     Policy{Direction: HostToDevice, AddressAlign: 4},
		Memory:     mem,
		Bounce:     bounce,
		BounceAddr: 0x1000,
	}

	for i := 0; i < 3; i++ {
		n, err := s.Prepare(nil, 0, 0, func(addr uint, length int) bool {
			t.Fatalf("addTransfer called for a zero-length transfer")
			return true
		})
		if err != nil {
			t.Fatalf("Prepare() error = %v", err)
		}

		if n != 0 {
			t.Fatalf("Prepare() queued = %d, want 0", n)
		}

		s.Finalise(n)

		if len(s.staged) != 0 {
			t.Fatalf("Stage retained %d staged segments after Finalise()", len(s.staged))
		}

		if s.bounceOff != 0 {
			t.Fatalf("Stage bounce cursor = %d after Finalise(), want 0", s.bounceOff)
		}
	}
}
