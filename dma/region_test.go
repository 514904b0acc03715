package dma

import (
	"bytes"
	"testing"
)

func TestAllocReadWriteFree(t *testing.T) {
	r := NewPinned(4096)

	src := []byte("hello dma")
	addr := r.Alloc(src, 0)
	if addr == 0 {
		t.Fatalf("Alloc() = 0, want a nonzero address")
	}

	got := make([]byte, len(src))
	r.Read(addr, 0, got)
	if !bytes.Equal(got, src) {
		t.Fatalf("Read() = %q, want %q", got, src)
	}

	r.Write(addr, 0, []byte("HELLO dma"))
	r.Read(addr, 0, got)
	if !bytes.Equal(got, []byte("HELLO dma")) {
		t.Fatalf("Read() after Write() = %q, want %q", got, "HELLO dma")
	}

	r.Free(addr)

	// a second allocation of the same size should reuse the freed block
	addr2 := r.Alloc(src, 0)
	if addr2 != addr {
		t.Fatalf("Alloc() after Free() = %#x, want reused address %#x", addr2, addr)
	}
}

func TestAllocRespectsAlignment(t *testing.T) {
	r := NewPinned(4096)

	addr := r.Alloc([]byte{1, 2, 3}, 32)
	if addr%32 != 0 {
		t.Fatalf("Alloc() address %#x is not 32-byte aligned", addr)
	}
}

func TestReserveReturnsBackingSlice(t *testing.T) {
	r := NewPinned(4096)

	addr, buf := r.Reserve(16, 0)
	if addr == 0 {
		t.Fatalf("Reserve() address = 0, want nonzero")
	}
	if len(buf) != 16 {
		t.Fatalf("Reserve() buf len = %d, want 16", len(buf))
	}

	res, gotAddr := r.Reserved(buf)
	if !res {
		t.Fatalf("Reserved() = false for a buffer returned by Reserve()")
	}
	if gotAddr != addr {
		t.Fatalf("Reserved() addr = %#x, want %#x", gotAddr, addr)
	}

	// a plain heap buffer, never handed out by Reserve, must not match
	other := make([]byte, 16)
	if res, _ := r.Reserved(other); res {
		t.Fatalf("Reserved() = true for a buffer never returned by Reserve()")
	}

	r.Release(addr)
}

func TestAllocSkipsReservedCopy(t *testing.T) {
	r := NewPinned(4096)

	addr, buf := r.Reserve(8, 0)
	copy(buf, []byte("ABCDEFGH"))

	// Alloc on a buffer already backed by this region must return the
	// existing address unchanged, not copy it into a fresh block.
	if got := r.Alloc(buf, 0); got != addr {
		t.Fatalf("Alloc() on a Reserve()'d buffer = %#x, want %#x", got, addr)
	}
}
