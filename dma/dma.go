// First-fit memory allocator for DMA buffers
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma provides primitives for direct memory allocation, alignment
// and cache-safe bounce buffering. It is used by device drivers (usb/fsl,
// mmc/fsl) to avoid passing Go pointers for DMA purposes. It also provides
// a staging engine for transfers that cannot go directly to hardware
// (Stage/Prepare/Finalise in stage.go), which neither driver calls.
package dma

import (
	"container/list"
)

// regionStart is NewPinned's logical base address. It must never be 0:
// Free, Read and Write all treat address 0 as a "nothing allocated there"
// sentinel, so the first block a Region ever hands out must not land on it.
const regionStart = 1

// Init initializes a Region of size bytes of its own backing storage,
// addressed starting at the logical address start. Unlike the bare-metal
// original, there is no physical memory window to reserve here: start only
// needs to be stable, and nonzero, for the life of the Region.
func (r *Region) Init(start uint, size uint) {
	r.Lock()
	defer r.Unlock()

	r.start = start
	r.size = size

	if r.backing == nil {
		r.backing = make([]byte, size)
	}

	r.freeBlocks = list.New()
	r.freeBlocks.PushFront(&block{addr: start, size: size})

	r.usedBlocks = make(map[uint]*block)
	r.reserved = make(map[*byte]uint)
}

// NewPinned creates a Region with size bytes of fresh backing storage,
// ready for use without a bare-metal address range to borrow from (host
// tests, the portable build of this module).
func NewPinned(size uint) *Region {
	r := &Region{}
	r.Init(regionStart, size)

	return r
}

// Init initializes the global DMA region used by package-level helpers
// (Reserve, Alloc, Read, Write, Free, Release) and by drivers that do not
// hold their own Region.
func Init(start uint, size uint) {
	dma = &Region{}
	dma.Init(start, size)
}

// SetDefault installs r as the global DMA region used by package-level
// helpers. Board code normally calls Init instead; SetDefault exists so
// tests and portable (non bare-metal) callers can install a NewPinned
// region without knowing a physical address in advance.
func SetDefault(r *Region) {
	dma = r
}

// Reserve is the equivalent of Region.Reserve() on the global DMA region.
func Reserve(size int, align int) (addr uint, buf []byte) {
	return dma.Reserve(size, align)
}

// Reserved is the equivalent of Region.Reserved() on the global DMA region.
func Reserved(buf []byte) (res bool, addr uint) {
	return dma.Reserved(buf)
}

// Alloc is the equivalent of Region.Alloc() on the global DMA region.
func Alloc(buf []byte, align int) (addr uint) {
	return dma.Alloc(buf, align)
}

// Read is the equivalent of Region.Read() on the global DMA region.
func Read(addr uint, off int, buf []byte) {
	dma.Read(addr, off, buf)
}

// Write is the equivalent of Region.Write() on the global DMA region.
func Write(addr uint, off int, buf []byte) {
	dma.Write(addr, off, buf)
}

// Free is the equivalent of Region.Free() on the global DMA region.
func Free(addr uint) {
	dma.Free(addr)
}

// Release is the equivalent of Region.Release() on the global DMA region.
func Release(addr uint) {
	dma.Release(addr)
}
