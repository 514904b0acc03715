// First-fit memory allocator for DMA buffers
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

// block is a bookkeeping record for one allocated or free span of a
// Region's address space; it holds no storage of its own, Region.backing
// does, and Region.bytes is the only thing that ever turns an addr/size
// pair into actual memory.
type block struct {
	// addr is the block's logical address within its Region.
	addr uint
	// size is the block's length in bytes.
	size uint
	// res distinguishes regular (Alloc/Free) and reserved
	// (Reserve/Release) blocks.
	res bool
}
