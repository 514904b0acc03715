// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package reg

import "sync"

// FakeMap is an in-memory Map backed by a plain byte-addressed register
// file. It is used by driver unit tests (mmc/fsl, usb/fsl) that exercise
// register-level state machines without real hardware.
type FakeMap struct {
	mu   sync.Mutex
	regs map[uint32]uint32

	// Trace records every write, in order, for tests that assert on the
	// sequence of register accesses rather than just the final state.
	Trace []Access
}

// Access records a single write observed by FakeMap.
type Access struct {
	Offset uint32
	Val    uint32
}

// NewFakeMap returns an empty FakeMap; unread registers read as zero.
func NewFakeMap() *FakeMap {
	return &FakeMap{regs: make(map[uint32]uint32)}
}

// Read32 implements Map.
func (f *FakeMap) Read32(offset uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.regs[offset]
}

// Write32 implements Map.
func (f *FakeMap) Write32(offset uint32, val uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.regs[offset] = val
	f.Trace = append(f.Trace, Access{Offset: offset, Val: val})
}

// Poke sets a register value directly, bypassing Trace, so tests can seed
// hardware state (e.g. a status register a state machine polls).
func (f *FakeMap) Poke(offset uint32, val uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.regs[offset] = val
}
