// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package reg provides primitives for retrieving and modifying hardware
// registers through a Map, rather than through raw unsafe.Pointer
// arithmetic on a physical address.
//
// tamago itself talks to registers by casting a physical address straight
// to *uint32 (see the original internal/reg package under GOOS=tamago,
// GOARCH=arm): that only works with a real MMIO window backing the
// address. The Map seam lets the same bit-twiddling helpers run against
// any implementation of it: FakeMap, an in-memory register file for tests,
// is the only one this package provides.
package reg

import (
	"runtime"
	"time"
)

// Map is a 32-bit little-endian register window: a block device driver
// for registers instead of blocks.
type Map interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, val uint32)
}

// Get returns the value at a specific bit position and with a bitmask
// applied.
func Get(m Map, offset uint32, pos int, mask int) uint32 {
	return (m.Read32(offset) >> pos) & uint32(mask)
}

// Set modifies the register by setting an individual bit at the position
// argument.
func Set(m Map, offset uint32, pos int) {
	m.Write32(offset, m.Read32(offset)|(1<<uint(pos)))
}

// SetTo sets or clears an individual bit depending on val.
func SetTo(m Map, offset uint32, pos int, val bool) {
	if val {
		Set(m, offset, pos)
	} else {
		Clear(m, offset, pos)
	}
}

// Clear modifies the register by clearing an individual bit at the
// position argument.
func Clear(m Map, offset uint32, pos int) {
	m.Write32(offset, m.Read32(offset)&^(1<<uint(pos)))
}

// SetN modifies the register by setting a value at a specific bit position
// and with a bitmask applied.
func SetN(m Map, offset uint32, pos int, mask int, val uint32) {
	r := m.Read32(offset)
	r = (r &^ (uint32(mask) << uint(pos))) | (val << uint(pos))
	m.Write32(offset, r)
}

// ClearN clears all bits of mask at the given bit position.
func ClearN(m Map, offset uint32, pos int, mask int) {
	m.Write32(offset, m.Read32(offset)&^(uint32(mask)<<uint(pos)))
}

// Read returns the raw register value.
func Read(m Map, offset uint32) uint32 {
	return m.Read32(offset)
}

// Write sets the raw register value.
func Write(m Map, offset uint32, val uint32) {
	m.Write32(offset, val)
}

// Or ors val into the register.
func Or(m Map, offset uint32, val uint32) {
	m.Write32(offset, m.Read32(offset)|val)
}

// Wait spins until a specific register bit field matches a value.
func Wait(m Map, offset uint32, pos int, mask int, val uint32) {
	for Get(m, offset, pos, mask) != val {
		runtime.Gosched()
	}
}

// WaitFor spins, until a timeout expires, for a specific register bit field
// to match a value. The return boolean indicates whether the wait condition
// was met (true) or whether it timed out (false).
func WaitFor(m Map, timeout time.Duration, offset uint32, pos int, mask int, val uint32) bool {
	start := time.Now()

	for Get(m, offset, pos, mask) != val {
		runtime.Gosched()

		if time.Since(start) >= timeout {
			return false
		}
	}

	return true
}
