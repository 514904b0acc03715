// https://github.com/usbarmory/tamago
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package bits provides primitives for bitwise get/set/clear access to
// register-shaped uint32 values: a single flag bit (Get/Set/Clear/SetTo)
// or a multi-bit field at a given shift and mask (GetN/SetN). internal/reg
// carries its own Map-based equivalents; this package is used directly
// wherever a driver already holds the register word (mmc/fsl, usb/fsl
// transfer-descriptor/queue-head bitfields).
package bits

// Get reports whether bit pos of *addr is set.
func Get(addr *uint32, pos int) bool {
	return *addr&(1<<uint(pos)) != 0
}

// Set sets bit pos of *addr.
func Set(addr *uint32, pos int) {
	*addr |= 1 << uint(pos)
}

// Clear clears bit pos of *addr.
func Clear(addr *uint32, pos int) {
	*addr &^= 1 << uint(pos)
}

// SetTo sets or clears bit pos of *addr according to val.
func SetTo(addr *uint32, pos int, val bool) {
	if val {
		Set(addr, pos)
	} else {
		Clear(addr, pos)
	}
}

// GetN returns the mask-wide field at bit offset pos of *addr.
func GetN(addr *uint32, pos int, mask int) uint32 {
	return (*addr >> uint(pos)) & uint32(mask)
}

// SetN replaces the mask-wide field at bit offset pos of *addr with val,
// leaving the surrounding bits untouched.
func SetN(addr *uint32, pos int, mask int, val uint32) {
	*addr = (*addr &^ (uint32(mask) << uint(pos))) | (val << uint(pos))
}
