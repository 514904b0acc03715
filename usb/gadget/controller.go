// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package gadget

// Controller is the seam a hardware driver (e.g. usb/fsl) implements so
// this package never touches a register directly. Endpoint numbers here
// are the same dense, per-direction numbering the Device assigns at
// configuration time (spec §4.4 "endpoint numbers are assigned densely
// starting at 1").
type Controller interface {
	// ReadSetup blocks until a setup packet is available on endpoint 0
	// and returns it in host byte order, already past any
	// controller-specific endianness quirk.
	ReadSetup() (SetupData, error)

	// Tx queues data for an IN transfer on ep and blocks until the
	// controller has accepted it (not necessarily until the host has
	// read it). A zero-length call sends a status/ZLP packet.
	Tx(ep int, data []byte) error

	// Rx blocks until an OUT transfer completes on ep and returns the
	// received bytes, up to max.
	Rx(ep int, max int) ([]byte, error)

	// Ack sends a zero-length status packet on ep (IN direction for
	// host-to-device requests, since the status stage direction is
	// always opposite the data stage).
	Ack(ep int) error

	// Stall halts ep in the given direction as a protocol error
	// response (USB 2.0 §8.4.5), e.g. an unsupported setup request.
	Stall(ep int, dir int) error

	// ConfigureEndpoint prepares ep/dir for use with the given transfer
	// type and max packet size, called once per endpoint when its
	// owning function starts.
	ConfigureEndpoint(ep int, dir int, transferType int, maxPacketSize int) error

	// SetHalt sets or clears the halt (STALL) condition on ep/dir,
	// implementing CLEAR_FEATURE/SET_FEATURE(ENDPOINT_HALT). Clearing
	// halt on a non-control endpoint also resets its data toggle (spec
	// §8 "USB ENDPOINT_HALT").
	SetHalt(ep int, dir int, halt bool) error

	// IsHalted reports ep/dir's current halt condition, for
	// GET_STATUS(ENDPOINT) and the v_get_stall testable property.
	IsHalted(ep int, dir int) bool

	// SetAddress programs the device's USB bus address. The framework
	// calls this only after the SET_ADDRESS status stage has completed
	// (spec §8 "USB setup address"), never before.
	SetAddress(addr uint8) error

	// Reset returns every non-control endpoint to its unconfigured
	// state, called when the bus signals a reset or SET_CONFIGURATION
	// tears down the active configuration.
	Reset() error
}
