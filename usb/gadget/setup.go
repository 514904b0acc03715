// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package gadget implements a composite USB device-mode (UDC) framework:
// a device carrying a list of configurations, each a list of functions
// owning interfaces and endpoints, an event loop draining controller
// interrupts, and standard request dispatch.
//
// It is adapted from the apex kernel's USB stack and from the
// usbarmory-tamago imx6/soc/nxp/usb driver: the standard-request
// vocabulary, the endpoint direction/transfer-type constants and the
// dQH/dTD-era setup-phase quirk of SET_ADDRESS being deferred to after
// the status stage all mirror that driver's
// setup.go/endpoint.go, generalised behind the Controller interface so
// the framework itself never touches a register.
package gadget

import "encoding/binary"

// Endpoint directions.
const (
	OUT = 0
	IN  = 1
)

// Endpoint transfer types.
const (
	TransferControl     = 0
	TransferIsochronous = 1
	TransferBulk        = 2
	TransferInterrupt   = 3
)

// Standard request codes (USB 2.0 Table 9-4).
const (
	GetStatus        = 0
	ClearFeature     = 1
	SetFeature       = 3
	SetAddress       = 5
	GetDescriptor    = 6
	SetDescriptor    = 7
	GetConfiguration = 8
	SetConfiguration = 9
	GetInterface     = 10
	SetInterface     = 11
	SynchFrame       = 12
)

// Descriptor types (USB 2.0 Table 9-5, plus the IAD ECN).
const (
	DescriptorDevice                  = 1
	DescriptorConfiguration           = 2
	DescriptorString                  = 3
	DescriptorInterface               = 4
	DescriptorEndpoint                = 5
	DescriptorDeviceQualifier         = 6
	DescriptorOtherSpeedConfiguration = 7
	DescriptorInterfacePower          = 8
	DescriptorOTG                     = 9
	DescriptorDebug                   = 10
	DescriptorInterfaceAssociation    = 11
)

// Standard feature selectors (USB 2.0 Table 9-6).
const (
	FeatureEndpointHalt       = 0
	FeatureDeviceRemoteWakeup = 1
	FeatureTestMode           = 2
)

// requestTypeDirBit is the bit position of the device-to-host direction
// flag within bRequestType (USB 2.0 Table 9-2).
const requestTypeDirBit = 7

// SetupData is the eight-byte control request header (USB 2.0 Table
// 9-2). Value/Index/Length arrive from the controller already
// byte-swapped into host order; see Controller.ReadSetup.
type SetupData struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// DeviceToHost reports the request's data-stage direction.
func (s SetupData) DeviceToHost() bool {
	return (s.RequestType>>requestTypeDirBit)&1 == 1
}

// Bytes marshals a SetupData back to its wire encoding (little endian,
// matching the controller's byte order once swapped).
func (s SetupData) Bytes() []byte {
	b := make([]byte, 8)
	b[0] = s.RequestType
	b[1] = s.Request
	binary.LittleEndian.PutUint16(b[2:], s.Value)
	binary.LittleEndian.PutUint16(b[4:], s.Index)
	binary.LittleEndian.PutUint16(b[6:], s.Length)
	return b
}

func trim(buf []byte, wLength uint16) []byte {
	if int(wLength) < len(buf) {
		buf = buf[:wLength]
	}
	return buf
}
