// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package fsl implements gadget.Controller for the Freescale/NXP
// USBOH3USBO2 device-mode USB2 controller (the USBOTG/USBOH3 core found
// in several i.MX SoCs), adopting:
//   - IMX6ULLRM - i.MX 6ULL Applications Processor Reference Manual - Rev 1
//   - USB2.0    - USB Specification Revision 2.0
//
// It is adapted from usbarmory-tamago's soc/nxp/usb driver, translated
// onto two host-testable seams instead of raw physical-address access:
// registers go through internal/reg.Map and transfer descriptor memory
// goes through the dma package's real (pinned, host-workable) allocator
// rather than a bare-metal-only physical region.
package fsl

// Register offsets, relative to Base (p3823, 56.6 USB Core Memory
// Map/Register Definition, IMX6ULLRM).
const (
	regUSBCMD          = 0x140
	cmdRST             = 1
	cmdRS              = 0

	regUSBSTS          = 0x144
	stsURI             = 6
	stsUI              = 0

	regUSBINTR         = 0x148

	regDEVICEADDR      = 0x154
	deviceaddrUSBADR   = 25
	deviceaddrUSBADRA  = 24

	regENDPTLISTADDR   = 0x158

	regPORTSC1         = 0x184
	portscPSPD         = 26
	portscPR           = 8

	regOTGSC           = 0x1a4
	otgscOT            = 3

	regUSBMODE         = 0x1a8
	usbmodeSDIS        = 4
	usbmodeSLOM        = 3
	usbmodeCM          = 0
	usbmodeCMDevice    = 0b10

	regENDPTSETUPSTAT  = 0x1ac

	regENDPTPRIME      = 0x1b0
	endptprimePETB     = 16
	endptprimePERB     = 0

	regENDPTFLUSH      = 0x1b4
	endptflushFETB     = 16
	endptflushFERB     = 0

	regENDPTSTAT       = 0x1b8

	regENDPTCOMPLETE   = 0x1bc
	endptcompleteETBR  = 16
	endptcompleteERBR  = 0

	regENDPTCTRL       = 0x1c0
	endptctrlTXE       = 23
	endptctrlTXR       = 22
	endptctrlTXT       = 18
	endptctrlTXS       = 16
	endptctrlRXE       = 7
	endptctrlRXR       = 6
	endptctrlRXT       = 2
	endptctrlRXS       = 0
)

// Endpoint queue head / transfer descriptor geometry (p3784-3787,
// 56.4.5.1/56.4.5.2, IMX6ULLRM). maxEndpoints matches the controller's
// hardware limit; dtdPages is the hard cap on 4 KiB buffer pointers a
// single dTD carries, which is why transfers longer than dtdPages pages
// are split across a dTD chain (spec §4.4 "5-page-per-dTD chains").
const (
	maxEndpoints = 8

	dtdPages    = 5
	dtdPageSize = 4096
	dtdMaxBytes = dtdPages * dtdPageSize
)

// dQH implements p3784, 56.4.5.1 Endpoint Queue Head, IMX6ULLRM. It
// lives in DMA memory rather than as an ordinary Go value: the
// controller (real or simulated) reads/writes it by address.
type dQH struct {
	Info    uint32
	Current uint32
	Next    uint32
	Token   uint32
	Buffer  [5]uint32
	_       uint32
	Setup   setupRaw
	_       [4]uint32
}

// setupRaw is the eight raw bytes of a setup packet as the controller
// DMA-fills them into a dQH, before any endianness normalisation.
type setupRaw struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// dTD implements p3787, 56.4.5.2 Endpoint Transfer Descriptor, IMX6ULLRM.
type dTD struct {
	Next   uint32
	Token  uint32
	Buffer [5]uint32
}

const (
	dqhSize = 64
	dtdSize = 28

	infoMult = 30
	infoZLT  = 29
	infoMPL  = 16
	infoIOS  = 15

	tokenTotal  = 16
	tokenIOC    = 15
	tokenMultO  = 10
	tokenActive = 7
	tokenStatusMask = 0xff
)
