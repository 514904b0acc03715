// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package fsl

import (
	"encoding/binary"

	"github.com/usbarmory/kernel/dma"
	"github.com/usbarmory/kernel/internal/reg"
	"github.com/usbarmory/kernel/usb/gadget"
)

// setupOffset is the byte offset of the Setup sub-structure within a
// dQH (p3784, 56.4.5.1 Endpoint Queue Head, IMX6ULLRM): Info/Current/
// Next/Token (4 words) + Buffer[5] (5 words) + one reserved word.
const setupOffset = 4*4 + 5*4 + 4

// ReadSetup implements gadget.Controller. It first checks for a pending
// bus reset, returning ErrBusReset after running busReset; otherwise it
// waits for a setup packet on EP0 (p3801, 56.4.6.4.2.1 Setup Phase,
// IMX6ULLRM), during which a new bus reset is not observed, and returns
// the packet already decoded in standard USB
// wire byte order: unlike soc/nxp/usb's getSetup/swap, this driver
// writes and reads the Setup sub-structure in the order USB itself
// uses, so no compensating byte-swap is needed at the call site (spec
// §4.4's SetupData convention: high byte of wValue is descriptor type,
// low byte is index).
func (c *Controller) ReadSetup() (gadget.SetupData, error) {
	if reg.Get(c.Map, c.reg(regUSBSTS), stsURI, 1) == 1 {
		c.busReset()
		return gadget.SetupData{}, gadget.ErrBusReset
	}

	reg.Wait(c.Map, c.reg(regENDPTSETUPSTAT), 0, 1, 1)
	return c.getSetup(), nil
}

func (c *Controller) getSetup() gadget.SetupData {
	qh := c.dQHAddr[0][gadget.OUT]

	buf := make([]byte, 8)
	dma.Read(uint(qh), setupOffset, buf)

	setup := gadget.SetupData{
		RequestType: buf[0],
		Request:     buf[1],
		Value:       binary.LittleEndian.Uint16(buf[2:4]),
		Index:       binary.LittleEndian.Uint16(buf[4:6]),
		Length:      binary.LittleEndian.Uint16(buf[6:8]),
	}

	status := c.reg(regENDPTSETUPSTAT)
	reg.Write(c.Map, status, reg.Read(c.Map, status))
	reg.Set(c.Map, c.reg(regENDPTFLUSH), endptflushFETB+0)
	reg.Set(c.Map, c.reg(regENDPTFLUSH), endptflushFERB+0)

	return setup
}

// InjectSetup stands in for the host and the hardware's own DMA fill of
// EP0's queue head: it is how a test (or, on real hardware wired to an
// actual USB PHY, an equivalent ISR) delivers a setup packet to
// ReadSetup.
func (c *Controller) InjectSetup(setup gadget.SetupData) {
	qh := c.dQHAddr[0][gadget.OUT]

	buf := make([]byte, 8)
	buf[0] = setup.RequestType
	buf[1] = setup.Request
	binary.LittleEndian.PutUint16(buf[2:4], setup.Value)
	binary.LittleEndian.PutUint16(buf[4:6], setup.Index)
	binary.LittleEndian.PutUint16(buf[6:8], setup.Length)

	dma.Write(uint(qh), setupOffset, buf)
	reg.Set(c.Map, c.reg(regENDPTSETUPSTAT), 0)
}
