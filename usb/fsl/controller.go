// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package fsl

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/usbarmory/kernel/bits"
	"github.com/usbarmory/kernel/dma"
	"github.com/usbarmory/kernel/internal/reg"
	"github.com/usbarmory/kernel/kernerr"
	"github.com/usbarmory/kernel/usb/gadget"
)

// endpointState tracks the bookkeeping this driver keeps on the Go side
// for an endpoint direction: the hardware's own queue head only carries
// what the next transaction needs, not a full configuration record.
type endpointState struct {
	configured    bool
	transferType  int
	maxPacketSize int
}

// Controller drives one Freescale/NXP USBOH3USBO2 instance in device
// mode, implementing gadget.Controller.
type Controller struct {
	mu sync.Mutex

	Map  reg.Map
	Base uint32

	eps [maxEndpoints][2]endpointState

	epListAddr uint32
	dQHAddr    [maxEndpoints][2]uint32
}

// New returns a Controller for the instance whose register window starts
// at base within m.
func New(m reg.Map, base uint32) *Controller {
	return &Controller{Map: m, Base: base}
}

func (c *Controller) reg(offset uint32) uint32 { return c.Base + offset }

// Init resets the controller, switches it to device mode and brings up
// endpoint 0, mirroring soc/nxp/usb's DeviceMode (p3872, 56.6.33 USB
// Device Mode, IMX6ULLRM).
func (c *Controller) Init() {
	c.mu.Lock()
	defer c.mu.Unlock()

	reg.Set(c.Map, c.reg(regUSBCMD), cmdRST)
	reg.Wait(c.Map, c.reg(regUSBCMD), cmdRST, 1, 0)

	m := reg.Read(c.Map, c.reg(regUSBMODE))
	m = (m &^ (0b11 << usbmodeCM)) | (usbmodeCMDevice << usbmodeCM)
	m |= 1 << usbmodeSLOM
	m &^= 1 << usbmodeSDIS
	reg.Write(c.Map, c.reg(regUSBMODE), m)
	reg.Wait(c.Map, c.reg(regUSBMODE), usbmodeCM, 0b11, usbmodeCMDevice)

	c.initQH()
	c.setQH(0, gadget.IN, 64, true)
	c.setQH(0, gadget.OUT, 64, true)

	reg.Set(c.Map, c.reg(regOTGSC), otgscOT)
	reg.Write(c.Map, c.reg(regUSBSTS), 0xffffffff)
	reg.Set(c.Map, c.reg(regUSBCMD), cmdRS)
}

// Speed returns the negotiated port speed.
func (c *Controller) Speed() string {
	switch reg.Get(c.Map, c.reg(regPORTSC1), portscPSPD, 0b11) {
	case 0b00:
		return "full"
	case 0b10:
		return "high"
	default:
		return "low"
	}
}

// initQH allocates the endpoint queue head list in DMA memory and points
// ENDPTLISTADDR at it (p3783, 56.4.5 Device Data Structures, IMX6ULLRM).
func (c *Controller) initQH() {
	list := make([]byte, maxEndpoints*2*dqhSize)
	c.epListAddr = uint32(dma.Alloc(list, 2048))
	reg.Write(c.Map, c.reg(regENDPTLISTADDR), c.epListAddr)
}

// setQH configures an endpoint queue head (p3784, 56.4.5.1 Endpoint
// Queue Head, IMX6ULLRM).
func (c *Controller) setQH(n int, dir int, max int, zlt bool) {
	var q dQH

	bits.SetN(&q.Info, infoMPL, 0x7ff, uint32(max))
	if !zlt {
		bits.SetN(&q.Info, infoZLT, 1, 1)
	}
	if n == 0 {
		bits.Set(&q.Info, infoIOS)
	}
	bits.Set(&q.Token, tokenIOC)

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, &q)

	offset := (n*2 + dir) * dqhSize
	dma.Write(uint(c.epListAddr), offset, buf.Bytes())

	c.dQHAddr[n][dir] = c.epListAddr + uint32(offset)
}

func (c *Controller) epctrl(n int) uint32 { return c.reg(regENDPTCTRL) + uint32(4*n) }

// ConfigureEndpoint implements gadget.Controller: it sets up the queue
// head and enables the endpoint (p3784/p3879, IMX6ULLRM).
func (c *Controller) ConfigureEndpoint(n int, dir int, transferType int, maxPacketSize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 || n >= maxEndpoints {
		return errors.Wrapf(kernerr.Range, "endpoint %d", n)
	}

	c.setQH(n, dir, maxPacketSize, transferType != gadget.TransferControl)

	ctrl := c.epctrl(n)
	v := reg.Read(c.Map, ctrl)

	if dir == gadget.IN {
		bits.Set(&v, endptctrlTXE)
		bits.Set(&v, endptctrlTXR)
		bits.SetN(&v, endptctrlTXT, 0b11, uint32(transferType))
		if reg.Get(c.Map, ctrl, endptctrlRXE, 1) == 0 {
			bits.SetN(&v, endptctrlRXT, 0b11, gadget.TransferBulk)
		}
	} else {
		bits.Set(&v, endptctrlRXE)
		bits.Set(&v, endptctrlRXR)
		bits.SetN(&v, endptctrlRXT, 0b11, uint32(transferType))
		if reg.Get(c.Map, ctrl, endptctrlTXE, 1) == 0 {
			bits.SetN(&v, endptctrlTXT, 0b11, gadget.TransferBulk)
		}
	}
	reg.Write(c.Map, ctrl, v)

	st := &c.eps[n][dir]
	st.configured = true
	st.transferType = transferType
	st.maxPacketSize = maxPacketSize

	return nil
}

// Reset implements gadget.Controller: it disables and un-configures every
// non-control endpoint, called when SET_CONFIGURATION tears down the
// active configuration and on bus reset.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for n := 1; n < maxEndpoints; n++ {
		ctrl := c.epctrl(n)
		v := reg.Read(c.Map, ctrl)
		bits.Clear(&v, endptctrlTXE)
		bits.Clear(&v, endptctrlRXE)
		reg.Write(c.Map, ctrl, v)

		c.eps[n][gadget.IN] = endpointState{}
		c.eps[n][gadget.OUT] = endpointState{}
	}

	return nil
}

// busReset performs the bus-reset recovery procedure (p3792, 56.4.6.2.1
// Bus Reset, IMX6ULLRM): clear setup/completion semaphores, flush every
// endpoint buffer, and wait for the port reset signal to deassert.
func (c *Controller) busReset() {
	setup := c.reg(regENDPTSETUPSTAT)
	complete := c.reg(regENDPTCOMPLETE)
	flush := c.reg(regENDPTFLUSH)

	reg.Write(c.Map, setup, reg.Read(c.Map, setup))
	reg.Write(c.Map, complete, reg.Read(c.Map, complete))
	reg.Write(c.Map, flush, 0xffffffff)

	reg.Wait(c.Map, c.reg(regPORTSC1), portscPR, 1, 0)
	reg.Or(c.Map, c.reg(regUSBSTS), (1<<stsURI | 1<<stsUI))
}
