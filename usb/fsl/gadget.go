// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package fsl

import (
	"github.com/usbarmory/kernel/bits"
	"github.com/usbarmory/kernel/internal/reg"
	"github.com/usbarmory/kernel/usb/gadget"
)

// Tx implements gadget.Controller: it sends data through ep's IN
// direction and, for ep0, follows it with the OUT status phase ZLP
// (p3803, 56.4.6.4.2.3 Status Phase, IMX6ULLRM).
func (c *Controller) Tx(ep int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.transfer(ep, gadget.IN, data); err != nil {
		return err
	}

	if ep == 0 {
		_, err := c.transfer(ep, gadget.OUT, nil)
		return err
	}

	return nil
}

// Rx implements gadget.Controller.
func (c *Controller) Rx(ep int, max int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.transfer(ep, gadget.OUT, make([]byte, max))
}

// Ack implements gadget.Controller: a zero-length IN transfer.
func (c *Controller) Ack(ep int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.transfer(ep, gadget.IN, nil)
	return err
}

// Stall implements gadget.Controller.
func (c *Controller) Stall(ep int, dir int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctrl := c.epctrl(ep)
	if dir == gadget.IN {
		reg.Set(c.Map, ctrl, endptctrlTXS)
	} else {
		reg.Set(c.Map, ctrl, endptctrlRXS)
	}
	return nil
}

// SetHalt implements gadget.Controller's SET_FEATURE/CLEAR_FEATURE
// (ENDPOINT_HALT) plumbing. Clearing halt on a non-control endpoint
// also resets its data toggle (spec §8 "for non-ep0 endpoints, CLEAR
// also resets the data toggle"), mirroring soc/nxp/usb's reset().
func (c *Controller) SetHalt(ep int, dir int, halt bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctrl := c.epctrl(ep)

	if halt {
		if dir == gadget.IN {
			reg.Set(c.Map, ctrl, endptctrlTXS)
		} else {
			reg.Set(c.Map, ctrl, endptctrlRXS)
		}
		return nil
	}

	if dir == gadget.IN {
		reg.Clear(c.Map, ctrl, endptctrlTXS)
	} else {
		reg.Clear(c.Map, ctrl, endptctrlRXS)
	}

	if ep != 0 {
		v := reg.Read(c.Map, ctrl)
		if dir == gadget.IN {
			bits.Set(&v, endptctrlTXR)
		} else {
			bits.Set(&v, endptctrlRXR)
		}
		reg.Write(c.Map, ctrl, v)
	}

	return nil
}

// IsHalted implements gadget.Controller.
func (c *Controller) IsHalted(ep int, dir int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctrl := c.epctrl(ep)
	if dir == gadget.IN {
		return reg.Get(c.Map, ctrl, endptctrlTXS, 1) == 1
	}
	return reg.Get(c.Map, ctrl, endptctrlRXS, 1) == 1
}

// SetAddress implements gadget.Controller (p3854, 56.6.22 Device
// Address (USB_nDEVICEADDR), IMX6ULLRM). The framework only calls this
// after the SET_ADDRESS status stage has completed.
func (c *Controller) SetAddress(addr uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	reg.Set(c.Map, c.reg(regDEVICEADDR), deviceaddrUSBADRA)
	reg.SetN(c.Map, c.reg(regDEVICEADDR), deviceaddrUSBADR, 0x7f, uint32(addr))
	return nil
}
