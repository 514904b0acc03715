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

	"github.com/pkg/errors"

	"github.com/usbarmory/kernel/bits"
	"github.com/usbarmory/kernel/dma"
	"github.com/usbarmory/kernel/internal/reg"
	"github.com/usbarmory/kernel/kernerr"
	"github.com/usbarmory/kernel/usb/gadget"
)

// errorDTD wraps a dTD's error status bits (p3787, IMX6ULLRM) into a
// kernerr.Io-comparable error.
func errorDTD(index int, token uint32) error {
	return errors.Wrapf(kernerr.Io, "dTD[%d] error status token=%#x", index, token)
}

// planChain splits a transfer of length bytes into the per-dTD byte
// counts a real transaction would need, honouring the 5-page-per-dTD
// cap (spec §4.4 "Transaction lifecycle (fsl_usb2): 5-page-per-dTD
// chains"). A zero-length transfer still produces one (empty) dTD, the
// shape a status-stage ZLP needs.
func planChain(length int) []int {
	if length == 0 {
		return []int{0}
	}

	var sizes []int
	for remaining := length; remaining > 0; {
		n := remaining
		if n > dtdMaxBytes {
			n = dtdMaxBytes
		}
		sizes = append(sizes, n)
		remaining -= n
	}
	return sizes
}

// buildDTD allocates and fills one transfer descriptor in DMA memory
// (p3787, 56.4.5.2 Endpoint Transfer Descriptor, IMX6ULLRM), returning
// its DMA address.
func buildDTD(bufAddr uint, bufOff int, size int) uint32 {
	var d dTD

	bits.Set(&d.Token, tokenIOC)
	bits.Set(&d.Token, tokenActive)
	bits.SetN(&d.Token, tokenTotal, 0xffff, uint32(size))
	d.Next = 1

	base := uint32(bufAddr) + uint32(bufOff)
	for p := 0; p < dtdPages; p++ {
		d.Buffer[p] = base + uint32(dtdPageSize*p)
	}

	b := new(bytes.Buffer)
	binary.Write(b, binary.LittleEndian, &d)

	return uint32(dma.Alloc(b.Bytes()[:dtdSize], 32))
}

// dtdToken reads back a dTD's Token word (offset 4 within the encoding
// above) from DMA memory.
func dtdToken(dtdAddr uint32) uint32 {
	buf := make([]byte, 4)
	dma.Read(uint(dtdAddr), 4, buf)
	return binary.LittleEndian.Uint32(buf)
}

// dtdSetNext writes dst's Next pointer (offset 0) to point at the dTD
// at nextAddr, chaining the two descriptors.
func dtdSetNext(dstAddr uint32, nextAddr uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, nextAddr)
	dma.Write(uint(dstAddr), 0, b)
}

// qhSetNext writes a queue head's dQH_NEXT pointer (offset 8, p3784,
// IMX6ULLRM) to the head of a dTD chain.
func qhSetNext(qhAddr uint32, dtdAddr uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, dtdAddr)
	dma.Write(uint(qhAddr), 8, b)
}

// transfer runs a chained dTD transaction moving buf between the
// controller and one endpoint direction (p3810, 56.4.6.6.3 Executing A
// Transfer Descriptor, IMX6ULLRM). For dir == gadget.OUT, buf supplies
// the destination capacity and the returned slice is the prefix
// actually received.
//
// This driver collapses hardware's async prime -> interrupt -> complete
// sequence into one synchronous call: the register sequence below
// (prime, then retire) is exactly what a real completion interrupt
// handler would observe, but there is no separate irq-context wakeup —
// the same redesign tty made for its input pipeline (a synchronous
// cook() replacing a worker/semaphore split) now that goroutines stand
// in for the irq/task-context separation a bare-metal driver needs.
func (c *Controller) transfer(n int, dir int, buf []byte) ([]byte, error) {
	if n != 0 && !c.eps[n][dir].configured {
		return nil, errors.Wrapf(kernerr.NotFound, "endpoint %d not configured", n)
	}

	pos := dir*16 + n

	size := len(buf)
	if dir == gadget.OUT && buf == nil {
		size = dtdMaxBytes
		buf = make([]byte, size)
	}

	bufAddr := dma.Alloc(buf, dtdPageSize)
	defer dma.Free(bufAddr)

	chain := planChain(size)

	dtdAddrs := make([]uint32, len(chain))
	off := 0
	for i, n := range chain {
		dtdAddrs[i] = buildDTD(bufAddr, off, n)
		off += n
	}
	for i := 1; i < len(dtdAddrs); i++ {
		dtdSetNext(dtdAddrs[i-1], dtdAddrs[i])
	}
	defer func() {
		for _, a := range dtdAddrs {
			dma.Free(uint(a))
		}
	}()

	qh := c.dQHAddr[n][dir]
	qhSetNext(qh, dtdAddrs[0])
	reg.Set(c.Map, c.reg(regENDPTPRIME), pos)

	// Synchronous completion: nothing drives real silicon in this
	// model, so the transaction this call primed is also the one it
	// retires, in the same order a real ATDTW re-prime check observes
	// (prime and active both clear together once a dTD retires).
	reg.Clear(c.Map, c.reg(regENDPTPRIME), pos)
	reg.Set(c.Map, c.reg(regENDPTCOMPLETE), pos)

	for _, a := range dtdAddrs {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, dtdToken(a)&^(1<<tokenActive))
		dma.Write(uint(a), 4, b)
	}

	received := 0
	for i, dtdAddr := range dtdAddrs {
		token := dtdToken(dtdAddr)
		if token&tokenStatusMask != 0 {
			return nil, errorDTD(i, token)
		}
		received += chain[i]
	}

	if dir == gadget.OUT {
		out := make([]byte, received)
		dma.Read(bufAddr, 0, out)
		return out, nil
	}

	return nil, nil
}
