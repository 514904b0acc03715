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

	"github.com/pkg/errors"

	"github.com/usbarmory/kernel/bits"
	"github.com/usbarmory/kernel/dma"
	"github.com/usbarmory/kernel/internal/reg"
	"github.com/usbarmory/kernel/kernerr"
	"github.com/usbarmory/kernel/mmc"
)

// buildADMA2ChainFor splits a size-byte transfer at bufAddr into
// admaBDMaxLength-capped descriptor entries and returns their encoded
// bytes, ready to be written into DMA memory as one contiguous chain
// (p3964, 58.4.2.4.1 ADMA Concept and Descriptor Format, IMX6ULLRM).
// Mirrors ADMABufferDescriptor.Init/Bytes in soc/nxp/usdhc/adma.go, but
// the linked list is materialized directly in DMA memory instead of a
// Go struct chain.
func buildADMA2ChainFor(bufAddr uint, size int) []byte {
	var entries [][]byte

	addr := uint32(bufAddr)
	remaining := size

	for remaining > 0 {
		n := remaining
		attr := uint8(admaActTransfer<<admaAttrAct | 1<<admaAttrValid)

		if n <= admaBDMaxLength {
			attr |= 1 << admaAttrEnd
		} else {
			n = admaBDMaxLength
		}

		entry := make([]byte, admaDescSize)
		entry[0] = attr
		binary.LittleEndian.PutUint16(entry[2:4], uint16(n))
		binary.LittleEndian.PutUint32(entry[4:8], addr)

		entries = append(entries, entry)

		addr += uint32(n)
		remaining -= n
	}

	if len(entries) == 0 {
		entry := make([]byte, admaDescSize)
		entry[0] = uint8(admaActTransfer<<admaAttrAct | 1<<admaAttrValid | 1<<admaAttrEnd)
		entries = append(entries, entry)
	}

	chain := make([]byte, 0, len(entries)*admaDescSize)
	for _, e := range entries {
		chain = append(chain, e...)
	}
	return chain
}

// admaDescCount reports how many descriptor entries buildADMA2ChainFor
// would emit for a transfer of size bytes (used by tests to check the
// "ADMA2 descriptor count <= 16" scenario without re-deriving the chain).
func admaDescCount(size int) int {
	if size == 0 {
		return 1
	}
	n := size / admaBDMaxLength
	if size%admaBDMaxLength != 0 {
		n++
	}
	return n
}

// SendCommand implements mmc.Host (p349, 35.4.3 Send command to card
// flow chart, IMX6ULLRM, and p347/p354, 35.5.1/35.5.2 data transfer,
// IMX6FG).
func (c *Controller) SendCommand(cmd *mmc.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	timeout := c.waitTimeout()

	reg.Write(c.Map, c.reg(regINT_STATUS), 0xffffffff)
	reg.Write(c.Map, c.reg(regINT_STATUS_EN), 0xffffffff)

	if !reg.WaitFor(c.Map, timeout, c.reg(regPRES_STATE), presStateCIHB, 1, 0) {
		return errors.Wrapf(kernerr.TimedOut, "CMD%d command inhibit", cmd.CmdIndex())
	}

	blocks := uint32(cmd.Blocks)
	if blocks > 0 && !reg.WaitFor(c.Map, timeout, c.reg(regPRES_STATE), presStateCDIHB, 1, 0) {
		return errors.Wrapf(kernerr.TimedOut, "CMD%d data inhibit", cmd.CmdIndex())
	}

	reg.Write(c.Map, c.reg(regINT_STATUS), 0xffffffff)

	if cmd.Direction == mmc.DataWrite && reg.Get(c.Map, c.reg(regPRES_STATE), presStateWPSPL, 1) == 0 {
		return errors.Wrap(kernerr.Permission, "card is write protected")
	}

	var bufAddr uint
	var admaAddr uint

	if blocks > 0 {
		reg.SetN(c.Map, c.reg(regBLK_ATT), blkAttBLKSIZE, 0x1fff, uint32(cmd.BlockSize))
		reg.SetN(c.Map, c.reg(regBLK_ATT), blkAttBLKCNT, 0xffff, blocks)

		bufAddr = dma.Alloc(cmd.Buf, 32)
		defer dma.Free(bufAddr)

		chain := buildADMA2ChainFor(bufAddr, len(cmd.Buf))
		admaAddr = dma.Alloc(chain, 4)
		defer dma.Free(admaAddr)

		reg.Write(c.Map, c.reg(regADMA_SYS_ADDR), uint32(admaAddr))
		reg.SetN(c.Map, c.reg(regPROT_CTRL), protCtrlDMASEL, 0b11, dmaSelADMA2)
		reg.Write(c.Map, c.reg(regINT_SIGNAL_EN), 0xffffffff)
	}

	reg.Write(c.Map, c.reg(regCMD_ARG), cmd.Argument)

	xfr := reg.Read(c.Map, c.reg(regCMD_XFR_TYP))
	mix := reg.Read(c.Map, c.reg(regMIX_CTRL))

	bits.SetN(&xfr, cmdXfrTypCMDINX, 0b111111, cmd.CmdIndex())
	bits.SetN(&xfr, cmdXfrTypCMDTYP, 0b11, 0)
	bits.SetTo(&xfr, cmdXfrTypCICEN, cmd.ResponseContainsIndex())
	bits.SetTo(&xfr, cmdXfrTypCCCEN, cmd.ResponseCRCValid())
	bits.SetTo(&mix, mixCtrlDDREN, c.ddr)

	doneBit := intStatusCC

	if blocks > 0 {
		doneBit = intStatusTC
		bits.Set(&xfr, cmdXfrTypDPSEL)
		bits.Set(&mix, mixCtrlDMAEN)
		bits.Set(&mix, mixCtrlAC12EN)
		bits.SetTo(&mix, mixCtrlMSBSEL, blocks > 1)
		bits.SetTo(&mix, mixCtrlBCEN, blocks > 1)
	} else {
		bits.Clear(&xfr, cmdXfrTypDPSEL)
		bits.Clear(&mix, mixCtrlAC12EN)
		bits.Clear(&mix, mixCtrlBCEN)
		bits.Clear(&mix, mixCtrlDMAEN)
		bits.Clear(&mix, mixCtrlMSBSEL)
	}

	rspTyp := uint32(0b00)
	switch cmd.Response {
	case mmc.ResponseR2:
		rspTyp = 0b01
	case mmc.ResponseR1b, mmc.ResponseR5b:
		rspTyp = 0b11
	case mmc.ResponseNone:
		rspTyp = 0b00
	default:
		rspTyp = 0b10
	}
	bits.SetN(&xfr, cmdXfrTypRSPTYP, 0b11, rspTyp)

	dtdSel := uint32(0)
	if cmd.Direction == mmc.DataRead {
		dtdSel = 1
	}
	bits.SetN(&mix, mixCtrlDTDSEL, 1, dtdSel)

	reg.Write(c.Map, c.reg(regMIX_CTRL), mix)
	reg.Write(c.Map, c.reg(regCMD_XFR_TYP), xfr)

	if !reg.WaitFor(c.Map, timeout, c.reg(regINT_STATUS), doneBit, 1, 1) {
		return errors.Wrapf(kernerr.TimedOut, "CMD%d timeout pres_state=%#x int_status=%#x",
			cmd.CmdIndex(), reg.Read(c.Map, c.reg(regPRES_STATE)), reg.Read(c.Map, c.reg(regINT_STATUS)))
	}

	reg.Write(c.Map, c.reg(regINT_SIGNAL_EN), 0)

	status := reg.Read(c.Map, c.reg(regINT_STATUS))
	if status>>16 > 0 {
		return errors.Wrapf(kernerr.Io, "CMD%d error int_status=%#x adma=%#x",
			cmd.CmdIndex(), status, reg.Read(c.Map, c.reg(regADMA_ERR_STATUS)))
	}

	for i := 0; i < 4; i++ {
		cmd.Rsp[i] = reg.Read(c.Map, c.reg(regCMD_RSP0)+uint32(4*i))
	}

	if blocks > 0 && cmd.Direction == mmc.DataRead {
		dma.Read(bufAddr, 0, cmd.Buf)
	}

	return nil
}
