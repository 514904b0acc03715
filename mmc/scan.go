// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmc

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/usbarmory/kernel/kernerr"
)

// CSD/status bit positions (p131, Table 4-42, SD-PL-7.10; p160, Table
// 68, JESD84-B51). csdRspOff mirrors CSD_RSP_OFF: the controller's
// response registers drop the 8-bit start/index/CRC/end framing that a
// 136-bit R2 response carries on the wire, so every CSD field position
// below is quoted 8 bits lower than its datasheet bit number.
const (
	csdRspOff = -8

	statusCurrentState = 9
	statusSwitchError  = 7
	statusAppCmd       = 5
	currentStateIdent  = 2
	currentStateTran   = 4

	sdCSDStructure    = 126 + csdRspOff
	sdCSDCSizeMult1   = 47 + csdRspOff
	sdCSDCSize1       = 62 + csdRspOff
	sdCSDReadBlLen1   = 80 + csdRspOff
	sdCSDCSize2       = 48 + csdRspOff
	sdCSDReadBlLen2   = 80 + csdRspOff

	mmcCSDSpecVers  = 122 + csdRspOff
	mmcCSDTranSpeed = 96 + csdRspOff
	mmcCSDReadBlLen = 80 + csdRspOff
	mmcCSDCSize     = 62 + csdRspOff
	mmcCSDCSizeMult = 47 + csdRspOff

	sdOCRBusy   = 31
	sdOCRHCS    = 30
	sdOCRVDDLV  = 7
	sdOCRVDDHV  = 15

	mmcOCRBusy       = 31
	mmcOCRAccessMode = 29
	mmcOCRVDDHV      = 15

	extCSDSecCount       = 212
	extCSDDeviceType     = 196
	extCSDBusWidth       = 183
	extCSDPartitionCfg   = 179

	partitionAccessNone = 0x0
	partitionAccessRPMB = 0x3

	hsSDRMbps  = 25
	sdr50Mbps  = 50
	sdr104Mbps = 75
	hsDDRMbps  = 104
)

func rspVal(cmd *Command, pos int, mask uint32) uint32 {
	if pos < 0 {
		return 0
	}
	return (cmd.Rsp[pos/32] >> uint(pos%32)) & mask
}

// Scan runs the bus scan state machine: power-up, CMD0, SD detection
// falling back to MMC, then the per-family address/capability sequence
// (spec §4.5 "Scan state machine"). It is driven by a bus-changed
// debounce timer in a full implementation; callers (board code, or a
// test) invoke it directly here since the debounce itself has no
// subsystem-specific semantics worth modelling.
func (c *Controller) Scan() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.Host.CardPresent() {
		return errors.Wrap(kernerr.NotFound, "no card detected")
	}

	c.card = CardInfo{}
	c.rca = 0

	if err := c.Host.Reset(); err != nil {
		return err
	}

	if err := c.Host.SetBusWidth(1); err != nil {
		return err
	}
	if err := c.Host.SetClock(400, false); err != nil {
		return err
	}

	cmd0 := &Command{Index: 0, Response: ResponseNone}
	if err := c.runCommandLocked(cmd0); err != nil {
		return errors.Wrap(kernerr.Io, "CMD0 GO_IDLE_STATE")
	}

	if c.probeSD() {
		return c.initSD()
	}
	if c.probeMMC() {
		return c.initMMC()
	}

	return errors.Wrap(kernerr.NotFound, "no SD or MMC card responded to identification")
}

// probeSD runs CMD8 voltage validation followed by the ACMD41 polling
// loop (p351, 35.4.4 SD voltage validation flow chart, IMX6FG).
func (c *Controller) probeSD() bool {
	const checkPattern = 0xaa
	arg := uint32(0x100 | checkPattern)

	cmd8 := &Command{Index: 8, Argument: arg, Response: ResponseR7}
	highVoltage := c.runCommandLocked(cmd8) == nil && cmd8.Rsp[0] == arg

	var ocr uint32
	if highVoltage {
		ocr |= 1 << sdOCRHCS
		ocr |= 1 << sdOCRVDDHV
	} else {
		ocr |= 1 << sdOCRVDDLV
	}

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		acmd41 := &Command{Index: ACMD(41), Argument: ocr, Response: ResponseR3}
		if c.runCommandLocked(acmd41) != nil {
			return false
		}

		rsp := acmd41.Rsp[0]
		if (rsp>>sdOCRBusy)&1 == 0 {
			continue
		}

		c.card.HC = (rsp>>sdOCRHCS)&1 == 1
		c.card.SD = true
		c.card.Rate = hsSDRMbps
		return true
	}

	return false
}

// probeMMC runs the CMD1 SEND_OP_COND polling loop (p352, 35.4.6 MMC
// voltage validation flow chart, IMX6FG).
func (c *Controller) probeMMC() bool {
	var ocr uint32
	ocr |= 0b10 << mmcOCRAccessMode
	ocr |= 0x1ff << mmcOCRVDDHV

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		cmd1 := &Command{Index: 1, Argument: ocr, Response: ResponseR3}
		if c.runCommandLocked(cmd1) != nil {
			return false
		}

		rsp := cmd1.Rsp[0]
		if (rsp>>mmcOCRBusy)&1 == 0 {
			continue
		}

		c.card.HC = (rsp>>mmcOCRAccessMode)&0b11 == 0b10
		c.card.MMC = true
		return true
	}

	return false
}

// initSD carries the post-identification half of the SD flow chart:
// CID, RCA assignment, CSD parsing and select-card (p57, 4.2.3 Card
// Initialization and Identification Process, SD-PL-7.10).
func (c *Controller) initSD() error {
	cmd2 := &Command{Index: 2, Response: ResponseR2}
	if err := c.runCommandLocked(cmd2); err != nil {
		return errors.Wrap(kernerr.Io, "CMD2 ALL_SEND_CID")
	}
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(c.card.CID[i*4:], cmd2.Rsp[i])
	}

	cmd3 := &Command{Index: 3, Response: ResponseR6}
	if err := c.runCommandLocked(cmd3); err != nil {
		return errors.Wrap(kernerr.Io, "CMD3 SEND_RELATIVE_ADDR")
	}
	if state := (cmd3.Rsp[0] >> statusCurrentState) & 0b1111; state != currentStateIdent {
		return errors.Wrapf(kernerr.SequenceError, "card not in ident state (%d)", state)
	}
	c.rca = cmd3.Rsp[0] & (0xffff << rcaShift)
	c.card.RCA = c.rca

	cmd9 := &Command{Index: 9, Argument: c.rca, Response: ResponseR2}
	if err := c.runCommandLocked(cmd9); err != nil {
		return errors.Wrap(kernerr.Io, "CMD9 SEND_CSD")
	}

	switch ver := rspVal(cmd9, sdCSDStructure, 0b11); ver {
	case 0:
		mult := rspVal(cmd9, sdCSDCSizeMult1, 0b111)
		size := rspVal(cmd9, sdCSDCSize1, 0xfff)
		blLen := rspVal(cmd9, sdCSDReadBlLen1, 0xf)
		c.card.BlockSize = 2 << (blLen - 1)
		c.card.Blocks = int((size + 1) * (2 << (mult + 2)))
	case 1, 2:
		size := rspVal(cmd9, sdCSDCSize2, 0x3fffff)
		c.card.BlockSize = 512
		c.card.Blocks = int(size+1) * 1024
	default:
		return errors.Wrapf(kernerr.NotSupported, "unsupported CSD version %d", ver)
	}

	cmd7 := &Command{Index: 7, Argument: c.rca, Response: ResponseR1b}
	if err := c.runCommandLocked(cmd7); err != nil {
		return errors.Wrap(kernerr.Io, "CMD7 SELECT_CARD")
	}

	if err := c.Host.SetClock(25000, false); err != nil {
		return err
	}

	if c.Width > 1 {
		acmd6 := &Command{Index: ACMD(6), Argument: uint32(busWidthArg(c.Width)), Response: ResponseR1}
		if err := c.runCommandLocked(acmd6); err == nil {
			c.Host.SetBusWidth(c.Width)
		}
	}

	if c.card.Rate >= sdr50Mbps && c.TuningEnabled {
		c.Host.Tune(19, 64)
	}

	c.card.HS = true
	return c.setBlockLength()
}

func busWidthArg(width int) uint32 {
	if width == 4 {
		return 0b10
	}
	return 0b00
}

// initMMC carries the post-identification half of the MMC flow (p352,
// 35.4.7 MMC card initialization flow chart, IMX6FG).
func (c *Controller) initMMC() error {
	cmd2 := &Command{Index: 2, Response: ResponseR2}
	if err := c.runCommandLocked(cmd2); err != nil {
		return errors.Wrap(kernerr.Io, "CMD2 ALL_SEND_CID")
	}
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(c.card.CID[i*4:], cmd2.Rsp[i])
	}

	c.rca = 2 << rcaShift
	cmd3 := &Command{Index: 3, Argument: c.rca, Response: ResponseR1}
	if err := c.runCommandLocked(cmd3); err != nil {
		return errors.Wrap(kernerr.Io, "CMD3 SET_RELATIVE_ADDR")
	}
	c.card.RCA = c.rca

	cmd9 := &Command{Index: 9, Argument: c.rca, Response: ResponseR2}
	if err := c.runCommandLocked(cmd9); err != nil {
		return errors.Wrap(kernerr.Io, "CMD9 SEND_CSD")
	}

	mult := rspVal(cmd9, mmcCSDCSizeMult, 0b111)
	size := rspVal(cmd9, mmcCSDCSize, 0xfff)
	blLen := rspVal(cmd9, mmcCSDReadBlLen, 0xf)
	mhz := rspVal(cmd9, mmcCSDTranSpeed, 0xff)
	specVers := rspVal(cmd9, mmcCSDSpecVers, 0xf)

	if mhz != 0x32 {
		return errors.Wrapf(kernerr.NotSupported, "unexpected TRAN_SPEED %#x", mhz)
	}

	cmd7 := &Command{Index: 7, Argument: c.rca, Response: ResponseR1b}
	if err := c.runCommandLocked(cmd7); err != nil {
		return errors.Wrap(kernerr.Io, "CMD7 SELECT_CARD")
	}
	if err := c.Host.SetClock(25000, false); err != nil {
		return err
	}

	busWidth := uint32(1)
	if c.Width == 8 {
		busWidth = 2
	}
	if err := c.switchExtCSD(extCSDBusWidth, busWidth); err != nil {
		return err
	}
	c.Host.SetBusWidth(c.Width)

	extCSD := make([]byte, 512)
	cmd8 := &Command{Index: 8, Response: ResponseR1, Direction: DataRead, BlockSize: 512, Blocks: 1, Buf: extCSD}
	if err := c.runCommandLocked(cmd8); err != nil {
		return errors.Wrap(kernerr.Io, "CMD8 SEND_EXT_CSD")
	}

	if size > 0xff {
		c.card.BlockSize = 512
		c.card.Blocks = int(binary.LittleEndian.Uint32(extCSD[extCSDSecCount:]))
	} else {
		c.card.BlockSize = 2 << (blLen - 1)
		c.card.Blocks = int((size + 1) * (2 << (mult + 2)))
	}

	deviceType := extCSD[extCSDDeviceType]
	switch {
	case (deviceType>>2)&0b11 > 0:
		c.card.Rate = hsDDRMbps
	case deviceType&0b11 > 0:
		c.card.Rate = hsSDRMbps
	}

	c.card.MMC = true

	if specVers >= 4 && c.card.Rate == hsDDRMbps {
		busWidthDDR := uint32(5)
		if c.Width == 8 {
			busWidthDDR = 6
		}
		if err := c.switchExtCSD(185 /* HS_TIMING */, 1); err == nil {
			if err := c.switchExtCSD(extCSDBusWidth, busWidthDDR); err == nil {
				c.Host.SetClock(52000, true)
				c.card.DDR = true
			}
		}
	}

	c.card.HS = true
	return nil
}

func (c *Controller) setBlockLength() error {
	if c.card.DDR {
		return nil
	}
	cmd16 := &Command{Index: 16, Argument: uint32(c.card.BlockSize), Response: ResponseR1}
	return c.runCommandLocked(cmd16)
}

// switchExtCSD writes one EXT_CSD byte via CMD6 (p62, 6.6.1 Command
// sets and extended settings, JESD84-B51).
func (c *Controller) switchExtCSD(reg uint32, val uint32) error {
	const accessWriteByte = 0b11
	arg := accessWriteByte<<24 | reg<<16 | val<<8

	cmd6 := &Command{Index: 6, Argument: arg, Response: ResponseR1b}
	if err := c.runCommandLocked(cmd6); err != nil {
		return err
	}
	if (cmd6.Rsp[0]>>statusSwitchError)&1 != 0 {
		return errors.Wrap(kernerr.Protocol, "EXT_CSD switch error")
	}
	return nil
}
