// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmc

import (
	"github.com/pkg/errors"

	"github.com/usbarmory/kernel/kernerr"
)

// Erase/discard argument values (p113, 6.6.25 Erase, JESD84-B51; p83,
// 4.3.8 Erase, SD-PL-7.10).
const (
	eraseArg        = 0x00000000
	discardArg      = 0x00000003
	secureTrimStep1 = 0x80000001
)

// ReadBlocks transfers one or more whole blocks from the card starting
// at lba (spec §4.5 "block device per non-empty partition", forwarding
// read to mmc::device which issues CMD18").
func (c *Controller) ReadBlocks(lba int, buf []byte) error {
	return c.transferBlocks(18, DataRead, lba, buf)
}

// WriteBlocks transfers one or more whole blocks to the card starting
// at lba, one CMD25 per call regardless of block count (scenario: an
// 8192-byte write on a 512-byte-sector DDR card issues a single CMD25
// with BLKCNT=16).
func (c *Controller) WriteBlocks(lba int, buf []byte) error {
	return c.transferBlocks(25, DataWrite, lba, buf)
}

func (c *Controller) transferBlocks(index uint32, dir DataDirection, lba int, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.transferBlocksLocked(index, dir, lba, buf)
}

// Partition represents one eMMC hardware partition (spec §4.5
// "Partitioning"): the user area, boot1/boot2, one of up to four
// general-purpose areas, or RPMB. Switching partitions writes
// EXT_CSD.PARTITION_CONFIG and is only meaningful for eMMC cards.
type Partition struct {
	Name   string
	Config uint32

	ctrl *Controller
}

// Partitions returns the fixed set of eMMC partitions a card exposes.
// RPMB is included for completeness even though, per spec, it is only
// reachable through the character-device path (ReadRPMB/WriteRPMB), not
// ReadBlocks/WriteBlocks.
func (c *Controller) Partitions() []*Partition {
	return []*Partition{
		{Name: "user", Config: partitionAccessNone, ctrl: c},
		{Name: "boot1", Config: 0x1, ctrl: c},
		{Name: "boot2", Config: 0x2, ctrl: c},
		{Name: "rpmb", Config: partitionAccessRPMB, ctrl: c},
	}
}

func (p *Partition) selectLocked() error {
	if p.Config == partitionAccessRPMB {
		return errors.Wrap(kernerr.NotSupported, "RPMB is not block-accessible, use ReadRPMB/WriteRPMB")
	}
	if !p.ctrl.card.MMC {
		return nil
	}
	return p.ctrl.switchExtCSD(extCSDPartitionCfg, p.Config)
}

// ReadBlocks switches to this partition (eMMC only) and reads blocks
// from it, all under the host mutex (spec §4.5: "switches the active
// partition under the host mutex before issuing CMD18/CMD25").
func (p *Partition) ReadBlocks(lba int, buf []byte) error {
	p.ctrl.mu.Lock()
	defer p.ctrl.mu.Unlock()

	if err := p.selectLocked(); err != nil {
		return err
	}
	return p.ctrl.transferBlocksLocked(18, DataRead, lba, buf)
}

// WriteBlocks switches to this partition and writes blocks to it.
func (p *Partition) WriteBlocks(lba int, buf []byte) error {
	p.ctrl.mu.Lock()
	defer p.ctrl.mu.Unlock()

	if err := p.selectLocked(); err != nil {
		return err
	}
	return p.ctrl.transferBlocksLocked(25, DataWrite, lba, buf)
}

// transferBlocksLocked is transferBlocks without the mutex acquisition,
// for callers that already hold it (Partition's partition-switch-then-
// transfer sequence must be atomic).
func (c *Controller) transferBlocksLocked(index uint32, dir DataDirection, lba int, buf []byte) error {
	blockSize := c.card.BlockSize
	if blockSize == 0 {
		return errors.Wrap(kernerr.SequenceError, "no card detected")
	}
	if len(buf)%blockSize != 0 {
		return errors.Wrapf(kernerr.Invalid, "transfer size must be %d-byte aligned", blockSize)
	}

	blocks := len(buf) / blockSize
	arg := uint32(lba)
	if !c.card.HC {
		arg = uint32(lba * blockSize)
	}

	cmd := &Command{
		Index:     index,
		Argument:  arg,
		Response:  ResponseR1,
		Direction: dir,
		Buf:       buf,
		BlockSize: blockSize,
		Blocks:    blocks,
	}
	return c.runCommandLocked(cmd)
}

// Discard erases the block range [startLBA, startLBA+blocks) without
// guaranteeing zeroed readback (CMD35/CMD36/CMD38 with the "discard"
// argument, p83, 4.3.8 Erase, SD-PL-7.10).
func (p *Partition) Discard(startLBA int, blocks int) error {
	return p.erase(startLBA, blocks, discardArg)
}

// Trim issues the CMD35/CMD36/CMD38 erase sequence for the block range
// with the eMMC Secure Trim step-1 argument (p113, JESD84-B51); the
// step-2 CMD38 that completes a secure trim is not issued.
func (p *Partition) Trim(startLBA int, blocks int) error {
	return p.erase(startLBA, blocks, secureTrimStep1)
}

func (p *Partition) erase(startLBA int, blocks int, arg uint32) error {
	p.ctrl.mu.Lock()
	defer p.ctrl.mu.Unlock()

	if err := p.selectLocked(); err != nil {
		return err
	}

	endLBA := startLBA + blocks - 1

	cmd35 := &Command{Index: 35, Argument: uint32(startLBA), Response: ResponseR1}
	if err := p.ctrl.runCommandLocked(cmd35); err != nil {
		return errors.Wrap(kernerr.Io, "CMD35 ERASE_GROUP_START")
	}

	cmd36 := &Command{Index: 36, Argument: uint32(endLBA), Response: ResponseR1}
	if err := p.ctrl.runCommandLocked(cmd36); err != nil {
		return errors.Wrap(kernerr.Io, "CMD36 ERASE_GROUP_END")
	}

	cmd38 := &Command{Index: 38, Argument: arg, Response: ResponseR1b}
	if err := p.ctrl.runCommandLocked(cmd38); err != nil {
		return errors.Wrap(kernerr.Io, "CMD38 ERASE")
	}

	return nil
}

// ReadRPMB transfers a single 512-byte Replay Protected Memory Block
// data frame from the card (p108, 6.6.22.4.4 Authenticated Data Read,
// JESD84-B51). RPMB is character-accessed, not block-addressed: it is
// reachable directly on Controller rather than through ReadBlocks.
func (c *Controller) ReadRPMB(buf []byte) error {
	return c.transferRPMB(DataRead, buf)
}

// WriteRPMB transfers a single 512-byte RPMB data frame to the card.
func (c *Controller) WriteRPMB(buf []byte) error {
	return c.transferRPMB(DataWrite, buf)
}

func (c *Controller) transferRPMB(dir DataDirection, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.card.MMC {
		return errors.Wrap(kernerr.NotSupported, "RPMB requires an eMMC card")
	}
	if len(buf) != 512 {
		return errors.Wrap(kernerr.Invalid, "RPMB transfer size must be 512 bytes")
	}

	if err := c.switchExtCSD(extCSDPartitionCfg, partitionAccessRPMB); err != nil {
		return err
	}
	defer c.switchExtCSD(extCSDPartitionCfg, partitionAccessNone)

	index := uint32(18)
	if dir == DataWrite {
		index = 25
	}

	cmd := &Command{
		Index:     index,
		Response:  ResponseR1,
		Direction: dir,
		Buf:       buf,
		BlockSize: 512,
		Blocks:    1,
	}
	return c.runCommandLocked(cmd)
}
