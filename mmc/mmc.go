// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mmc implements the portable half of the MMC/SD host framework:
// the bus scan state machine, command retry/tuning policy and partition
// model (spec §4.5). It is generalized from soc/nxp/usdhc, which bakes
// the same state machine directly into one hardware driver; here the
// driver lives behind the Host seam (mmc/fsl implements it for the
// Freescale/NXP uSDHC+ADMA2 IP) so the state machine itself can run
// against an in-memory fake for testing.
package mmc

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var Log = logrus.StandardLogger()

// acmdFlag marks a Command.Index as application-specific: the host must
// prefix it with CMD55 (APP_CMD) addressed to the current card's RCA
// (mmc/command.cpp's command::acmd()).
const acmdFlag = 1 << 16

// ACMD tags a command index as application-specific, e.g. ACMD(41) for
// SD_SEND_OP_COND.
func ACMD(index uint32) uint32 { return index | acmdFlag }

func isACMD(index uint32) bool  { return index&acmdFlag != 0 }
func cmdIndex(index uint32) uint32 { return index &^ acmdFlag }

// RCA addressing position (p127, 4.9.5 Published RCA response, SD-PL-7.10).
const rcaShift = 16

// CardInfo holds detected card information (mirrors soc/nxp/usdhc's
// CardInfo).
type CardInfo struct {
	MMC bool
	SD  bool
	HC  bool
	HS  bool
	DDR bool

	// Rate is the negotiated maximum throughput in Mbps.
	Rate int

	BlockSize int
	Blocks    int

	CID [16]byte

	RCA uint32
}

// Host is the hardware seam a controller driver implements (the mmc/fsl
// package provides the Freescale/NXP uSDHC+ADMA2 one). It plays the role
// soc/nxp/usdhc's USDHC struct plays monolithically in the teacher: one
// register-level command/transfer primitive plus the handful of board-
// level hooks (clock, bus width, voltage, tuning) the scan state machine
// drives.
type Host interface {
	// SendCommand issues one SD/MMC command, including its data stage
	// if cmd.Direction != DataNone, and fills cmd.Rsp on return
	// (p349, 35.4.3 Send command to card flow chart, IMX6FG).
	SendCommand(cmd *Command) error

	// SetClock reconfigures the card clock. ddr selects Dual Data Rate
	// framing (p348, 35.4.2 Frequency divider configuration, IMX6FG).
	SetClock(khz int, ddr bool) error

	// SetBusWidth configures the number of active data lines (1, 4 or 8).
	SetBusWidth(width int) error

	// SetLowVoltage requests (SD) or reports (MMC) 1.8V I/O signaling;
	// the return value reflects whether the switch/indication succeeded.
	SetLowVoltage(enable bool) bool

	// Tune runs the bus tuning sequence using the given tuning-block
	// command index (p42, 4.2.4.5 Tuning Command, SD-PL-7.10).
	Tune(cmdIndex uint32, blocks uint32) error

	// CardPresent reports whether a card is currently inserted.
	CardPresent() bool

	// Reset soft-resets the controller (not the card).
	Reset() error
}

// Controller is one MMC/SD host instance: the scan state machine,
// command-retry policy and attached card, behind one mutex (spec §4.5
// "MMC hosts serialise all commands behind one mutex; the driver holds
// it across the hardware IRQ wait").
type Controller struct {
	mu sync.Mutex

	Host Host

	// TuningEnabled gates the re-tune-on-retry step in RunCommand and
	// the scan state machine's post-switch tuning call.
	TuningEnabled bool

	// Width is the number of data lines the board wires to this
	// instance (1, 4 or 8); board files pick it, as in soc/nxp/usdhc's
	// Init(width int).
	Width int

	card CardInfo
	rca  uint32
}

// Info returns the currently detected card's information.
func (c *Controller) Info() CardInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.card
}
