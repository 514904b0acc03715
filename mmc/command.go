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

// ResponseType tags a command's expected response shape (spec §4.5 "MMC
// command... response-type tag"); the derived booleans below are all
// computed from it, mirroring mmc::command in command.cpp.
type ResponseType int

const (
	ResponseNone ResponseType = iota
	ResponseR1
	ResponseR1b
	ResponseR2
	ResponseR3
	ResponseR4
	ResponseR5
	ResponseR5b
	ResponseR6
	ResponseR7
)

// DataDirection is a command's data-stage direction, if any.
type DataDirection int

const (
	DataNone DataDirection = iota
	DataRead
	DataWrite
)

// Command is one SD/MMC command instance (spec §4.5 "MMC command").
// Rsp holds the response words as the controller returns them: 48-bit
// responses occupy Rsp[0], 136-bit (R2/CID/CSD) occupy all four words.
type Command struct {
	Index    uint32
	Argument uint32
	Response ResponseType
	Rsp      [4]uint32

	Direction DataDirection
	Buf       []byte
	Offset    int
	BlockSize int
	Blocks    int

	ReliableWrite bool
}

// ACMD reports whether this command must be prefixed with CMD55.
func (c *Command) ACMD() bool { return isACMD(c.Index) }

// CmdIndex returns the raw command index with the ACMD tag stripped.
func (c *Command) CmdIndex() uint32 { return cmdIndex(c.Index) }

// ResponseLength returns the response's bit length.
func (c *Command) ResponseLength() int {
	switch c.Response {
	case ResponseNone:
		return 0
	case ResponseR2:
		return 136
	default:
		return 48
	}
}

// BusySignalling reports whether the response includes a busy signal on
// the data line (R1b, R5b).
func (c *Command) BusySignalling() bool {
	return c.Response == ResponseR1b || c.Response == ResponseR5b
}

// UsesDataLines reports whether this command occupies the data lines,
// either for a data transfer or for busy signalling.
func (c *Command) UsesDataLines() bool {
	return c.Direction != DataNone || c.BusySignalling()
}

// ResponseContainsIndex reports whether the response echoes the command
// index (used to detect a misrouted response).
func (c *Command) ResponseContainsIndex() bool {
	switch c.Response {
	case ResponseR1, ResponseR1b, ResponseR4, ResponseR5, ResponseR5b, ResponseR6, ResponseR7:
		return true
	default:
		return false
	}
}

// ResponseCRCValid reports whether the response carries a checkable CRC7.
func (c *Command) ResponseCRCValid() bool {
	return c.ResponseContainsIndex()
}

// ComCRCError reports the COM_CRC_ERROR bit (bit 23) of an R1/R1b
// response (p131, Table 4-42, SD-PL-7.10), mirroring
// mmc::command::com_crc_error.
func (c *Command) ComCRCError() bool {
	if c.Response != ResponseR1 && c.Response != ResponseR1b {
		return false
	}
	return (c.Rsp[0]>>23)&1 != 0
}

// RunCommand issues cmd through the host, retrying up to three times in
// total (spec §8's "MMC command retry" property) and ACMD55-prefixing
// application-specific commands. On a data command's failure it issues
// STOP_TRANSMISSION to return the card to the transfer state before
// retrying, and re-tunes the bus if tuning is enabled — all carried from
// host::run_command in host.cpp.
func (c *Controller) RunCommand(cmd *Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCommandLocked(cmd)
}

func (c *Controller) runCommandLocked(cmd *Command) error {
	run := func() error {
		if cmd.ACMD() {
			app := &Command{Index: 55, Argument: c.rca, Response: ResponseR1}
			if err := c.Host.SendCommand(app); err != nil {
				return err
			}
			if app.ComCRCError() {
				return errors.Wrap(kernerr.Protocol, "CMD55 com_crc_error")
			}
		}

		if err := c.Host.SendCommand(cmd); err != nil {
			return err
		}
		if cmd.ComCRCError() {
			return errors.Wrap(kernerr.Protocol, "com_crc_error")
		}
		return nil
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = run(); err == nil {
			return nil
		}
		if errors.Is(err, kernerr.Cancelled) || errors.Is(err, kernerr.Interrupted) {
			return err
		}

		Log.WithError(err).WithField("cmd", cmd.CmdIndex()).Debug("mmc: command failed, retrying")

		if cmd.Direction != DataNone {
			stop := &Command{Index: 12, Response: ResponseR1b}
			c.Host.SendCommand(stop)
		}

		if c.TuningEnabled {
			if terr := c.Host.Tune(19, 64); terr != nil {
				return terr
			}
		}
	}

	return run()
}
