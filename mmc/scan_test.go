// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// sdHost simulates just enough of an SD card's command responses to
// drive Scan() through the SD branch of the state machine.
type sdHost struct {
	fakeHost
}

func (h *sdHost) SendCommand(cmd *Command) error {
	switch cmd.CmdIndex() {
	case 0: // GO_IDLE_STATE
	case 8: // SEND_IF_COND
		cmd.Rsp[0] = cmd.Argument
	case 41: // SD_SEND_OP_COND
		cmd.Rsp[0] = 1 << sdOCRBusy
	case 2: // ALL_SEND_CID
	case 3: // SEND_RELATIVE_ADDR
		cmd.Rsp[0] = uint32(0xaa55<<rcaShift) | (currentStateIdent << statusCurrentState)
	case 9: // SEND_CSD
		// CSD version 1.0 (SDSC): CSD_STRUCTURE=0 (word 3 stays zero),
		// C_SIZE_MULT=2, C_SIZE=100, READ_BL_LEN=9 (512-byte blocks).
		cmd.Rsp[1] = uint32(2<<7) | uint32(100<<22)
		cmd.Rsp[2] = uint32(9 << 8)
	case 7, 16: // SELECT_CARD, SET_BLOCKLEN
	}
	return h.fakeHost.SendCommand(cmd)
}

func TestScanDetectsSDCard(t *testing.T) {
	host := &sdHost{fakeHost: fakeHost{present: true}}
	c := &Controller{Host: host}

	err := c.Scan()
	require.NoError(t, err)

	info := c.Info()
	require.True(t, info.SD)
	require.False(t, info.MMC)
	require.Equal(t, 0xaa55<<rcaShift, int(info.RCA))
}

func TestScanReportsNoCard(t *testing.T) {
	host := &fakeHost{present: false}
	c := &Controller{Host: host}

	err := c.Scan()
	require.Error(t, err)
}
