// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package fsl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/usbarmory/kernel/dma"
	"github.com/usbarmory/kernel/internal/reg"
	"github.com/usbarmory/kernel/mmc"
)

// hwMap layers the uSDHC INT_STATUS register's write-1-to-clear
// semantics (p4044, 58.8.16, IMX6ULLRM) on top of reg.FakeMap, which
// otherwise stores whatever a driver writes verbatim: a driver's own
// "clear pending interrupts" write of 0xffffffff would otherwise read
// back as all-ones instead of zero. It also models SYS_CTRL.RSTA as
// self-clearing (p4035, 58.8.12, IMX6ULLRM), so a soft reset completes at
// once instead of leaving Reset spinning on a bit nothing clears.
type hwMap struct {
	*reg.FakeMap
}

func newHWMap() *hwMap {
	return &hwMap{FakeMap: reg.NewFakeMap()}
}

func (m *hwMap) Write32(offset uint32, val uint32) {
	if offset == regSYS_CTRL {
		val &^= 1 << sysCtrlRSTA
	}
	if offset == regINT_STATUS {
		cur := m.FakeMap.Read32(offset)
		m.FakeMap.Write32(offset, cur&^val)
		return
	}
	m.FakeMap.Write32(offset, val)
}

// completeCommand simulates the controller setting a command/transfer
// complete bit once SendCommand has programmed CMD_XFR_TYP, the last
// register it writes before waiting on completion.
func completeCommand(t *testing.T, m *hwMap, doneBit int) {
	t.Helper()

	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if m.FakeMap.Read32(regCMD_XFR_TYP) != 0 {
				m.FakeMap.Poke(regINT_STATUS, 1<<uint(doneBit))
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func newTestController(t *testing.T) (*Controller, *hwMap) {
	t.Helper()
	dma.SetDefault(dma.NewPinned(4 << 20))

	m := newHWMap()
	return New(m, 0), m
}

func TestResetClearsDDRAndWidth(t *testing.T) {
	c, m := newTestController(t)
	m.Poke(c.reg(regMIX_CTRL), 1<<mixCtrlDDREN)
	m.Poke(c.reg(regPROT_CTRL), 0b11<<protCtrlDTW)

	require.NoError(t, c.Reset())

	require.Zero(t, reg.Get(m, c.reg(regMIX_CTRL), mixCtrlDDREN, 1))
	require.Zero(t, reg.Get(m, c.reg(regPROT_CTRL), protCtrlDTW, 0b11))
}

func TestCardPresentReadsCINST(t *testing.T) {
	c, m := newTestController(t)
	require.False(t, c.CardPresent())

	m.Poke(c.reg(regPRES_STATE), 1<<presStateCINST)
	require.True(t, c.CardPresent())
}

func TestSetBusWidthProgramsDTW(t *testing.T) {
	c, _ := newTestController(t)

	require.NoError(t, c.SetBusWidth(4))
	require.Equal(t, uint32(0b01), reg.Get(c.Map, c.reg(regPROT_CTRL), protCtrlDTW, 0b11))

	require.Error(t, c.SetBusWidth(3))
}

func TestSetClockProgramsDividerAndDDR(t *testing.T) {
	c, m := newTestController(t)
	m.Poke(c.reg(regPRES_STATE), 1<<presStateSDSTB)

	require.NoError(t, c.SetClock(25000, true))
	require.Equal(t, uint32(1), reg.Get(c.Map, c.reg(regMIX_CTRL), mixCtrlDDREN, 1))

	sdclkfs := reg.Get(c.Map, c.reg(regSYS_CTRL), sysCtrlSDCLKFS, 0xff)
	require.NotZero(t, sdclkfs)
}

func TestSendCommandNoDataRoundTrip(t *testing.T) {
	c, m := newTestController(t)
	m.Poke(c.reg(regCMD_RSP0), 0xcafe1234)
	completeCommand(t, m, intStatusCC)

	cmd := &mmc.Command{Index: 7, Response: mmc.ResponseR1b, Argument: 0x1234}
	require.NoError(t, c.SendCommand(cmd))
	require.Equal(t, uint32(0xcafe1234), cmd.Rsp[0])

	require.Equal(t, uint32(0x1234), reg.Read(c.Map, c.reg(regCMD_ARG)))
	require.Equal(t, uint32(7), reg.Get(c.Map, c.reg(regCMD_XFR_TYP), cmdXfrTypCMDINX, 0b111111))
}

// TestSendCommandWriteProgramsSixteenBlocks is scenario 6: an
// 8192-byte write on a 512-byte-sector card in DDR mode issues one
// CMD25 with BLKCNT=16, and the chain it builds stays within the
// "ADMA2 descriptor count <= 16" bound.
func TestSendCommandWriteProgramsSixteenBlocks(t *testing.T) {
	c, m := newTestController(t)
	c.ddr = true
	// WPSPL=1: the card's write-protect switch is off
	m.Poke(c.reg(regPRES_STATE), 1<<presStateWPSPL)
	completeCommand(t, m, intStatusTC)

	buf := make([]byte, 8192)
	for i := range buf {
		buf[i] = byte(i)
	}

	cmd := &mmc.Command{
		Index: 25, Response: mmc.ResponseR1,
		Direction: mmc.DataWrite, Buf: buf,
		BlockSize: 512, Blocks: 16,
	}
	require.NoError(t, c.SendCommand(cmd))

	require.Equal(t, uint32(16), reg.Get(c.Map, c.reg(regBLK_ATT), blkAttBLKCNT, 0xffff))
	require.Equal(t, uint32(512), reg.Get(c.Map, c.reg(regBLK_ATT), blkAttBLKSIZE, 0x1fff))
	require.Equal(t, uint32(1), reg.Get(c.Map, c.reg(regMIX_CTRL), mixCtrlDMAEN, 1))
	require.Equal(t, uint32(1), reg.Get(c.Map, c.reg(regMIX_CTRL), mixCtrlDDREN, 1))
	require.NotZero(t, reg.Read(c.Map, c.reg(regADMA_SYS_ADDR)))

	require.LessOrEqual(t, admaDescCount(len(buf)), 16)
}

func TestAdmaDescCountSplitsAtMaxLength(t *testing.T) {
	require.Equal(t, 1, admaDescCount(admaBDMaxLength))
	require.Equal(t, 2, admaDescCount(admaBDMaxLength+1))
	require.Equal(t, 1, admaDescCount(8192))
}

func TestBuildADMA2ChainMarksLastEntryEnd(t *testing.T) {
	chain := buildADMA2ChainFor(0x1000, admaBDMaxLength+100)
	require.Len(t, chain, 2*admaDescSize)

	first := chain[0]
	last := chain[admaDescSize]
	require.Zero(t, first&(1<<admaAttrEnd))
	require.NotZero(t, last&(1<<admaAttrEnd))
}
