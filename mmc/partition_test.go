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

// TestWriteBlocksIssuesOneCMD25WithBlockCount is scenario 6: an
// 8192-byte write on a 512-byte-sector card issues a single CMD25 with
// a 16-block count.
func TestWriteBlocksIssuesOneCMD25WithBlockCount(t *testing.T) {
	var seen []*Command
	host := &fakeHost{
		present: true,
		onSend:  func(cmd *Command) { seen = append(seen, cmd) },
	}

	c := &Controller{Host: host}
	c.card = CardInfo{BlockSize: 512, HC: true, DDR: true}

	buf := make([]byte, 8192)
	require.NoError(t, c.WriteBlocks(0, buf))

	require.Len(t, seen, 1)
	require.EqualValues(t, 25, seen[0].CmdIndex())
	require.Equal(t, 16, seen[0].Blocks)
}

func TestReadBlocksRejectsUnalignedSize(t *testing.T) {
	host := &fakeHost{present: true}
	c := &Controller{Host: host}
	c.card = CardInfo{BlockSize: 512}

	err := c.ReadBlocks(0, make([]byte, 100))
	require.Error(t, err)
}

func TestPartitionSwitchesConfigBeforeTransfer(t *testing.T) {
	var seenIndices []uint32
	host := &fakeHost{
		present: true,
		onSend:  func(cmd *Command) { seenIndices = append(seenIndices, cmd.CmdIndex()) },
	}

	c := &Controller{Host: host}
	c.card = CardInfo{BlockSize: 512, MMC: true}

	boot1 := c.Partitions()[1]
	require.NoError(t, boot1.ReadBlocks(0, make([]byte, 512)))

	// CMD6 (EXT_CSD switch) must precede CMD18 (read).
	require.Equal(t, []uint32{6, 18}, seenIndices)
}

func TestDiscardIssuesEraseSequence(t *testing.T) {
	var seenIndices []uint32
	host := &fakeHost{
		present: true,
		onSend:  func(cmd *Command) { seenIndices = append(seenIndices, cmd.CmdIndex()) },
	}

	c := &Controller{Host: host}
	c.card = CardInfo{BlockSize: 512}

	user := c.Partitions()[0]
	require.NoError(t, user.Discard(0, 8))

	require.Equal(t, []uint32{35, 36, 38}, seenIndices)
}
