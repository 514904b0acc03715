// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package fsl implements the Freescale/NXP Ultra Secured Digital Host
// Controller (uSDHC) half of the MMC/SD driver (spec §4.5), generalized
// from soc/nxp/usdhc. As with usb/fsl, hardware registers are reached
// through an internal/reg.Map rather than direct pointer casts, and the
// queue/descriptor memory ADMA2 consumes is DMA-package-addressed
// rather than register-addressed — the two address spaces this driver
// touches are kept as separate here as they are in usb/fsl.
package fsl

// uSDHC registers (p4012, 58.8 uSDHC Memory Map/Register Definition,
// IMX6ULLRM).
const (
	regBLK_ATT       = 0x04
	blkAttBLKCNT     = 16
	blkAttBLKSIZE    = 0

	regCMD_ARG = 0x08

	regCMD_XFR_TYP   = 0x0c
	cmdXfrTypCMDINX  = 24
	cmdXfrTypCMDTYP  = 22
	cmdXfrTypDPSEL   = 21
	cmdXfrTypCICEN   = 20
	cmdXfrTypCCCEN   = 19
	cmdXfrTypRSPTYP  = 16

	regCMD_RSP0 = 0x10

	regPRES_STATE   = 0x24
	presStateWPSPL  = 19
	presStateCINST  = 16
	presStateSDSTB  = 3
	presStateCDIHB  = 1
	presStateCIHB   = 0

	regPROT_CTRL  = 0x28
	protCtrlDMASEL = 8
	protCtrlDTW    = 1

	regSYS_CTRL  = 0x2c
	sysCtrlRSTA  = 24
	sysCtrlDVS   = 4
	sysCtrlSDCLKFS = 8

	regINT_STATUS  = 0x30
	intStatusDMAE  = 28
	intStatusAC12E = 24
	intStatusTC    = 1
	intStatusCC    = 0

	regINT_STATUS_EN = 0x34
	regINT_SIGNAL_EN = 0x38

	regWTMK_LVL   = 0x44
	wtmkLvlWRWML  = 16
	wtmkLvlRDWML  = 0

	regMIX_CTRL   = 0x48
	mixCtrlMSBSEL = 5
	mixCtrlDTDSEL = 4
	mixCtrlDDREN  = 3
	mixCtrlAC12EN = 2
	mixCtrlBCEN   = 1
	mixCtrlDMAEN  = 0

	regADMA_ERR_STATUS = 0x54
	regADMA_SYS_ADDR   = 0x58

	regVEND_SPEC       = 0xc0
	vendSpecFRCSDCLKON = 8

	// dmaSelADMA2 selects ADMA2 descriptor-chain mode (p3965, IMX6ULLRM).
	dmaSelADMA2 = 0b10

	// admaBDMaxLength is the maximum byte count one ADMA2 descriptor
	// entry can carry (p3964, 58.4.2.4.1, IMX6ULLRM).
	admaBDMaxLength = 65532
)

// admaAttr bit positions within one ADMA2 descriptor's attribute byte.
const (
	admaAttrValid = 0
	admaAttrEnd   = 1
	admaAttrInt   = 2
	admaAttrAct   = 4

	admaActTransfer = 0b10
)

// admaDescSize is the on-the-wire size of one ADMA2 buffer descriptor
// (1 attribute byte + 1 reserved + 2 length + 4 address).
const admaDescSize = 8

// defaultCmdTimeoutMs bounds, in milliseconds, how long SendCommand waits
// for command/data inhibit to clear and for command completion.
const defaultCmdTimeoutMs = 100
