// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package gadget

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeController is an in-memory Controller used to exercise Device
// dispatch without any hardware.
type fakeController struct {
	tx       [][]byte
	acked    []int
	halted   map[[2]int]bool
	toggle   map[[2]int]int
	address  uint8
	resets   int
	stalled  []int
}

func newFakeController() *fakeController {
	return &fakeController{
		halted: make(map[[2]int]bool),
		toggle: make(map[[2]int]int),
	}
}

func (c *fakeController) ReadSetup() (SetupData, error) { return SetupData{}, nil }

func (c *fakeController) Tx(ep int, data []byte) error {
	c.tx = append(c.tx, append([]byte(nil), data...))
	return nil
}

func (c *fakeController) Rx(ep int, max int) ([]byte, error) { return nil, nil }

func (c *fakeController) Ack(ep int) error {
	c.acked = append(c.acked, ep)
	return nil
}

func (c *fakeController) Stall(ep int, dir int) error {
	c.stalled = append(c.stalled, ep)
	return nil
}

func (c *fakeController) ConfigureEndpoint(ep, dir, transferType, maxPacketSize int) error {
	return nil
}

func (c *fakeController) SetHalt(ep, dir int, halt bool) error {
	c.halted[[2]int{ep, dir}] = halt
	if !halt {
		c.toggle[[2]int{ep, dir}] = 0
	}
	return nil
}

func (c *fakeController) IsHalted(ep, dir int) bool {
	return c.halted[[2]int{ep, dir}]
}

func (c *fakeController) SetAddress(addr uint8) error {
	c.address = addr
	return nil
}

func (c *fakeController) Reset() error {
	c.resets++
	return nil
}

// TestSetAddress is the "USB setup address" testable property (spec
// §8): SET_ADDRESS(5) sends a status IN token before programming the
// hardware address, and the device transitions to Address.
func TestSetAddress(t *testing.T) {
	dev := &Device{Descriptor: make([]byte, 18)}
	ctrl := newFakeController()

	err := dev.HandleSetup(ctrl, SetupData{Request: SetAddress, Value: 5})
	require.NoError(t, err)

	require.Equal(t, []int{0}, ctrl.acked)
	require.Equal(t, uint8(5), ctrl.address)
	require.Equal(t, StateAddress, dev.State())
}

// stubFunction is a minimal Function with one bulk IN/OUT endpoint pair,
// used to exercise SET_CONFIGURATION and ENDPOINT_HALT.
type stubFunction struct {
	in, out *Endpoint
	started bool
}

func newStubFunction() *stubFunction {
	return &stubFunction{
		in:  &Endpoint{Dir: IN, TransferType: TransferBulk, MaxPacketSize: 512},
		out: &Endpoint{Dir: OUT, TransferType: TransferBulk, MaxPacketSize: 512},
	}
}

func (f *stubFunction) Descriptors() []byte { return nil }
func (f *stubFunction) Endpoints() []*Endpoint {
	return []*Endpoint{f.in, f.out}
}
func (f *stubFunction) Start(ctrl Controller) error { f.started = true; return nil }
func (f *stubFunction) Stop()                       { f.started = false }
func (f *stubFunction) Setup(setup SetupData) ([]byte, bool, bool, error) {
	return nil, false, false, nil
}

// TestEndpointHalt is the "USB ENDPOINT_HALT" testable property (spec
// §8): SET_FEATURE(ENDPOINT_HALT) on an open bulk endpoint makes
// IsHalted report true; CLEAR_FEATURE then reports false and resets the
// data toggle.
func TestEndpointHalt(t *testing.T) {
	fn := newStubFunction()
	cfg := &Configuration{Value: 1, Header: make([]byte, 9), Functions: []Function{fn}}

	dev := &Device{Descriptor: make([]byte, 18)}
	dev.AddConfiguration(cfg)
	require.Equal(t, 1, fn.in.Number)
	require.Equal(t, 2, fn.out.Number)

	ctrl := newFakeController()
	require.NoError(t, dev.HandleSetup(ctrl, SetupData{Request: SetConfiguration, Value: 1}))
	require.True(t, fn.started)
	require.Equal(t, StateConfigured, dev.State())

	epIndex := uint16(fn.in.Number) | 0x80

	require.NoError(t, dev.HandleSetup(ctrl, SetupData{Request: SetFeature, Value: FeatureEndpointHalt, Index: epIndex}))
	require.True(t, ctrl.IsHalted(fn.in.Number, IN))

	ctrl.toggle[[2]int{fn.in.Number, IN}] = 7

	require.NoError(t, dev.HandleSetup(ctrl, SetupData{Request: ClearFeature, Value: FeatureEndpointHalt, Index: epIndex}))
	require.False(t, ctrl.IsHalted(fn.in.Number, IN))
	require.Equal(t, 0, ctrl.toggle[[2]int{fn.in.Number, IN}])
}

// TestSetConfigurationZeroReturnsToAddress checks the Configured→Address
// transition stops every function of the torn-down configuration.
func TestSetConfigurationZeroReturnsToAddress(t *testing.T) {
	fn := newStubFunction()
	cfg := &Configuration{Value: 1, Header: make([]byte, 9), Functions: []Function{fn}}

	dev := &Device{Descriptor: make([]byte, 18)}
	dev.AddConfiguration(cfg)

	ctrl := newFakeController()
	require.NoError(t, dev.HandleSetup(ctrl, SetupData{Request: SetConfiguration, Value: 1}))
	require.True(t, fn.started)

	require.NoError(t, dev.HandleSetup(ctrl, SetupData{Request: SetConfiguration, Value: 0}))
	require.False(t, fn.started)
	require.Equal(t, StateAddress, dev.State())
}

// TestGetDescriptorDevice checks GET_DESCRIPTOR(DEVICE) returns the
// device descriptor trimmed to wLength.
func TestGetDescriptorDevice(t *testing.T) {
	dev := &Device{Descriptor: make([]byte, 18)}
	ctrl := newFakeController()

	value := uint16(DescriptorDevice) << 8
	err := dev.HandleSetup(ctrl, SetupData{Request: GetDescriptor, Value: value, Length: 8})
	require.NoError(t, err)
	require.Len(t, ctrl.tx, 1)
	require.Len(t, ctrl.tx[0], 8)
}
