// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package gadget

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/usbarmory/kernel/kernerr"
)

// Endpoint describes one direction of one non-control endpoint owned by a
// Function. Number is filled in by Device.addConfiguration at
// registration time, densely starting at 1 (spec §4.4); the zero value
// here is a placeholder the function supplies before the device claims
// it.
type Endpoint struct {
	Number        int
	Dir           int
	TransferType  int
	MaxPacketSize int
}

// Function is one USB function: a set of interfaces, their endpoints and
// descriptors, and the class/vendor-specific half of setup handling that
// the framework's standard-request dispatch does not claim.
type Function interface {
	// Descriptors returns this function's interface and endpoint
	// descriptors, concatenated in the order they belong inside the
	// enclosing configuration descriptor.
	Descriptors() []byte

	// Endpoints lists the non-control endpoints this function uses.
	// Device.addConfiguration numbers them before Start is ever called.
	Endpoints() []*Endpoint

	// Start begins servicing the function's endpoints, called after
	// SET_CONFIGURATION selects the configuration this function
	// belongs to.
	Start(ctrl Controller) error

	// Stop ends servicing, called when the configuration is torn down
	// (SET_CONFIGURATION(0) or a bus reset).
	Stop()

	// Setup offers a setup packet the standard dispatch did not claim
	// to this function. handled is false if the function does not
	// recognise the request; the framework falls through to the next
	// function and finally stalls ep0 if none claim it.
	Setup(setup SetupData) (in []byte, ack bool, handled bool, err error)
}

// Configuration is one USB configuration: a fixed bConfigurationValue and
// the functions active while it is selected.
type Configuration struct {
	Value     uint8
	Header    []byte // 9-byte configuration descriptor, wTotalLength patched by Bytes
	Functions []Function
}

// Bytes assembles the full configuration descriptor: the 9-byte header
// followed by every function's interface/endpoint descriptors, with
// wTotalLength (offset 2, little endian) patched to the assembled length.
func (c *Configuration) Bytes() []byte {
	var tail []byte
	for _, f := range c.Functions {
		tail = append(tail, f.Descriptors()...)
	}

	buf := append([]byte(nil), c.Header...)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(buf)+len(tail)))
	return append(buf, tail...)
}

// State is the device's position in the USB device state machine (USB
// 2.0 §9.1), restricted to the subset this framework models.
type State int

const (
	StateDefault State = iota
	StateAddress
	StateConfigured
)

// Device is a composite USB device: one device descriptor, an optional
// device_qualifier (for dual-speed devices), a string table, and a list
// of configurations. Setup is an optional device-level hook tried before
// the standard dispatch, mirroring the apex kernel's process_setup (spec
// §4.4 "Setup dispatch").
type Device struct {
	Descriptor []byte
	Qualifier  []byte
	Strings    [][]byte

	Setup func(setup SetupData) (in []byte, ack bool, handled bool, err error)

	mu             sync.Mutex
	configurations []*Configuration
	active         *Configuration
	value          uint8
	alt            uint8
	state          State
}

// AddConfiguration registers a configuration and assigns dense endpoint
// numbers, starting at 1, to every endpoint of every function in it, in
// the order the functions and their Endpoints() lists appear (spec §4.4
// "endpoint numbers are assigned densely starting at 1 at
// initialisation").
func (d *Device) AddConfiguration(cfg *Configuration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := d.nextEndpointNumberLocked()
	for _, f := range cfg.Functions {
		for _, ep := range f.Endpoints() {
			ep.Number = n
			n++
		}
	}

	d.configurations = append(d.configurations, cfg)
}

func (d *Device) nextEndpointNumberLocked() int {
	n := 1
	for _, cfg := range d.configurations {
		for _, f := range cfg.Functions {
			n += len(f.Endpoints())
		}
	}
	return n
}

// State reports the device's current USB device state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) configurationByValue(value uint8) (*Configuration, error) {
	for _, cfg := range d.configurations {
		if cfg.Value == value {
			return cfg, nil
		}
	}
	return nil, errors.Wrapf(kernerr.NotFound, "configuration %d", value)
}

func (d *Device) configurationByIndex(index uint16) (*Configuration, error) {
	if int(index) >= len(d.configurations) {
		return nil, errors.Wrapf(kernerr.NotFound, "configuration index %d", index)
	}
	return d.configurations[index], nil
}

// HandleSetup dispatches one setup packet received on endpoint 0: the
// device-level Setup hook first, then the active configuration's
// functions, then the standard requests this package understands (spec
// §4.4 "Setup dispatch: the device's process_setup is tried first.
// Standard requests it does not claim are resolved here").
func (d *Device) HandleSetup(ctrl Controller, setup SetupData) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Setup != nil {
		in, ack, handled, err := d.Setup(setup)
		if handled {
			return d.respondLocked(ctrl, setup, in, ack, err)
		}
	}

	if d.active != nil {
		for _, f := range d.active.Functions {
			in, ack, handled, err := f.Setup(setup)
			if handled {
				return d.respondLocked(ctrl, setup, in, ack, err)
			}
		}
	}

	switch setup.Request {
	case GetStatus:
		return d.getStatusLocked(ctrl, setup)
	case ClearFeature, SetFeature:
		return d.featureLocked(ctrl, setup)
	case SetAddress:
		return d.setAddressLocked(ctrl, setup)
	case GetDescriptor:
		return d.getDescriptorLocked(ctrl, setup)
	case GetConfiguration:
		return ctrl.Tx(0, []byte{d.value})
	case SetConfiguration:
		return d.setConfigurationLocked(ctrl, uint8(setup.Value))
	case GetInterface:
		return ctrl.Tx(0, []byte{d.alt})
	case SetInterface:
		d.alt = uint8(setup.Value)
		return ctrl.Ack(0)
	default:
		_ = ctrl.Stall(0, IN)
		return errors.Wrapf(kernerr.NotSupported, "setup request %#x", setup.Request)
	}
}

func (d *Device) respondLocked(ctrl Controller, setup SetupData, in []byte, ack bool, err error) error {
	if err != nil {
		_ = ctrl.Stall(0, IN)
		return err
	}
	if len(in) != 0 {
		return ctrl.Tx(0, trim(in, setup.Length))
	}
	if ack {
		return ctrl.Ack(0)
	}
	return nil
}

func (d *Device) getStatusLocked(ctrl Controller, setup SetupData) error {
	const (
		recipientMask   = 0x1f
		recipientEndpoint = 2
	)

	status := uint16(0)
	if setup.RequestType&recipientMask == recipientEndpoint {
		ep := int(setup.Index & 0xf)
		dir := int((setup.Index & 0x80) >> 7)
		if ctrl.IsHalted(ep, dir) {
			status = 1
		}
	}

	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, status)
	return ctrl.Tx(0, b)
}

func (d *Device) featureLocked(ctrl Controller, setup SetupData) error {
	if setup.Value != FeatureEndpointHalt {
		_ = ctrl.Stall(0, IN)
		return errors.Wrapf(kernerr.NotSupported, "feature selector %d", setup.Value)
	}

	ep := int(setup.Index & 0xf)
	dir := int((setup.Index & 0x80) >> 7)
	halt := setup.Request == SetFeature

	if err := ctrl.SetHalt(ep, dir, halt); err != nil {
		_ = ctrl.Stall(0, IN)
		return err
	}
	return ctrl.Ack(0)
}

// setAddressLocked implements the "USB setup address" testable property
// (spec §8): the status IN token is sent first, and only once that
// completes is the hardware address programmed and the state advanced to
// Address.
func (d *Device) setAddressLocked(ctrl Controller, setup SetupData) error {
	addr := uint8(setup.Value & 0x7f)

	if err := ctrl.Ack(0); err != nil {
		return err
	}
	if err := ctrl.SetAddress(addr); err != nil {
		return err
	}

	if addr == 0 {
		d.state = StateDefault
	} else {
		d.state = StateAddress
	}
	return nil
}

func (d *Device) getDescriptorLocked(ctrl Controller, setup SetupData) error {
	typ := uint8(setup.Value >> 8)
	index := uint8(setup.Value)

	switch typ {
	case DescriptorDevice:
		return ctrl.Tx(0, trim(d.Descriptor, setup.Length))

	case DescriptorDeviceQualifier:
		if d.Qualifier == nil {
			_ = ctrl.Stall(0, IN)
			return errors.Wrap(kernerr.NotSupported, "device_qualifier descriptor")
		}
		return ctrl.Tx(0, trim(d.Qualifier, setup.Length))

	case DescriptorConfiguration, DescriptorOtherSpeedConfiguration:
		cfg, err := d.configurationByIndex(uint16(index))
		if err != nil {
			_ = ctrl.Stall(0, IN)
			return err
		}
		buf := cfg.Bytes()
		if typ == DescriptorOtherSpeedConfiguration {
			buf[1] = DescriptorOtherSpeedConfiguration
		}
		return ctrl.Tx(0, trim(buf, setup.Length))

	case DescriptorString:
		if int(index) >= len(d.Strings) {
			_ = ctrl.Stall(0, IN)
			return errors.Wrapf(kernerr.NotFound, "string descriptor %d", index)
		}
		return ctrl.Tx(0, trim(d.Strings[index], setup.Length))

	default:
		_ = ctrl.Stall(0, IN)
		return errors.Wrapf(kernerr.NotSupported, "descriptor type %d", typ)
	}
}

// setConfigurationLocked implements SET_CONFIGURATION: value 0 stops
// every function of the active configuration and moves to Address;
// any other valid value stops the previous configuration (if any),
// starts every function of the new one and moves to Configured (spec
// §4.4 "SET_CONFIGURATION 0 moves state to Address; any nonzero valid
// value starts all functions of that configuration and moves to
// Configured").
func (d *Device) setConfigurationLocked(ctrl Controller, value uint8) error {
	if d.active != nil {
		for _, f := range d.active.Functions {
			f.Stop()
		}
		if err := ctrl.Reset(); err != nil {
			return err
		}
		d.active = nil
	}

	if value == 0 {
		d.value = 0
		d.state = StateAddress
		return ctrl.Ack(0)
	}

	cfg, err := d.configurationByValue(value)
	if err != nil {
		_ = ctrl.Stall(0, IN)
		return err
	}

	for _, f := range cfg.Functions {
		for _, ep := range f.Endpoints() {
			if err := ctrl.ConfigureEndpoint(ep.Number, ep.Dir, ep.TransferType, ep.MaxPacketSize); err != nil {
				return err
			}
		}
	}
	for _, f := range cfg.Functions {
		if err := f.Start(ctrl); err != nil {
			return err
		}
	}

	d.active = cfg
	d.value = value
	d.state = StateConfigured
	return ctrl.Ack(0)
}
