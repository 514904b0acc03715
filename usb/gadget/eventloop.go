// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package gadget

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// Log is the package-wide logger, overridable by callers that want
// request-scoped fields or a different sink (same convention as vfs.Log
// and tty.Log).
var Log = logrus.StandardLogger()

// ErrBusReset is returned by Controller.ReadSetup when the controller
// observed a bus reset instead of a setup packet. The driver has already
// performed its own reset procedure by the time it returns this; Run
// then stops the active configuration's functions, calls ctrl.Reset and
// folds the device model back to its unconfigured state.
var ErrBusReset = errors.New("gadget: bus reset")

// Run drains setup packets from ctrl and dispatches them to dev until
// ctrl.ReadSetup returns a non-ErrBusReset error, generalising the
// imx6/soc/nxp/usb driver's Start loop (spec §4.4 "event loop draining
// controller interrupts"): that driver polls its own setup-ready bit and
// bus-reset bit directly, which here is pushed down into the Controller
// implementation so this loop stays register-free.
func Run(ctrl Controller, dev *Device) error {
	for {
		setup, err := ctrl.ReadSetup()
		if errors.Is(err, ErrBusReset) {
			dev.mu.Lock()
			if dev.active != nil {
				for _, f := range dev.active.Functions {
					f.Stop()
				}
				dev.active = nil
			}
			_ = ctrl.Reset()
			dev.value = 0
			dev.alt = 0
			dev.state = StateDefault
			dev.mu.Unlock()
			continue
		}
		if err != nil {
			return err
		}

		if err := dev.HandleSetup(ctrl, setup); err != nil {
			Log.WithError(err).Debug("gadget: setup request not completed")
		}
	}
}
