// USB device controller core
// https://github.com/usbarmory/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import (
	"os"

	"github.com/charmbracelet/log"
)

// logger is the package-wide logger: pullup changes, and the FSM commit,
// abort and ERROR-entry pulses Controller.Tick reports at debug level. The
// component Tick methods (Sampler, NRZIDecoder, Framer, Encoder, FSM) never
// touch this, to keep them pure functions of (state, input).
var logger = log.NewWithOptions(os.Stderr, log.Options{
	Prefix: "usb",
})

// SetLogger replaces the package logger, e.g. to redirect it into a host
// application's own log sink.
func SetLogger(l *log.Logger) {
	logger = l
}
