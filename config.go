// USB device configuration
// https://github.com/usbarmory/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import "fmt"

// EndpointDir selects which direction(s) an endpoint number exposes.
type EndpointDir uint8

const (
	EndpointOut EndpointDir = iota
	EndpointIn
	EndpointBidir
)

// EndpointConfig describes one configured endpoint number.
type EndpointConfig struct {
	Num uint8       `yaml:"num"`
	Dir EndpointDir `yaml:"dir"`
}

// Config is the full device configuration: the endpoint table's shape.
// Enumeration policy above endpoint zero is left to the software
// collaborator; this only fixes which epnum/direction pairs exist.
type Config struct {
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// DefaultConfig returns the minimal configuration every device needs: a
// control endpoint (epnum 0, BIDIR).
func DefaultConfig() Config {
	return Config{Endpoints: []EndpointConfig{{Num: 0, Dir: EndpointBidir}}}
}

// Validate checks the configuration is well-formed before it is handed to
// NewController.
func (c Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("usb: configuration has no endpoints")
	}
	seen := make(map[uint8]bool, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep.Num > 15 {
			return fmt.Errorf("usb: endpoint number %d out of range 0..15", ep.Num)
		}
		if seen[ep.Num] {
			return fmt.Errorf("usb: endpoint %d configured more than once", ep.Num)
		}
		seen[ep.Num] = true
		if ep.Dir != EndpointOut && ep.Dir != EndpointIn && ep.Dir != EndpointBidir {
			return fmt.Errorf("usb: endpoint %d has invalid direction %d", ep.Num, ep.Dir)
		}
	}
	return nil
}
