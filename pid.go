// USB 1.1 device controller behavioral model
// https://github.com/usbarmory/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usb implements a cycle-accurate behavioral model of a USB 1.1
// low-/full-speed device-side controller core: the bit-level receive
// pipeline (line-state sampling, NRZI decode, bit-destuffing, packet
// framing and decoding), the bit-level transmit pipeline (packet encoding,
// bit-stuffing, NRZI encoding), and the per-endpoint transaction state
// machine that couples them.
//
// The surrounding hardware (CPU-visible register file, FPGA I/O buffer,
// clock generation) is an external collaborator: this package exposes only
// the tick-driven contracts those components would drive in a real
// implementation, see Controller and IOBuf.
package usb

// PID is a 4-bit USB packet identifier.
type PID uint8

// Token, data and handshake packet identifiers.
const (
	PID_OUT   PID = 0x1
	PID_SOF   PID = 0x5
	PID_DATA0 PID = 0x3
	PID_SETUP PID = 0xD
	PID_DATA1 PID = 0xB
	PID_ACK   PID = 0x2
	PID_IN    PID = 0x9
	PID_NAK   PID = 0xA
	PID_STALL PID = 0xE
)

// PIDCategory is the low two bits of a PID, which determine its class.
type PIDCategory uint8

const (
	CategoryToken     PIDCategory = 0x1
	CategoryHandshake PIDCategory = 0x2
	CategoryData      PIDCategory = 0x3
)

// Category returns the class of a PID using the mask policy category = pid
// & 0x3.
func (p PID) Category() PIDCategory {
	return PIDCategory(p & 0x3)
}

func (p PID) String() string {
	switch p {
	case PID_OUT:
		return "OUT"
	case PID_SOF:
		return "SOF"
	case PID_DATA0:
		return "DATA0"
	case PID_SETUP:
		return "SETUP"
	case PID_DATA1:
		return "DATA1"
	case PID_ACK:
		return "ACK"
	case PID_IN:
		return "IN"
	case PID_NAK:
		return "NAK"
	case PID_STALL:
		return "STALL"
	default:
		return "UNKNOWN"
	}
}

// EncodePID returns the wire byte for a PID: the 4-bit value in the low
// nibble and its one's complement in the high nibble.
func EncodePID(p PID) byte {
	n := byte(p) & 0xF
	return n | ((^n & 0xF) << 4)
}

// DecodePID splits a wire byte into its PID and complement nibbles and
// reports whether they are consistent (xor == 0xF).
func DecodePID(b byte) (p PID, ok bool) {
	lo := b & 0xF
	hi := (b >> 4) & 0xF
	return PID(lo), (lo ^ hi) == 0xF
}
