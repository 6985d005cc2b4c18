// USB CRC5/CRC16 codecs
// https://github.com/usbarmory/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import "github.com/usbarmory/usbcore/bits"

// CRC5 and CRC16 are bit-serial LFSRs, matching a hardware shift register
// that consumes one wire bit per tick: both operate LSB-first, reflected in
// and out, which lets the same register run forwards while encoding and
// while checking the receive residue.
const (
	crc5Poly  = 0x14 // reflected form of x^5+x^2+1
	crc5Init  = 0x1F
	crc5Width = 5

	crc16Poly  = 0xA001 // reflected form of x^16+x^15+x^2+1
	crc16Init  = 0xFFFF
	crc16Width = 16
)

// CRC5Residue is the fixed register value (after bit-reversal, see
// crc5Checker.good) a good token CRC5 leaves behind.
const CRC5Residue = 0x0C

// CRC16Residue is the fixed register value (after bit-reversal) a good data
// CRC16 leaves behind.
const CRC16Residue = 0x800D

// crc5Step advances a 5-bit CRC register by one bit.
func crc5Step(reg uint8, bit uint32) uint8 {
	fb := (reg & 1) ^ uint8(bit&1)
	reg >>= 1
	if fb != 0 {
		reg ^= crc5Poly
	}
	return reg & 0x1F
}

// crc16Step advances a 16-bit CRC register by one bit.
func crc16Step(reg uint16, bit uint32) uint16 {
	fb := (reg & 1) ^ uint16(bit&1)
	reg >>= 1
	if fb != 0 {
		reg ^= crc16Poly
	}
	return reg
}

// CRC5 computes the 5-bit token CRC over addr (7 bits) followed by endp (4
// bits), both fed LSB-first as they appear on the wire.
func CRC5(addr uint8, endp uint8) uint8 {
	reg := uint8(crc5Init)

	for i := 0; i < 7; i++ {
		reg = crc5Step(reg, bits.Bit(uint32(addr), i))
	}
	for i := 0; i < 4; i++ {
		reg = crc5Step(reg, bits.Bit(uint32(endp), i))
	}

	return (reg ^ 0x1F) & 0x1F
}

// CRC16 computes the 16-bit data CRC over payload, each byte fed LSB-first.
func CRC16(payload []byte) uint16 {
	reg := uint16(crc16Init)

	for _, b := range payload {
		for i := 0; i < 8; i++ {
			reg = crc16Step(reg, bits.Bit(uint32(b), i))
		}
	}

	return reg ^ 0xFFFF
}

// crc5Checker accumulates a CRC5 register bit-by-bit for the receive-side
// residue check, stalling gracefully since it has no notion of packet
// boundaries of its own.
type crc5Checker struct {
	reg uint8
}

func newCRC5Checker() *crc5Checker {
	return &crc5Checker{reg: crc5Init}
}

func (c *crc5Checker) push(bit uint32) {
	c.reg = crc5Step(c.reg, bit)
}

// good reports whether the accumulated register (after the field and its
// received CRC5 have both been pushed) is the fixed residue value.
func (c *crc5Checker) good() bool {
	return bits.Reverse(uint32(c.reg), crc5Width) == CRC5Residue
}

// crc16Checker is the data-packet equivalent of crc5Checker, run over the
// payload plus its received CRC16 for the receive-side residue check.
type crc16Checker struct {
	reg uint16
}

func newCRC16Checker() *crc16Checker {
	return &crc16Checker{reg: crc16Init}
}

func (c *crc16Checker) push(bit uint32) {
	c.reg = crc16Step(c.reg, bit)
}

func (c *crc16Checker) good() bool {
	return bits.Reverse(uint32(c.reg), crc16Width) == CRC16Residue
}
