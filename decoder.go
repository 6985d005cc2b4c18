// USB packet decoder
// https://github.com/usbarmory/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import "github.com/usbarmory/usbcore/bits"

// Decoder implements the RX packet decoder: PID/complement check,
// then dispatch on pid&0x3 into token fields (+CRC5), a streamed data byte
// path (+running CRC16), or a bare handshake.
//
// Every byte after the PID, including the trailing CRC bytes of a data
// packet, is streamed out through DataStrobe/DataByte: the decoder has no
// notion of payload length, so it is the transaction FSM's job to decide
// which strobed bytes belong in an endpoint buffer.
type Decoder struct {
	started    bool
	headerBits int

	pidByte byte
	pid     PID
	pidOK   bool
	cat     PIDCategory

	tokenVal uint32

	crc5  *crc5Checker
	crc16 *crc16Checker

	// crc16ByteReg snapshots the CRC16 register at the last completed
	// byte: trailing dribble bits are not byte-aligned and must not
	// disturb the residue check.
	crc16ByteReg uint16

	curByte     byte
	curByteBits int

	bitstuffErr bool
}

// DecoderOutput carries the decoder's output signals for one tick.
type DecoderOutput struct {
	Decoded      bool
	PID          PID
	Addr         uint8
	Endp         uint8
	TokenPayload uint16

	DataStrobe bool
	DataByte   byte
}

// Reset reinitializes the decoder for a new packet; called on pkt_start.
func (d *Decoder) Reset() {
	*d = Decoder{
		started:      true,
		crc5:         newCRC5Checker(),
		crc16:        newCRC16Checker(),
		crc16ByteReg: crc16Init,
	}
}

// Tick processes one destuffed bit while the framer reports pkt_active.
func (d *Decoder) Tick(pktStart bool, pktActive bool, bit uint32, valid bool, bitstuffErr bool) DecoderOutput {
	var out DecoderOutput

	if pktStart {
		d.Reset()
	}
	if bitstuffErr {
		d.bitstuffErr = true
	}
	if !d.started || !pktActive || !valid {
		return out
	}

	switch {
	case d.headerBits < 8:
		d.pidByte = byte(bits.SetBit(uint32(d.pidByte), d.headerBits, bit))
		d.headerBits++

		if d.headerBits == 8 {
			d.pid, d.pidOK = DecodePID(d.pidByte)
			d.cat = d.pid.Category()

			if d.cat != CategoryToken {
				out.Decoded = true
				out.PID = d.pid
			}
		}

	case d.cat == CategoryToken:
		idx := d.headerBits - 8
		if idx < 11 {
			d.tokenVal = bits.SetBit(d.tokenVal, idx, bit)
		}
		if idx < 16 {
			// Anything past the 16 field bits is dribble and must not
			// disturb the residue.
			d.crc5.push(bit)
		}
		d.headerBits++

		if d.headerBits-8 == 16 {
			out.Decoded = true
			out.PID = d.pid
			out.TokenPayload = uint16(d.tokenVal)
			out.Addr = uint8(bits.Field(d.tokenVal, 0, 7))
			out.Endp = uint8(bits.Field(d.tokenVal, 7, 4))
		}

	case d.cat == CategoryData:
		d.crc16.push(bit)

		d.curByte = byte(bits.SetBit(uint32(d.curByte), d.curByteBits, bit))
		d.curByteBits++

		if d.curByteBits == 8 {
			out.DataStrobe = true
			out.DataByte = d.curByte
			d.crc16ByteReg = d.crc16.reg
			d.curByte = 0
			d.curByteBits = 0
		}

	case d.cat == CategoryHandshake:
		// No further fields; any bits here are dribble and ignored.
	}

	return out
}

// Finish reports pkt_good for the just-completed packet, applying the
// late-bitstuff rule uniformly.
func (d *Decoder) Finish() bool {
	if !d.started || !d.pidOK || d.bitstuffErr {
		return false
	}

	switch d.cat {
	case CategoryToken:
		return d.crc5.good()
	case CategoryData:
		// The residue is judged at the last byte boundary, leaving any
		// trailing dribble bits out of the check.
		return bits.Reverse(uint32(d.crc16ByteReg), crc16Width) == CRC16Residue
	case CategoryHandshake:
		return true
	default:
		return false
	}
}

// PID returns the PID decoded so far (valid once 8 header bits arrive).
func (d *Decoder) PID() PID {
	return d.pid
}
