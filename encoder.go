// USB packet encoder
// https://github.com/usbarmory/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import "github.com/usbarmory/usbcore/bits"

type encStage uint8

const (
	encIdle encStage = iota
	encSync
	encPID
	encToken
	encCRC5
	encData
	encCRC16
	encEOP1
	encEOP2
	encEOP3
)

// Encoder implements the TX packet encoder: it serializes SYNC, PID
// and complement, the token or data fields and their CRC, then hands every
// emitted bit to an embedded NRZIEncoder for bit-stuffing and NRZI encoding
// (SYNC itself is exempt from stuffing), and finishes with EOP.
type Encoder struct {
	running bool
	stage   encStage
	bitIdx  int

	pid     PID
	isToken bool
	isData  bool

	tokenPayload uint32
	crc5Val      uint8

	crc16      *crc16Checker
	crc16Bytes [2]byte
	crc16Idx   int

	haveByte    bool
	curByte     byte
	curByteBits int

	nrzi       NRZIEncoder
	pendingSym *LineState
}

// Start primes the encoder to begin a new packet on the next Tick call.
// tokenPayload is only consulted when pid is a token PID.
func (e *Encoder) Start(pid PID, tokenPayload uint16) {
	cat := pid.Category()

	*e = Encoder{
		running: true,
		stage:   encSync,
		pid:     pid,
		isToken: cat == CategoryToken,
		isData:  cat == CategoryData,
		crc16:   newCRC16Checker(),
	}

	if e.isToken {
		e.tokenPayload = uint32(tokenPayload) & 0x7FF
		addr := uint8(bits.Field(e.tokenPayload, 0, 7))
		endp := uint8(bits.Field(e.tokenPayload, 7, 4))
		e.crc5Val = CRC5(addr, endp)
	}
}

// Running reports whether a packet transmission is in progress.
func (e *Encoder) Running() bool {
	return e.running
}

// Tick advances the encoder by one wire-bit-time. dataHave/dataByte supply
// the next payload byte for DATA packets (ignored otherwise); dataGet
// pulses when dataByte was consumed this tick. oe mirrors the transmitter's
// output-enable, asserted from the first SYNC bit through the final EOP
// symbol.
func (e *Encoder) Tick(dataHave bool, dataByte byte) (sym LineState, oe bool, pktEnd bool, dataGet bool) {
	if !e.running {
		return J, false, false, false
	}

	if e.pendingSym != nil {
		sym = *e.pendingSym
		e.pendingSym = nil
		return sym, true, false, false
	}

	return e.step(dataHave, dataByte)
}

func (e *Encoder) emit(bit uint32) LineState {
	syms := e.nrzi.Push(bit)
	if len(syms) > 1 {
		s := syms[1]
		e.pendingSym = &s
	}
	return syms[0]
}

func (e *Encoder) step(dataHave bool, dataByte byte) (sym LineState, oe bool, pktEnd bool, dataGet bool) {
	switch e.stage {
	case encSync:
		bit := uint32(0)
		if e.bitIdx == syncZeros {
			bit = 1
		}
		sym = e.nrzi.encodeOne(bit)

		e.bitIdx++
		if e.bitIdx == 8 {
			e.bitIdx = 0
			e.stage = encPID
		}
		return sym, true, false, false

	case encPID:
		bit := bits.Bit(uint32(EncodePID(e.pid)), e.bitIdx)
		sym = e.emit(bit)

		e.bitIdx++
		if e.bitIdx == 8 {
			e.bitIdx = 0
			switch {
			case e.isToken:
				e.stage = encToken
			case e.isData:
				e.stage = encData
			default:
				e.stage = encEOP1
			}
		}
		return sym, true, false, false

	case encToken:
		bit := bits.Bit(e.tokenPayload, e.bitIdx)
		sym = e.emit(bit)

		e.bitIdx++
		if e.bitIdx == 11 {
			e.bitIdx = 0
			e.stage = encCRC5
		}
		return sym, true, false, false

	case encCRC5:
		bit := bits.Bit(uint32(e.crc5Val), e.bitIdx)
		sym = e.emit(bit)

		e.bitIdx++
		if e.bitIdx == 5 {
			e.stage = encEOP1
		}
		return sym, true, false, false

	case encData:
		if !e.haveByte {
			if !dataHave {
				e.finalizeCRC16()
				e.stage = encCRC16
				e.bitIdx = 0
				return e.step(dataHave, dataByte)
			}
			e.curByte = dataByte
			e.curByteBits = 0
			e.haveByte = true
			dataGet = true
		}

		bit := bits.Bit(uint32(e.curByte), e.curByteBits)
		e.crc16.push(bit)
		sym = e.emit(bit)

		e.curByteBits++
		if e.curByteBits == 8 {
			e.haveByte = false
		}
		return sym, true, false, dataGet

	case encCRC16:
		bit := bits.Bit(uint32(e.crc16Bytes[e.crc16Idx]), e.bitIdx)
		sym = e.emit(bit)

		e.bitIdx++
		if e.bitIdx == 8 {
			e.bitIdx = 0
			e.crc16Idx++
			if e.crc16Idx == 2 {
				e.stage = encEOP1
			}
		}
		return sym, true, false, false

	case encEOP1:
		e.stage = encEOP2
		return SE0, true, false, false

	case encEOP2:
		e.stage = encEOP3
		return SE0, true, false, false

	case encEOP3:
		e.running = false
		e.stage = encIdle
		return J, true, true, false
	}

	return J, false, false, false
}

// finalizeCRC16 computes the trailing CRC16 bytes over the unstuffed
// logical byte stream accumulated so far, LSB byte first.
func (e *Encoder) finalizeCRC16() {
	reg := e.crc16.reg ^ 0xFFFF
	e.crc16Bytes[0] = byte(reg & 0xFF)
	e.crc16Bytes[1] = byte(reg >> 8)
}
