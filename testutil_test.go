// USB device controller core
// https://github.com/usbarmory/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

// encodePacket runs a complete packet through an Encoder and returns every
// line-state symbol it produced, one per usb_12 tick. Tests use this
// instead of hand-writing bit patterns so RX-side tests exercise exactly
// what the TX side actually emits.
func encodePacket(pid PID, tokenPayload uint16, data []byte) []LineState {
	var enc Encoder
	enc.Start(pid, tokenPayload)

	var syms []LineState
	pos := 0
	for {
		dataHave := pos < len(data)
		var b byte
		if dataHave {
			b = data[pos]
		}

		sym, _, pktEnd, dataGet := enc.Tick(dataHave, b)
		syms = append(syms, sym)
		if dataGet {
			pos++
		}
		if pktEnd {
			break
		}
	}

	return syms
}

// rxResult is the accumulated outcome of feeding a symbol stream through
// the framer and decoder.
type rxResult struct {
	PID          PID
	Addr         uint8
	Endp         uint8
	TokenPayload uint16
	Data         []byte
	PktGood      bool
	SawPktStart  bool
	SawPktEnd    bool
}

// runRX feeds syms through a fresh NRZIDecoder, Framer and Decoder, one
// symbol per usb_12 tick.
func runRX(syms []LineState) rxResult {
	var nrzi NRZIDecoder
	var framer Framer
	var dec Decoder
	var res rxResult

	for _, s := range syms {
		bit, valid, se0, stuffErr := nrzi.Tick(s)
		fo := framer.Tick(bit, valid, se0)
		if fo.PktStart {
			res.SawPktStart = true
		}

		do := dec.Tick(fo.PktStart, fo.PktActive, bit, valid, stuffErr)
		if do.Decoded {
			res.PID = do.PID
			if do.PID.Category() == CategoryToken {
				res.Addr = do.Addr
				res.Endp = do.Endp
				res.TokenPayload = do.TokenPayload
			}
		}
		if do.DataStrobe {
			res.Data = append(res.Data, do.DataByte)
		}

		if fo.PktEnd {
			res.SawPktEnd = true
			res.PktGood = dec.Finish()
		}
	}

	return res
}
