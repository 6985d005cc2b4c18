// USB line sampling, NRZI and bit-stuffing codecs
// https://github.com/usbarmory/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

// LineState is the differential-pair state reported once per 48 MHz
// tick. The zero value, J, is the bus idle state: both the NRZI decoder
// and encoder below rely on that to model the bus powering up idle without
// an explicit reset tick.
type LineState uint8

const (
	J LineState = iota
	K
	SE0
	SE1
)

func (s LineState) String() string {
	switch s {
	case J:
		return "J"
	case K:
		return "K"
	case SE0:
		return "SE0"
	default:
		return "SE1"
	}
}

// DecodeLineState maps a raw differential pair sample to a line state.
func DecodeLineState(p, n bool) LineState {
	switch {
	case p && !n:
		return J
	case !p && n:
		return K
	case p && n:
		return SE1
	default:
		return SE0
	}
}

// Sampler recovers a line state and a 12 MHz bit strobe from raw 48 MHz
// differential-pair samples. It free-runs at a 4x oversample ratio
// and resynchronizes its phase on every line transition so the strobe
// tracks the recovered clock rather than a fixed divider.
type Sampler struct {
	prev  LineState
	phase int
}

// Tick advances the sampler by one 48 MHz cycle.
func (s *Sampler) Tick(p, n bool) (state LineState, bitStrobe bool) {
	state = DecodeLineState(p, n)

	if state != s.prev {
		// Resynchronize: the next bit boundary lands one oversample tick
		// after the edge, not on it.
		s.phase = 3
	} else {
		s.phase = (s.phase + 1) % 4
	}

	s.prev = state
	return state, s.phase == 0
}

// NRZIDecoder merges NRZI decode and bit-destuffing: a transition
// between consecutive bit-strobe samples decodes to 0, no transition to 1;
// after six consecutive 1s the next bit is a stuff bit that must be 0 and is
// always swallowed (valid=false) whether or not it is.
type NRZIDecoder struct {
	prevLine LineState
	ones     int
}

// ResetRun clears the consecutive-ones counter. The controller applies it
// on every strobe outside a packet: stuffing only governs bits between SYNC
// and EOP, so the idle line's continuous 1s must never accumulate into a
// stuff position that would swallow the first SYNC bit.
func (d *NRZIDecoder) ResetRun() {
	d.ones = 0
}

// Tick processes one recovered line-state sample (call only on bit_strobe).
// valid is false for swallowed stuff bits and during SE0/SE1; bitstuffErr
// flags a stuff-bit position that was not 0.
func (d *NRZIDecoder) Tick(state LineState) (bit uint32, valid bool, se0 bool, bitstuffErr bool) {
	se0 = state == SE0 || state == SE1

	if state == d.prevLine {
		bit = 1
	} else {
		bit = 0
	}
	d.prevLine = state

	if se0 {
		d.ones = 0
		return 0, false, true, false
	}

	if d.ones == 6 {
		d.ones = 0
		return 0, false, false, bit != 0
	}

	if bit == 1 {
		d.ones++
	} else {
		d.ones = 0
	}

	return bit, true, false, false
}

// NRZIEncoder merges bit-stuffing and NRZI encode: every sixth
// consecutive logical 1 is followed by an inserted 0 before both are
// NRZI-encoded, so a single logical bit can produce two line-state symbols.
type NRZIEncoder struct {
	cur  LineState
	ones int
}

func (e *NRZIEncoder) encodeOne(bit uint32) LineState {
	if bit == 0 {
		if e.cur == J {
			e.cur = K
		} else {
			e.cur = J
		}
	}
	return e.cur
}

// Push encodes one logical bit, returning one symbol, or two if a stuff bit
// was inserted after it.
func (e *NRZIEncoder) Push(bit uint32) []LineState {
	out := []LineState{e.encodeOne(bit)}

	if bit == 1 {
		e.ones++
		if e.ones == 6 {
			out = append(out, e.encodeOne(0))
			e.ones = 0
		}
	} else {
		e.ones = 0
	}

	return out
}
