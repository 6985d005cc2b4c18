// USB packet framer
// https://github.com/usbarmory/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

// syncZeros is the run of 0s opening the NRZI-decoded SYNC pattern:
// KJKJKJKK on the wire decodes to seven 0s followed by a 1.
const syncZeros = 7

type framerState uint8

const (
	framerIdle framerState = iota
	framerSyncSearch
	framerActive
	framerEOPWait
)

// Framer implements the RX packet framer: IDLE -> SYNC_SEARCH ->
// ACTIVE -> EOP_WAIT -> IDLE.
type Framer struct {
	state  framerState
	zeros  int
	sawSE0 bool
}

// FramerOutput carries the framer's output signals for one tick.
type FramerOutput struct {
	PktStart  bool
	PktActive bool
	PktEnd    bool
}

// Busy reports whether a packet is in flight (ACTIVE or EOP_WAIT); while
// false the destuffer's run counter is held clear, since stuffing only
// applies between SYNC and EOP.
func (f *Framer) Busy() bool {
	return f.state == framerActive || f.state == framerEOPWait
}

// Tick advances the framer by one recovered bit (from NRZIDecoder.Tick).
// PktActive reflects the framer's state as of the start of this tick, so
// it only turns on the cycle after PktStart fires.
func (f *Framer) Tick(bit uint32, valid bool, se0 bool) FramerOutput {
	var out FramerOutput
	out.PktActive = f.state == framerActive || f.state == framerEOPWait

	switch f.state {
	case framerIdle:
		if se0 || !valid {
			break
		}
		f.state = framerSyncSearch
		f.zeros = 0
		out.PktStart = f.matchSync(bit, valid, se0)

	case framerSyncSearch:
		out.PktStart = f.matchSync(bit, valid, se0)

	case framerActive, framerEOPWait:
		if se0 {
			f.sawSE0 = true
			f.state = framerEOPWait
		} else if valid && f.sawSE0 {
			// pkt_end needs a real non-SE0 observation: a stalled tick
			// (valid=0, se0=0) mid-EOP is a no-op, not the trailing J.
			out.PktEnd = true
			f.state = framerIdle
			f.sawSE0 = false
		}
	}

	return out
}

// matchSync advances the SYNC prefix match by one bit, returning pkt_start
// once the full seven-zeros-then-one pattern has been seen.
func (f *Framer) matchSync(bit uint32, valid bool, se0 bool) bool {
	if se0 {
		f.state = framerIdle
		f.zeros = 0
		return false
	}
	if !valid {
		return false
	}

	if bit == 0 {
		if f.zeros < syncZeros {
			f.zeros++
		}
		return false
	}

	if f.zeros == syncZeros {
		f.state = framerActive
		f.sawSE0 = false
		return true
	}

	f.zeros = 0
	return false
}
