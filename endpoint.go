// USB endpoint state table
// https://github.com/usbarmory/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import "fmt"

// Response is the handshake disposition an endpoint answers with, absent
// an overriding pending condition.
type Response uint8

const (
	ResponseACK Response = iota
	ResponseNAK
	ResponseSTALL
)

func (r Response) String() string {
	switch r {
	case ResponseACK:
		return "ACK"
	case ResponseSTALL:
		return "STALL"
	default:
		return "NAK"
	}
}

// Dir selects one of the two independent endpoint state tables a given
// endpoint number exposes.
type Dir uint8

const (
	DirOut Dir = iota
	DirIn
)

// EPAddr computes the flat endpoint address the state table is indexed by:
// epaddr = (epnum<<1) | dir.
func EPAddr(epnum uint8, dir Dir) uint8 {
	return (epnum << 1) | uint8(dir)
}

// Endpoint is the per-epaddr state table entry: a software-set
// response disposition, a data toggle bit, a commit-backpressure pending
// latch, and a byte buffer (transmit FIFO for IN, receive FIFO for OUT).
type Endpoint struct {
	Response Response

	dtb        bool
	pending    bool
	trigger    bool
	armPending bool

	buf    []byte
	bufPos int
}

// NewEndpoint returns an endpoint reset to its power-on state: NAK, DATA0
// expected next, no pending transaction.
func NewEndpoint() *Endpoint {
	return &Endpoint{Response: ResponseNAK}
}

// DTB reports the data toggle bit: false is DATA0, true is DATA1.
func (e *Endpoint) DTB() bool {
	return e.dtb
}

// SetDTB forces the data toggle bit, for software that needs to
// resynchronize a toggle outside of the normal FSM commit flow.
func (e *Endpoint) SetDTB(v bool) {
	e.dtb = v
}

func (e *Endpoint) flipDTB() {
	e.dtb = !e.dtb
}

// Pending reports whether a transaction has committed on this endpoint and
// not yet been acknowledged by software.
func (e *Endpoint) Pending() bool {
	return e.pending
}

// ClearPending acknowledges a committed transaction, allowing the next
// matching token through instead of being forced to NAK. It is an error to
// call this while a commit is landing on the same tick (trigger still
// asserted) or when nothing is pending.
func (e *Endpoint) ClearPending() error {
	if e.trigger {
		return fmt.Errorf("usb: clear pending: commit still in flight")
	}
	if !e.pending {
		return fmt.Errorf("usb: clear pending: no pending transaction")
	}
	e.pending = false
	return nil
}

// resolvedResponse applies the pending-overrides-ACK rule: while a
// prior transaction's completion is unacknowledged, every response reads
// as NAK regardless of what Response holds, so new traffic isn't silently
// consumed ahead of software observing the old transfer.
func (e *Endpoint) resolvedResponse() Response {
	if e.pending {
		return ResponseNAK
	}
	return e.Response
}

// tickTrigger advances the commit-to-pending edge: trigger asserted during
// this tick raises pending at the next tick boundary. The
// controller calls this once per endpoint per usb_12 tick, after every FSM
// has run.
func (e *Endpoint) tickTrigger() {
	if e.armPending {
		e.pending = true
		e.armPending = false
	}
	if e.trigger {
		e.armPending = true
		e.trigger = false
	}
}

// SetData arms an IN endpoint's transmit FIFO; the caller must not
// mutate data after arming it.
func (e *Endpoint) SetData(data []byte) {
	e.buf = data
	e.bufPos = 0
}

// peekByte reports the next buffered byte without consuming it, so the
// encoder can be asked combinatorially whether data is available this
// tick before committing to consuming it.
func (e *Endpoint) peekByte() (b byte, ok bool) {
	if e.bufPos >= len(e.buf) {
		return 0, false
	}
	return e.buf[e.bufPos], true
}

// advanceByte consumes the byte peekByte last reported available.
func (e *Endpoint) advanceByte() {
	if e.bufPos < len(e.buf) {
		e.bufPos++
	}
}

func (e *Endpoint) pushByte(b byte) {
	e.buf = append(e.buf, b)
}

// ExpectData drains an OUT endpoint's receive FIFO, including the trailing
// CRC16 bytes. Bytes are appended as they are received, so they are not
// checked against the CRC here.
func (e *Endpoint) ExpectData() []byte {
	out := e.buf
	e.buf = nil
	e.bufPos = 0
	return out
}
