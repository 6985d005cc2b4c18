// USB transaction state machine
// https://github.com/usbarmory/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

type fsmState uint8

const (
	fsmWaitToken fsmState = iota
	fsmRecvToken
	fsmPollResponse
	fsmWaitData
	fsmRecvData
	fsmSendData
	fsmSendHand
	fsmWaitHand
	fsmError
)

func (s fsmState) String() string {
	switch s {
	case fsmWaitToken:
		return "WAIT_TOKEN"
	case fsmRecvToken:
		return "RECV_TOKEN"
	case fsmPollResponse:
		return "POLL_RESPONSE"
	case fsmWaitData:
		return "WAIT_DATA"
	case fsmRecvData:
		return "RECV_DATA"
	case fsmSendData:
		return "SEND_DATA"
	case fsmSendHand:
		return "SEND_HAND"
	case fsmWaitHand:
		return "WAIT_HAND"
	default:
		return "ERROR"
	}
}

// FSMEvent carries the RX/TX signals the transaction FSM reacts to on one
// usb_12 tick. The controller runs the shared RX pipeline and TX
// encoder once per tick and hands the same event to every endpoint's FSM;
// each FSM decides independently, via RxAddrMatch and its own epnum,
// whether a token addresses it.
type FSMEvent struct {
	RxPktStart bool
	RxDecoded  bool
	RxPktEnd   bool
	RxPktGood  bool

	RxPID       PID
	RxAddrMatch bool
	RxEndp      uint8

	RxDataStrobe bool
	RxDataByte   byte

	TxPktEnd bool
}

// FSMOutput carries the FSM's per-tick output pulses: a request to
// prime the shared transmitter, plus the start/setup/commit/abort
// observation pulses the endpoint table consumers latch off.
type FSMOutput struct {
	TxStart bool
	TxPID   PID

	Start  bool
	Setup  bool
	Commit bool
	Abort  bool
	Error  bool
}

// FSM is the per-endpoint-number transaction state machine: it owns
// both directions' state tables for one epnum and sequences a single
// transfer from token through handshake to commit.
type FSM struct {
	epnum uint8
	out   *Endpoint // nil if epnum has no OUT/SETUP direction configured
	in    *Endpoint // nil if epnum has no IN direction configured

	state fsmState

	tok         PID
	addrMatch   bool
	endp        uint8
	gotTok      bool
	responsePID PID
}

// NewFSM returns a transaction FSM for epnum, starting in WAIT_TOKEN. out
// and/or in may be nil for a unidirectional endpoint.
func NewFSM(epnum uint8, out, in *Endpoint) *FSM {
	return &FSM{epnum: epnum, out: out, in: in, state: fsmWaitToken}
}

// Reset recovers from ERROR (and is harmless from any other state): the
// only way out of ERROR is an external reset.
func (f *FSM) Reset() {
	f.state = fsmWaitToken
}

// State reports the FSM's current state, mainly for tests and diagnostics.
func (f *FSM) State() fsmState {
	return f.state
}

// Tick advances the FSM by one usb_12 tick.
func (f *FSM) Tick(ev FSMEvent) FSMOutput {
	var out FSMOutput

	switch f.state {
	case fsmWaitToken:
		if ev.RxPktStart {
			f.state = fsmRecvToken
		}

	case fsmRecvToken:
		// Latch the token fields as they decode, but only leave for
		// POLL_RESPONSE once the packet terminates cleanly: the decoded
		// result is final at pkt_end, and answering before
		// the host's EOP has drained would drive into its last bits.
		if ev.RxDecoded {
			f.tok = ev.RxPID
			f.addrMatch = ev.RxAddrMatch
			f.endp = ev.RxEndp
			f.gotTok = true
			out.Start = ev.RxPID.Category() == CategoryToken
		}
		if ev.RxPktEnd {
			if f.gotTok && ev.RxPktGood {
				f.state = fsmPollResponse
			} else {
				// CRC5 mismatch or truncated token: drop.
				f.state = fsmWaitToken
			}
			f.gotTok = false
		}

	case fsmPollResponse:
		out = f.pollResponse()

	case fsmWaitData:
		if ev.RxDecoded {
			if ev.RxPID.Category() == CategoryData {
				f.state = fsmRecvData
			} else {
				f.state = fsmError
				out.Error = true
			}
		}

	case fsmRecvData:
		if ev.RxDataStrobe && f.responsePID == PID_ACK {
			f.out.pushByte(ev.RxDataByte)
		}
		if ev.RxPktEnd {
			if !ev.RxPktGood {
				// A corrupt data packet must never be ACKed.
				f.responsePID = PID_NAK
			}
			f.state = fsmSendHand
			out.TxStart = true
			out.TxPID = f.responsePID
		}

	case fsmSendData:
		if ev.TxPktEnd {
			f.state = fsmWaitHand
		}

	case fsmWaitHand:
		if ev.RxDecoded {
			if ev.RxPID.Category() == CategoryHandshake {
				f.in.flipDTB()
				f.in.trigger = true
				out.Commit = true
				f.state = fsmWaitToken
			} else {
				f.state = fsmError
				out.Error = true
			}
		}

	case fsmSendHand:
		if ev.TxPktEnd {
			f.commitOrAbort(&out)
			f.state = fsmWaitToken
		}
	}

	return out
}

// pollResponse implements the POLL_RESPONSE row of the transition table:
// rdy gates on the latched address match and on an endpoint table row
// existing for the direction the token names; each token type then decides
// the response and which phase to enter.
func (f *FSM) pollResponse() FSMOutput {
	var out FSMOutput

	if !f.addrMatch || f.endp != f.epnum {
		f.state = fsmWaitToken
		return out
	}

	switch f.tok {
	case PID_SETUP:
		if f.out == nil {
			f.state = fsmWaitToken
			return out
		}
		f.responsePID = PID_ACK
		f.state = fsmWaitData

	case PID_OUT:
		if f.out == nil {
			f.state = fsmWaitToken
			return out
		}
		switch f.out.resolvedResponse() {
		case ResponseSTALL:
			f.responsePID = PID_STALL
		case ResponseACK:
			f.responsePID = PID_ACK
		default:
			f.responsePID = PID_NAK
		}
		f.state = fsmWaitData

	case PID_IN:
		if f.in == nil {
			f.state = fsmWaitToken
			return out
		}
		resp := f.in.resolvedResponse()
		if resp != ResponseACK {
			if resp == ResponseSTALL {
				f.responsePID = PID_STALL
			} else {
				f.responsePID = PID_NAK
			}
			f.state = fsmSendHand
			out.TxStart = true
			out.TxPID = f.responsePID
		} else {
			f.responsePID = PID_ACK
			f.state = fsmSendData
			pid := PID_DATA0
			if f.in.DTB() {
				pid = PID_DATA1
			}
			out.TxStart = true
			out.TxPID = pid
		}

	default:
		// e.g. SOF: not a transaction-bearing token, drop.
		f.state = fsmWaitToken
	}

	return out
}

// commitOrAbort applies the SEND_HAND commit/abort side effects. A
// plain OUT commit flips the OUT toggle; a SETUP commit forces both
// directions' toggle to DATA1 outright rather than flipping the OUT side,
// since flipping would only land on 1 if the toggle happened to start at
// 0, and a SETUP handshake must leave both directions at DATA1.
func (f *FSM) commitOrAbort(out *FSMOutput) {
	if f.responsePID != PID_ACK {
		out.Abort = true
		return
	}

	if f.tok == PID_SETUP {
		f.out.SetDTB(true)
		f.out.Response = ResponseNAK
		if f.in != nil {
			f.in.SetDTB(true)
			f.in.Response = ResponseNAK
		}
		out.Setup = true
	} else {
		f.out.flipDTB()
	}
	f.out.trigger = true
	out.Commit = true
}
