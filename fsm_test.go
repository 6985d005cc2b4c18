// USB transaction state machine
// https://github.com/usbarmory/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// driveToken carries a FSM from WAIT_TOKEN through POLL_RESPONSE for a
// token addressed to (addr, epnum): the decoded fields land one tick, the
// clean EOP a tick later, matching the decoder's emit-at-pkt_end contract.
func driveToken(t *testing.T, f *FSM, tok PID, endp uint8) FSMOutput {
	t.Helper()

	out := f.Tick(FSMEvent{RxPktStart: true})
	require.Equal(t, FSMOutput{}, out)
	require.Equal(t, fsmRecvToken, f.State())

	out = f.Tick(FSMEvent{RxDecoded: true, RxPID: tok, RxAddrMatch: true, RxEndp: endp})
	require.Equal(t, fsmRecvToken, f.State(), "token fields latch without leaving RECV_TOKEN")
	require.Equal(t, tok.Category() == CategoryToken, out.Start)

	out = f.Tick(FSMEvent{RxPktEnd: true, RxPktGood: true})
	require.Equal(t, FSMOutput{}, out)
	require.Equal(t, fsmPollResponse, f.State())

	return f.Tick(FSMEvent{})
}

// driveDataIn feeds payload bytes through RECV_DATA and returns the
// SEND_HAND output once RxPktEnd lands.
func driveDataIn(f *FSM, payload []byte, pktGood bool) FSMOutput {
	f.Tick(FSMEvent{RxDecoded: true, RxPID: PID_DATA0})
	for _, b := range payload {
		f.Tick(FSMEvent{RxDataStrobe: true, RxDataByte: b})
	}
	return f.Tick(FSMEvent{RxPktEnd: true, RxPktGood: pktGood})
}

// TestFSMSetupDataTransferCommit: a SETUP token
// followed by a good DATA0 packet on endpoint 0 commits, setting both
// directions' DTB to 1 and NAKing both (clearing any prior STALL).
func TestFSMSetupDataTransferCommit(t *testing.T) {
	out := NewEndpoint()
	in := NewEndpoint()
	in.Response = ResponseACK // pre-armed IN side, must be reset to NAK too
	f := NewFSM(0, out, in)

	pollOut := driveToken(t, f, PID_SETUP, 0)
	require.Equal(t, fsmWaitData, f.State())
	require.Equal(t, FSMOutput{}, pollOut)

	handOut := driveDataIn(f, []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x40, 0x00, 0xDD, 0x94}, true)
	require.True(t, handOut.TxStart)
	require.Equal(t, PID_ACK, handOut.TxPID)
	require.Equal(t, fsmSendHand, f.State())

	commitOut := f.Tick(FSMEvent{TxPktEnd: true})
	require.True(t, commitOut.Commit)
	require.True(t, commitOut.Setup)
	require.Equal(t, fsmWaitToken, f.State())

	require.True(t, out.DTB())
	require.True(t, in.DTB())
	require.Equal(t, ResponseNAK, out.Response)
	require.Equal(t, ResponseNAK, in.Response)
	require.True(t, out.trigger)
	require.Equal(t, []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x40, 0x00, 0xDD, 0x94}, out.buf)
}

// TestFSMSetupCorruptDataDoesNotCommit verifies the CRC16-mismatch
// disposition: the device must not ACK, and must not commit or
// flip any toggle, when the DATA stage fails its CRC.
func TestFSMSetupCorruptDataDoesNotCommit(t *testing.T) {
	out := NewEndpoint()
	in := NewEndpoint()
	f := NewFSM(0, out, in)

	driveToken(t, f, PID_SETUP, 0)
	handOut := driveDataIn(f, []byte{0x01, 0x02}, false)

	require.True(t, handOut.TxStart)
	require.Equal(t, PID_NAK, handOut.TxPID)

	abortOut := f.Tick(FSMEvent{TxPktEnd: true})
	require.True(t, abortOut.Abort)
	require.False(t, abortOut.Commit)
	require.Equal(t, fsmWaitToken, f.State())
	require.False(t, out.DTB())
	require.False(t, out.trigger)
}

// TestFSMInTransferPreArmed: an IN endpoint armed with
// data and ACK emits DATA(dtb) and commits (toggling DTB) once the host
// handshakes.
func TestFSMInTransferPreArmed(t *testing.T) {
	in := NewEndpoint()
	in.Response = ResponseACK
	in.SetDTB(true)
	in.SetData([]byte{0x1, 0x2, 0x3, 0x4})
	f := NewFSM(1, nil, in)

	pollOut := driveToken(t, f, PID_IN, 1)
	require.True(t, pollOut.TxStart)
	require.Equal(t, PID_DATA1, pollOut.TxPID)
	require.Equal(t, fsmSendData, f.State())

	f.Tick(FSMEvent{TxPktEnd: true})
	require.Equal(t, fsmWaitHand, f.State())

	commitOut := f.Tick(FSMEvent{RxDecoded: true, RxPID: PID_ACK})
	require.True(t, commitOut.Commit)
	require.Equal(t, fsmWaitToken, f.State())
	require.False(t, in.DTB())
	require.True(t, in.trigger)
}

// TestFSMInTransferNAKThenSuccess: an unarmed IN
// endpoint NAKs immediately (no data phase at all, straight to SEND_HAND),
// and toggles only once armed and acknowledged.
func TestFSMInTransferNAKThenSuccess(t *testing.T) {
	in := NewEndpoint() // power-on: Response=NAK, buffer empty, dtb=0
	f := NewFSM(1, nil, in)

	pollOut := driveToken(t, f, PID_IN, 1)
	require.True(t, pollOut.TxStart)
	require.Equal(t, PID_NAK, pollOut.TxPID)
	require.Equal(t, fsmSendHand, f.State())

	f.Tick(FSMEvent{TxPktEnd: true})
	require.Equal(t, fsmWaitToken, f.State())
	require.False(t, in.DTB(), "a NAKed IN transfer must never toggle DTB")
	require.False(t, in.trigger)

	in.Response = ResponseACK
	in.SetData([]byte{0x5, 0x6, 0x7, 0x8})

	pollOut = driveToken(t, f, PID_IN, 1)
	require.True(t, pollOut.TxStart)
	require.Equal(t, PID_DATA0, pollOut.TxPID, "dtb is still 0 before this transfer commits")

	f.Tick(FSMEvent{TxPktEnd: true})
	f.Tick(FSMEvent{RxDecoded: true, RxPID: PID_ACK})
	require.True(t, in.DTB())
}

// TestFSMSetupClearsStall: a SETUP commit on an
// endpoint whose OUT side was STALLed clears the stall to NAK, and a
// subsequent OUT token sees plain NAK rather than STALL.
func TestFSMSetupClearsStall(t *testing.T) {
	out := NewEndpoint()
	out.Response = ResponseSTALL
	in := NewEndpoint()
	f := NewFSM(0, out, in)

	// OUT always proceeds to a data phase regardless of disposition; only
	// the eventual handshake reflects STALL/NAK/ACK.
	pollOut := driveToken(t, f, PID_OUT, 0)
	require.Equal(t, FSMOutput{}, pollOut)
	require.Equal(t, fsmWaitData, f.State())

	handOut := driveDataIn(f, []byte{0xAA}, true)
	require.Equal(t, PID_STALL, handOut.TxPID)

	f.Tick(FSMEvent{TxPktEnd: true})
	require.Equal(t, fsmWaitToken, f.State())
	require.Equal(t, ResponseSTALL, out.Response, "a STALLed OUT with no commit must not itself clear the stall")

	driveToken(t, f, PID_SETUP, 0)
	setupHand := driveDataIn(f, []byte{0x00, 0x01}, true)
	require.Equal(t, PID_ACK, setupHand.TxPID)
	f.Tick(FSMEvent{TxPktEnd: true})

	require.Equal(t, ResponseNAK, out.Response)

	pollOut = driveToken(t, f, PID_OUT, 0)
	require.Equal(t, FSMOutput{}, pollOut)
	handOut = driveDataIn(f, nil, true)
	require.Equal(t, PID_NAK, handOut.TxPID, "STALL must stay cleared on the next OUT token")
}

// TestFSMPollResponseIgnoresOtherEndpoint verifies the per-FSM address/
// endpoint gating POLL_RESPONSE depends on: a token for a different
// endpoint number returns this FSM to WAIT_TOKEN without side effects.
func TestFSMPollResponseIgnoresOtherEndpoint(t *testing.T) {
	out := NewEndpoint()
	in := NewEndpoint()
	f := NewFSM(0, out, in)

	f.Tick(FSMEvent{RxPktStart: true})
	f.Tick(FSMEvent{RxDecoded: true, RxPID: PID_OUT, RxAddrMatch: true, RxEndp: 3})
	f.Tick(FSMEvent{RxPktEnd: true, RxPktGood: true})
	out2 := f.Tick(FSMEvent{})

	require.Equal(t, FSMOutput{}, out2)
	require.Equal(t, fsmWaitToken, f.State())
}

// TestFSMBadTokenDropped verifies the CRC5-mismatch disposition: a
// token whose packet fails its residue check never reaches POLL_RESPONSE.
func TestFSMBadTokenDropped(t *testing.T) {
	out := NewEndpoint()
	out.Response = ResponseACK
	f := NewFSM(0, out, nil)

	f.Tick(FSMEvent{RxPktStart: true})
	f.Tick(FSMEvent{RxDecoded: true, RxPID: PID_OUT, RxAddrMatch: true, RxEndp: 0})
	f.Tick(FSMEvent{RxPktEnd: true, RxPktGood: false})

	require.Equal(t, fsmWaitToken, f.State())
}

// TestFSMTruncatedTokenDropped covers a packet that terminates before any
// token decoded: pkt_end with nothing latched returns to WAIT_TOKEN.
func TestFSMTruncatedTokenDropped(t *testing.T) {
	f := NewFSM(0, NewEndpoint(), NewEndpoint())

	f.Tick(FSMEvent{RxPktStart: true})
	f.Tick(FSMEvent{RxPktEnd: true, RxPktGood: false})

	require.Equal(t, fsmWaitToken, f.State())
}

// TestFSMSOFDropped verifies SOF (and any token category outside
// {SETUP,OUT,IN}) is silently dropped at POLL_RESPONSE.
func TestFSMSOFDropped(t *testing.T) {
	out := NewEndpoint()
	in := NewEndpoint()
	f := NewFSM(0, out, in)

	out2 := driveToken(t, f, PID_SOF, 0)
	require.Equal(t, FSMOutput{}, out2)
	require.Equal(t, fsmWaitToken, f.State())
}

// TestFSMUnexpectedPIDGoesToError covers the WAIT_DATA ERROR transition
// and recovery via Reset.
func TestFSMUnexpectedPIDGoesToError(t *testing.T) {
	out := NewEndpoint()
	in := NewEndpoint()
	f := NewFSM(0, out, in)

	driveToken(t, f, PID_SETUP, 0)
	f.Tick(FSMEvent{RxDecoded: true, RxPID: PID_ACK}) // not a DATA pid
	require.Equal(t, fsmError, f.State())

	f.Reset()
	require.Equal(t, fsmWaitToken, f.State())
}

// TestFSMWaitHandUnexpectedPIDGoesToError covers the SEND_DATA/WAIT_HAND
// path erroring on a non-handshake reply.
func TestFSMWaitHandUnexpectedPIDGoesToError(t *testing.T) {
	in := NewEndpoint()
	in.Response = ResponseACK
	in.SetData([]byte{0x1})
	f := NewFSM(1, nil, in)

	driveToken(t, f, PID_IN, 1)
	f.Tick(FSMEvent{TxPktEnd: true})
	require.Equal(t, fsmWaitHand, f.State())

	f.Tick(FSMEvent{RxDecoded: true, RxPID: PID_OUT})
	require.Equal(t, fsmError, f.State())
}

// TestFSMEmptyDataPacketCommits pins the status-stage case: a
// zero-length DATA
// payload (status stage) is a legal commit as long as pkt_good holds.
func TestFSMEmptyDataPacketCommits(t *testing.T) {
	out := NewEndpoint()
	out.Response = ResponseACK
	in := NewEndpoint()
	f := NewFSM(0, out, in)

	driveToken(t, f, PID_OUT, 0)
	handOut := driveDataIn(f, nil, true)
	require.Equal(t, PID_ACK, handOut.TxPID)

	f.Tick(FSMEvent{TxPktEnd: true})
	require.True(t, out.trigger)
	require.Empty(t, out.buf)
}
