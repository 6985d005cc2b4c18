// USB device controller core
// https://github.com/usbarmory/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import "fmt"

// Controller is the top-level core: it owns the endpoint state table
// and wires the receive pipeline (A Sampler → B NRZIDecoder → C Framer → D
// Decoder) into the transaction FSMs (F), and the FSMs' output back through
// the transmit pipeline (E Encoder) to the line. A single instance owns
// all controller state; a test or cmd/usbsim instantiates one per
// scenario.
type Controller struct {
	DeviceAddress uint8
	pullupEnabled bool

	endpoints map[uint8]*Endpoint
	fsms      []*FSM

	sampler Sampler
	nrzi    NRZIDecoder
	framer  Framer
	decoder Decoder
	encoder Encoder

	activeIn *Endpoint

	prevOE       bool
	prevTxPktEnd bool
	curSym       LineState
}

// NewController builds a controller from cfg: one Endpoint per configured
// epaddr and one FSM per configured epnum, both directions wired into it.
func NewController(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		endpoints: make(map[uint8]*Endpoint),
	}

	for _, ep := range cfg.Endpoints {
		var out, in *Endpoint

		if ep.Dir == EndpointOut || ep.Dir == EndpointBidir {
			out = NewEndpoint()
			c.endpoints[EPAddr(ep.Num, DirOut)] = out
		}
		if ep.Dir == EndpointIn || ep.Dir == EndpointBidir {
			in = NewEndpoint()
			c.endpoints[EPAddr(ep.Num, DirIn)] = in
		}

		c.fsms = append(c.fsms, NewFSM(ep.Num, out, in))
	}

	return c, nil
}

func (c *Controller) endpoint(epaddr uint8) (*Endpoint, error) {
	e, ok := c.endpoints[epaddr]
	if !ok {
		return nil, fmt.Errorf("usb: endpoint %#x not configured", epaddr)
	}
	return e, nil
}

// SetResponse latches the response disposition for epaddr.
func (c *Controller) SetResponse(epaddr uint8, r Response) error {
	e, err := c.endpoint(epaddr)
	if err != nil {
		return err
	}
	e.Response = r
	return nil
}

// SetData arms an IN endpoint's transmit FIFO.
func (c *Controller) SetData(epaddr uint8, data []byte) error {
	e, err := c.endpoint(epaddr)
	if err != nil {
		return err
	}
	e.SetData(data)
	return nil
}

// ExpectData drains an OUT endpoint's receive FIFO.
func (c *Controller) ExpectData(epaddr uint8) ([]byte, error) {
	e, err := c.endpoint(epaddr)
	if err != nil {
		return nil, err
	}
	return e.ExpectData(), nil
}

// Pending reports an endpoint's pending flag.
func (c *Controller) Pending(epaddr uint8) (bool, error) {
	e, err := c.endpoint(epaddr)
	if err != nil {
		return false, err
	}
	return e.Pending(), nil
}

// ClearPending acknowledges an endpoint's committed transaction.
func (c *Controller) ClearPending(epaddr uint8) error {
	e, err := c.endpoint(epaddr)
	if err != nil {
		return err
	}
	return e.ClearPending()
}

// DTB reports an endpoint's current data toggle bit.
func (c *Controller) DTB(epaddr uint8) (bool, error) {
	e, err := c.endpoint(epaddr)
	if err != nil {
		return false, err
	}
	return e.DTB(), nil
}

// PullupEnable controls whether the device advertises its presence on the
// bus; while disabled the core neither samples nor drives the line.
func (c *Controller) PullupEnable(enable bool) {
	if enable != c.pullupEnabled {
		logger.Info("pullup", "enabled", enable)
	}
	c.pullupEnabled = enable
}

// Reset recovers any FSM parked in ERROR, as if an external bus reset
// had occurred.
func (c *Controller) Reset() {
	for _, f := range c.fsms {
		f.Reset()
	}
}

// Tick advances the entire core by one usb_48 cycle: p, n are this cycle's
// raw differential-pair sample. It returns the line state and
// output-enable the device itself wants to drive; a caller multiplexing a
// shared bus (see IOBuf) only honors sym when oe is true.
//
// Tick is a deterministic function of (state, input) with no goroutines,
// driven by whatever scheduler the caller chooses for the usb_48 domain.
// The usb_12 domain (NRZI/framer/decoder/FSM/encoder) only advances on
// the recovered bit strobe.
func (c *Controller) Tick(p, n bool) (sym LineState, oe bool) {
	if !c.pullupEnabled {
		return J, false
	}

	state, bitStrobe := c.sampler.Tick(p, n)
	if !bitStrobe {
		return c.curSym, c.prevOE
	}

	// The RX framer is reset whenever TX output-enable was asserted,
	// so the core never decodes its own loopback.
	if c.prevOE {
		c.framer = Framer{}
		c.decoder = Decoder{}
	}

	if !c.framer.Busy() {
		c.nrzi.ResetRun()
	}

	bit, valid, se0, bitstuffErr := c.nrzi.Tick(state)
	fo := c.framer.Tick(bit, valid, se0)
	do := c.decoder.Tick(fo.PktStart, fo.PktActive, bit, valid, bitstuffErr)

	var pktGood bool
	if fo.PktEnd {
		pktGood = c.decoder.Finish()
	}

	ev := FSMEvent{
		RxPktStart:   fo.PktStart,
		RxDecoded:    do.Decoded,
		RxPktEnd:     fo.PktEnd,
		RxPktGood:    pktGood,
		RxPID:        do.PID,
		RxAddrMatch:  do.Addr == c.DeviceAddress,
		RxEndp:       do.Endp,
		RxDataStrobe: do.DataStrobe,
		RxDataByte:   do.DataByte,
		TxPktEnd:     c.prevTxPktEnd,
	}

	// Every FSM observes every bus event; at most one (the addressed
	// endpoint's) asks for the transmitter on a given tick.
	for _, f := range c.fsms {
		out := f.Tick(ev)

		if out.TxStart {
			c.encoder.Start(out.TxPID, 0)
			if out.TxPID.Category() == CategoryData {
				c.activeIn = f.in
			} else {
				c.activeIn = nil
			}
		}

		switch {
		case out.Commit:
			logger.Debug("commit", "epnum", f.epnum, "tok", f.tok, "setup", out.Setup)
		case out.Abort:
			logger.Debug("abort", "epnum", f.epnum, "tok", f.tok, "response", f.responsePID)
		case out.Error:
			logger.Debug("transaction error", "epnum", f.epnum, "tok", f.tok)
		}
	}

	for _, e := range c.endpoints {
		e.tickTrigger()
	}

	var dataHave bool
	var dataByte byte
	if c.activeIn != nil {
		dataByte, dataHave = c.activeIn.peekByte()
	}

	txSym, txOE, txPktEnd, dataGet := c.encoder.Tick(dataHave, dataByte)
	if dataGet && c.activeIn != nil {
		c.activeIn.advanceByte()
	}
	if txPktEnd {
		c.activeIn = nil
	}

	c.prevOE = txOE
	c.prevTxPktEnd = txPktEnd
	c.curSym = txSym

	return txSym, txOE
}

// IOBuf models the external differential-pair wire as an FPGA I/O buffer
// primitive would: it multiplexes the core's
// own output-enabled drive with whatever else is driving the bus (a
// simulated host in tests/cmd/usbsim).
type IOBuf struct{}

// Resolve returns the physical pin sample the bus settles to this cycle.
func (IOBuf) Resolve(devOE bool, devSym LineState, hostDriving bool, hostSym LineState) (p, n bool) {
	switch {
	case devOE:
		return lineStateToPN(devSym)
	case hostDriving:
		return lineStateToPN(hostSym)
	default:
		return lineStateToPN(J)
	}
}

func lineStateToPN(s LineState) (p, n bool) {
	switch s {
	case J:
		return true, false
	case K:
		return false, true
	case SE1:
		return true, true
	default:
		return false, false
	}
}
