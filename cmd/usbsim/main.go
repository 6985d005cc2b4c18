// USB bus simulator
// https://github.com/usbarmory/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command usbsim replays a host-originated USB scenario against a usb.Controller,
// bit-banging the wire exactly as a real host would, and reports each
// device reply and the endpoint buffer contents drained by expect_data steps.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	_ "github.com/mkevac/debugcharts"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	usb "github.com/usbarmory/usbcore"
)

var logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "usbsim"})

var pidNames = map[string]usb.PID{
	"OUT":   usb.PID_OUT,
	"IN":    usb.PID_IN,
	"SOF":   usb.PID_SOF,
	"SETUP": usb.PID_SETUP,
	"DATA0": usb.PID_DATA0,
	"DATA1": usb.PID_DATA1,
	"ACK":   usb.PID_ACK,
	"NAK":   usb.PID_NAK,
	"STALL": usb.PID_STALL,
}

var responseNames = map[string]usb.Response{
	"ACK":   usb.ResponseACK,
	"NAK":   usb.ResponseNAK,
	"STALL": usb.ResponseSTALL,
}

// step is one entry of a scenario file: either a host-originated packet or
// a software-side action against the endpoint table.
type step struct {
	Action string `yaml:"action"`

	PID  string `yaml:"pid,omitempty"`
	Addr uint8  `yaml:"addr,omitempty"`
	Endp uint8  `yaml:"endp,omitempty"`
	Data []byte `yaml:"data,omitempty"`

	EPAddr   uint8  `yaml:"epaddr,omitempty"`
	Response string `yaml:"response,omitempty"`
	Enable   bool   `yaml:"enable,omitempty"`
}

type scenario struct {
	Steps []step `yaml:"steps"`
}

func main() {
	var (
		configPath   = flag.String("config", "", "endpoint configuration YAML (default: control endpoint only)")
		scenarioPath = flag.String("scenario", "", "scenario YAML to replay")
		address      = flag.Uint8("address", 0, "device address tokens are matched against")
		realtime     = flag.Bool("realtime", false, "pace the usb_12 tick loop at (scaled) full-speed bus rate")
		rateScale    = flag.Float64("rate-scale", 1.0, "multiplier on the 12 Mbit/s tick rate used with --realtime")
		debugCharts  = flag.Bool("debug-charts", false, "serve live runtime charts on --debug-charts-addr")
		chartsAddr   = flag.String("debug-charts-addr", "localhost:1234", "listen address for --debug-charts")
	)
	flag.Parse()

	if *debugCharts {
		go func() {
			logger.Warn("debug charts listening", "addr", *chartsAddr)
			if err := http.ListenAndServe(*chartsAddr, nil); err != nil {
				logger.Error("debug charts server exited", "err", err)
			}
		}()
	}

	cfg := usb.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = loadConfig(*configPath)
		if err != nil {
			fatal(err)
		}
	}

	sc, err := loadScenario(*scenarioPath)
	if err != nil {
		fatal(err)
	}

	ctl, err := usb.NewController(cfg)
	if err != nil {
		fatal(err)
	}
	ctl.DeviceAddress = *address
	ctl.PullupEnable(true)

	var limiter *rate.Limiter
	if *realtime {
		// The limiter is waited on every usb_48 tick, four per bit.
		limiter = rate.NewLimiter(rate.Limit(4*12_000_000*(*rateScale)), 1)
	}

	if err := run(ctl, sc, limiter); err != nil {
		fatal(err)
	}
}

func run(ctl *usb.Controller, sc scenario, limiter *rate.Limiter) error {
	for i, st := range sc.Steps {
		switch st.Action {
		case "set_response":
			r, ok := responseNames[st.Response]
			if !ok {
				return fmt.Errorf("step %d: unknown response %q", i, st.Response)
			}
			if err := ctl.SetResponse(st.EPAddr, r); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}

		case "set_data":
			if err := ctl.SetData(st.EPAddr, st.Data); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}

		case "expect_data":
			got, err := ctl.ExpectData(st.EPAddr)
			if err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
			logger.Info("expect_data", "step", i, "epaddr", st.EPAddr, "bytes", got)

		case "clear_pending":
			if err := ctl.ClearPending(st.EPAddr); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}

		case "pullup":
			ctl.PullupEnable(st.Enable)

		case "token", "data":
			pid, ok := pidNames[st.PID]
			if !ok {
				return fmt.Errorf("step %d: unknown pid %q", i, st.PID)
			}
			if err := drivePacket(ctl, pid, st.Addr, st.Endp, st.Data, limiter); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}

		default:
			return fmt.Errorf("step %d: unknown action %q", i, st.Action)
		}
	}

	return nil
}

// replyWaitBits bounds how long drivePacket idles the bus waiting for a
// device reply: the longest legal answer is a full-length DATA packet.
const replyWaitBits = 16 + 8*(1023+2) + 16

// drivePacket bit-bangs one host-originated packet onto the simulated bus:
// a host-side usb.Encoder (the same component the core uses for its own TX
// path) serializes it, and an usb.IOBuf resolves the shared wire each
// usb_48 tick while the controller observes it. After the packet the bus is
// idled until the device's reply, if any, drains; the reply is decoded with
// the same RX stack the core uses and logged.
func drivePacket(ctl *usb.Controller, pid usb.PID, addr, endp uint8, data []byte, limiter *rate.Limiter) error {
	var host usb.Encoder
	host.Start(pid, uint16(addr)|uint16(endp)<<7)

	var buf usb.IOBuf
	dataPos := 0

	var raw []usb.LineState
	var oe []bool

	tick := func(hostDriving bool, hostSym usb.LineState) error {
		if limiter != nil {
			if err := limiter.Wait(context.Background()); err != nil {
				return err
			}
		}
		p, n := buf.Resolve(false, usb.J, hostDriving, hostSym)
		sym, devOE := ctl.Tick(p, n)
		raw = append(raw, sym)
		oe = append(oe, devOE)
		return nil
	}

	for {
		dataHave := dataPos < len(data)
		var dataByte byte
		if dataHave {
			dataByte = data[dataPos]
		}

		hostSym, hostOE, pktEnd, dataGet := host.Tick(dataHave, dataByte)
		if dataGet {
			dataPos++
		}

		for i := 0; i < 4; i++ {
			if err := tick(hostOE, hostSym); err != nil {
				return err
			}
		}

		if pktEnd {
			break
		}
	}

	quiet := 0
	for i := 0; i < 4*replyWaitBits && quiet < 4*16; i++ {
		if err := tick(false, usb.J); err != nil {
			return err
		}
		if oe[len(oe)-1] {
			quiet = 0
		} else {
			quiet++
		}
	}

	logReply(pid, deviceReply(raw, oe))
	return nil
}

// deviceReply extracts the device's transmitted symbols, one per bit time,
// from the raw per-tick capture: the device updates its drive once per
// recovered bit, four oversample ticks apart, starting at the tick its
// output-enable first rose.
func deviceReply(raw []usb.LineState, oe []bool) []usb.LineState {
	first := -1
	for i, v := range oe {
		if v {
			first = i
			break
		}
	}
	if first < 0 {
		return nil
	}

	var reply []usb.LineState
	for i := first; i < len(oe) && oe[i]; i += 4 {
		reply = append(reply, raw[i])
	}
	return reply
}

func logReply(tok usb.PID, reply []usb.LineState) {
	if reply == nil {
		logger.Info("no reply", "tok", tok)
		return
	}

	var nrzi usb.NRZIDecoder
	var framer usb.Framer
	var dec usb.Decoder

	var pid usb.PID
	var bytes []byte
	good := false

	for _, s := range reply {
		bit, valid, se0, stuffErr := nrzi.Tick(s)
		fo := framer.Tick(bit, valid, se0)
		do := dec.Tick(fo.PktStart, fo.PktActive, bit, valid, stuffErr)
		if do.Decoded {
			pid = do.PID
		}
		if do.DataStrobe {
			bytes = append(bytes, do.DataByte)
		}
		if fo.PktEnd {
			good = dec.Finish()
		}
	}

	logger.Info("reply", "tok", tok, "pid", pid, "bytes", bytes, "good", good)
}

func loadConfig(path string) (usb.Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return usb.Config{}, err
	}
	var cfg usb.Config
	if err := yaml.Unmarshal(f, &cfg); err != nil {
		return usb.Config{}, err
	}
	return cfg, nil
}

func loadScenario(path string) (scenario, error) {
	if path == "" {
		return scenario{}, nil
	}
	f, err := os.ReadFile(path)
	if err != nil {
		return scenario{}, err
	}
	var sc scenario
	if err := yaml.Unmarshal(f, &sc); err != nil {
		return scenario{}, err
	}
	return sc, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "usbsim:", err)
	os.Exit(1)
}
