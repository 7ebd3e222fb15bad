// Package dap implements the device side of the CMSIS-DAP protocol: it
// decodes command packets, drives a debug engine and encodes the responses.
package dap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/OpenTraceLab/orbtrace/pkg/cmsisdap"
	"github.com/OpenTraceLab/orbtrace/pkg/dbgif"
	"github.com/sirupsen/logrus"
)

// Version selects the USB packet framing.
type Version int

const (
	V1 Version = 1 // fixed 64 byte packets, responses zero padded
	V2 Version = 2 // bulk packets up to 508 bytes, no padding
)

// PacketSize returns the maximum packet size reported through DAP_Info.
func (v Version) PacketSize() int {
	if v == V1 {
		return cmsisdap.V1PacketSize
	}
	return cmsisdap.V2PacketSize
}

const (
	DefaultWaitRetry       = 4096
	DefaultMatchRetry      = 16
	DefaultFirmwareVersion = "1.00"

	protocolVersion = "2.1.0"
	timerFrequency  = 1000000000
)

// ErrShortPacket is returned when a packet ends before the command it carries
// has been fully decoded. No response is produced for such a packet.
var ErrShortPacket = errors.New("dap: short packet")

// Processor is a CMSIS-DAP command processor. Commands are handled strictly
// one at a time; Execute must not be called concurrently.
type Processor struct {
	engine dbgif.Engine
	log    *logrus.Entry

	version   Version
	fwVersion string

	mu         sync.Mutex
	waitRetry  uint16
	matchRetry uint16
	idle       uint8
	matchMask  uint32
	connected  bool
	running    bool
	jtag       bool
}

// Option configures a Processor.
type Option func(*Processor)

// WithVersion selects V1 or V2 packet framing.
func WithVersion(v Version) Option {
	return func(p *Processor) { p.version = v }
}

// WithLogger sets the logger used for command tracing.
func WithLogger(l *logrus.Logger) Option {
	return func(p *Processor) { p.log = l.WithField("prefix", "dap") }
}

// WithWaitRetry sets the initial WAIT retry budget.
func WithWaitRetry(n uint16) Option {
	return func(p *Processor) { p.waitRetry = n }
}

// WithMatchRetry sets the initial match retry budget.
func WithMatchRetry(n uint16) Option {
	return func(p *Processor) { p.matchRetry = n }
}

// WithFirmwareVersion sets the string reported for the firmware version.
func WithFirmwareVersion(s string) Option {
	return func(p *Processor) { p.fwVersion = s }
}

// New creates a processor driving engine.
func New(engine dbgif.Engine, opts ...Option) *Processor {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	p := &Processor{
		engine:     engine,
		log:        quiet.WithField("prefix", "dap"),
		version:    V2,
		fwVersion:  DefaultFirmwareVersion,
		waitRetry:  DefaultWaitRetry,
		matchRetry: DefaultMatchRetry,
		jtag:       true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State is a snapshot of the processor settings.
type State struct {
	Connected  bool
	Running    bool
	JTAG       bool
	WaitRetry  uint16
	MatchRetry uint16
	IdleCycles uint8
}

// State returns the current settings.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		Connected:  p.connected,
		Running:    p.running,
		JTAG:       p.jtag,
		WaitRetry:  p.waitRetry,
		MatchRetry: p.matchRetry,
		IdleCycles: p.idle,
	}
}

// Version returns the packet framing in use.
func (p *Processor) Version() Version {
	return p.version
}

type handler func(p *Processor, ctx context.Context, r *reader) ([]byte, error)

type command struct {
	params int
	fn     handler
}

// commands maps each supported opcode to the number of parameter bytes that
// must be present before its handler runs. Variable length payloads are
// checked by the handler as they are consumed.
var commands = map[byte]command{
	cmsisdap.CmdInfo:              {1, (*Processor).info},
	cmsisdap.CmdHostStatus:        {2, (*Processor).hostStatus},
	cmsisdap.CmdConnect:           {1, (*Processor).connect},
	cmsisdap.CmdDisconnect:        {0, (*Processor).disconnect},
	cmsisdap.CmdTransferConfigure: {5, (*Processor).transferConfigure},
	cmsisdap.CmdTransfer:          {2, (*Processor).transfer},
	cmsisdap.CmdTransferBlock:     {4, (*Processor).transferBlock},
	cmsisdap.CmdTransferAbort:     {0, (*Processor).transferAbort},
	cmsisdap.CmdWriteABORT:        {5, (*Processor).writeAbort},
	cmsisdap.CmdDelay:             {2, (*Processor).delay},
	cmsisdap.CmdResetTarget:       {0, (*Processor).resetTarget},
	cmsisdap.CmdSWJPins:           {6, (*Processor).swjPins},
	cmsisdap.CmdSWJClock:          {4, (*Processor).swjClock},
	cmsisdap.CmdSWJSequence:       {1, (*Processor).swjSequence},
	cmsisdap.CmdSWDConfigure:      {1, (*Processor).swdConfigure},
	cmsisdap.CmdJTAGSequence:      {1, (*Processor).sequence},
	cmsisdap.CmdJTAGConfigure:     {1, (*Processor).jtagConfigure},
	cmsisdap.CmdJTAGIDCODE:        {1, (*Processor).jtagIDCode},
	cmsisdap.CmdSWDSequence:       {1, (*Processor).sequence},
}

// invalid is the response to every unsupported or rejected command.
var invalid = []byte{cmsisdap.CmdInvalid}

// Execute decodes the command at the start of packet, runs it and returns the
// framed response. Bytes following the command are ignored.
//
// A packet that ends early yields ErrShortPacket and no response. Failures
// reported by the target are encoded in the response; only engine errors are
// returned as errors.
func (p *Processor) Execute(ctx context.Context, packet []byte) ([]byte, error) {
	r := newReader(packet)
	op, err := r.u8()
	if err != nil {
		return nil, err
	}

	resp, err := p.dispatch(ctx, op, r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmsisdap.CommandName(op), err)
	}
	p.log.Debugf("%s -> % X", cmsisdap.CommandName(op), resp)
	return p.frame(resp), nil
}

func (p *Processor) dispatch(ctx context.Context, op byte, r *reader) ([]byte, error) {
	cmd, ok := commands[op]
	if !ok {
		return invalid, nil
	}
	if err := r.need(cmd.params); err != nil {
		return nil, err
	}
	return cmd.fn(p, ctx, r)
}

func (p *Processor) frame(resp []byte) []byte {
	if p.version != V1 || len(resp) >= cmsisdap.V1PacketSize {
		return resp
	}
	padded := make([]byte, cmsisdap.V1PacketSize)
	copy(padded, resp)
	return padded
}

// Run executes packets from in and sends each response to out until ctx is
// cancelled or in is closed. Short packets are dropped.
func (p *Processor) Run(ctx context.Context, in <-chan []byte, out chan<- []byte) error {
	p.log.Infof("processor running (v%d, %d byte packets)", p.version, p.version.PacketSize())
	defer p.log.Info("processor stopped")

	for {
		var packet []byte
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-in:
			if !ok {
				return nil
			}
			packet = pkt
		}

		resp, err := p.Execute(ctx, packet)
		if errors.Is(err, ErrShortPacket) {
			p.log.Debugf("dropped: %v", err)
			continue
		}
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- resp:
		}
	}
}

// exec runs a single engine request.
func (p *Processor) exec(ctx context.Context, req dbgif.Request) (dbgif.Response, error) {
	resp, err := p.engine.Exec(ctx, req)
	if err != nil {
		return resp, fmt.Errorf("engine %s: %w", req.Command, err)
	}
	return resp, nil
}

// status returns the CMSIS-DAP status byte for a completed engine request.
func status(resp dbgif.Response) byte {
	if resp.OK() {
		return cmsisdap.StatusOK
	}
	return cmsisdap.StatusError
}

// doneStatus is the status of a command that carries no transaction: only the
// engine's protocol error flag counts.
func doneStatus(resp dbgif.Response) byte {
	if resp.ProtocolError {
		return cmsisdap.StatusError
	}
	return cmsisdap.StatusOK
}
