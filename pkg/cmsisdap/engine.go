package cmsisdap

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/OpenTraceLab/orbtrace/pkg/dbgif"
	"github.com/sirupsen/logrus"
)

// ProbeEngine drives a downstream CMSIS-DAP probe as a debug engine. Each
// engine request becomes one command packet.
//
// A probe completes posted reads internally and always returns fresh data, so
// the engine re-creates the one-behind behaviour expected from a SWD/JTAG
// engine: postable reads return the value of the previous one and RDBUFF
// returns the last value read.
type ProbeEngine struct {
	mu        sync.Mutex
	transport Transport
	protocol  *Protocol
	log       *logrus.Entry

	jtag      bool
	posted    uint32
	waitRetry uint16
}

// EngineOption configures a ProbeEngine.
type EngineOption func(*ProbeEngine)

// WithEngineLogger sets the logger used for per-request tracing.
func WithEngineLogger(l *logrus.Logger) EngineOption {
	return func(e *ProbeEngine) {
		e.log = l.WithField("prefix", "probe")
	}
}

// WithProbeWaitRetry sets the WAIT retry count programmed into the probe
// whenever the transfer configuration changes.
func WithProbeWaitRetry(n uint16) EngineOption {
	return func(e *ProbeEngine) {
		e.waitRetry = n
	}
}

// NewProbeEngine creates an engine over t. packetSize is the probe packet size.
func NewProbeEngine(t Transport, packetSize int, opts ...EngineOption) *ProbeEngine {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	e := &ProbeEngine{
		transport: t,
		protocol:  NewProtocol(packetSize),
		log:       quiet.WithField("prefix", "probe"),
		jtag:      true,
		waitRetry: 4096,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var okResponse = dbgif.Response{Ack: dbgif.AckOK}

func (e *ProbeEngine) Exec(ctx context.Context, req dbgif.Request) (dbgif.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.log.Debugf("%s dev=%d ap=%t rnw=%t a=%d data=0x%08X", req.Command, req.Device, req.APnDP, req.RnW, req.Addr, req.Data)

	switch req.Command {
	case dbgif.CmdReset:
		_, err := e.roundTrip(ctx, e.protocol.EncodeResetTarget(), CmdResetTarget)
		return okResponse, err

	case dbgif.CmdPinsWrite:
		// The output-enable bit has no CMSIS-DAP equivalent.
		value := byte(req.Pins) &^ dbgif.PinSWWR
		sel := byte(req.Pins>>8) &^ dbgif.PinSWWR
		resp, err := e.roundTrip(ctx, e.protocol.EncodeSWJPins(value, sel, req.Data), CmdSWJPins)
		if err != nil {
			return dbgif.Response{}, err
		}
		pins, err := e.protocol.DecodeSWJPins(resp)
		if err != nil {
			return dbgif.Response{}, err
		}
		return dbgif.Response{Ack: dbgif.AckOK, Pins: pins}, nil

	case dbgif.CmdTransact:
		return e.transact(ctx, req)

	case dbgif.CmdSetSWD, dbgif.CmdSetJTAG:
		port := byte(PortSWD)
		if req.Command == dbgif.CmdSetJTAG {
			port = PortJTAG
		}
		resp, err := e.roundTrip(ctx, e.protocol.EncodeConnect(port), CmdConnect)
		if err != nil {
			return dbgif.Response{}, err
		}
		if _, err := e.protocol.DecodeConnect(resp); err != nil {
			return dbgif.Response{Ack: dbgif.AckOK, ProtocolError: true}, nil
		}
		e.jtag = port == PortJTAG
		e.posted = 0
		return okResponse, nil

	case dbgif.CmdSetJTAGConfig:
		lengths := make([]byte, int(req.Device)+1)
		for i := range lengths {
			lengths[i] = byte(req.Data>>(5*i)) & 0x1F
		}
		return e.status(ctx, e.protocol.EncodeJTAGConfigure(lengths), CmdJTAGConfigure)

	case dbgif.CmdSetClock:
		return e.status(ctx, e.protocol.EncodeSetClock(req.Data), CmdSWJClock)

	case dbgif.CmdSetSWDConfig:
		return e.status(ctx, e.protocol.EncodeSWDConfigure(byte(req.Data)), CmdSWDConfigure)

	case dbgif.CmdWait:
		return e.status(ctx, e.protocol.EncodeDelay(uint16(req.Data)), CmdDelay)

	case dbgif.CmdSetTransferConfig:
		return e.status(ctx, e.protocol.EncodeTransferConfigure(byte(req.Data), e.waitRetry, 0), CmdTransferConfigure)

	case dbgif.CmdClearError:
		// STKERRCLR | STKCMPCLR | WDERRCLR | ORUNERRCLR
		return e.status(ctx, e.protocol.EncodeWriteABORT(req.Device, 0x1E), CmdWriteABORT)

	case dbgif.CmdJTAGGetID:
		resp, err := e.roundTrip(ctx, e.protocol.EncodeJTAGIDCODE(byte(req.Data)), CmdJTAGIDCODE)
		if err != nil {
			return dbgif.Response{}, err
		}
		id, err := e.protocol.DecodeJTAGIDCODE(resp)
		if err != nil {
			return dbgif.Response{Ack: dbgif.AckOK, ProtocolError: true}, nil
		}
		return dbgif.Response{Ack: dbgif.AckOK, Data: id}, nil

	case dbgif.CmdJTAGReset:
		seq := []Sequence{NewSequence(5, true, false, []byte{0x00})}
		return e.status(ctx, e.protocol.EncodeJTAGSequence(seq), CmdJTAGSequence)

	case dbgif.CmdSetResetTimer, dbgif.CmdSetSWJ:
		return okResponse, nil
	}

	return dbgif.Response{}, fmt.Errorf("%s: %w", req.Command, dbgif.ErrNotSupported)
}

func (e *ProbeEngine) transact(ctx context.Context, req dbgif.Request) (dbgif.Response, error) {
	addr := req.Addr << 2
	if !req.RnW {
		return e.transfer(ctx, req.Device, Write(req.APnDP, addr, req.Data))
	}

	if !req.APnDP && req.Addr == dbgif.DPRdBuff {
		return dbgif.Response{Ack: dbgif.AckOK, Data: e.posted}, nil
	}

	res, err := e.transfer(ctx, req.Device, Read(req.APnDP, addr))
	if err != nil || !res.OK() {
		return res, err
	}
	if req.APnDP || e.jtag {
		res.Data, e.posted = e.posted, res.Data
	}
	return res, nil
}

func (e *ProbeEngine) transfer(ctx context.Context, dev byte, tr TransferRequest) (dbgif.Response, error) {
	resp, err := e.roundTrip(ctx, e.protocol.EncodeTransfer(dev, []TransferRequest{tr}), CmdTransfer)
	if err != nil {
		return dbgif.Response{}, err
	}
	res, err := e.protocol.DecodeTransfer(resp)
	if err != nil {
		return dbgif.Response{}, err
	}

	out := dbgif.Response{
		Ack:           dbgif.Ack(res.Status & 0x07),
		ProtocolError: res.Status&TransferError != 0,
	}
	if len(res.Data) > 0 {
		out.Data = res.Data[0]
	}
	return out, nil
}

func (e *ProbeEngine) status(ctx context.Context, cmd []byte, id byte) (dbgif.Response, error) {
	resp, err := e.roundTrip(ctx, cmd, id)
	if err != nil {
		return dbgif.Response{}, err
	}
	if err := e.protocol.DecodeStatus(resp, id); err != nil {
		e.log.Debugf("%v", err)
		return dbgif.Response{Ack: dbgif.AckOK, ProtocolError: true}, nil
	}
	return okResponse, nil
}

func (e *ProbeEngine) roundTrip(ctx context.Context, cmd []byte, id byte) ([]byte, error) {
	resp, err := e.transport.WriteRead(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", CommandName(id), err)
	}
	if len(resp) == 0 || resp[0] != id {
		return nil, fmt.Errorf("%s: unexpected response % X", CommandName(id), resp)
	}
	return resp, nil
}
