package dbgif

import (
	"context"
	"errors"
	"fmt"
)

// Command selects the operation performed by a debug engine for one request.
type Command uint8

const (
	CmdReset Command = iota
	CmdPinsWrite
	CmdTransact
	CmdSetSWD
	CmdSetJTAG
	CmdSetSWJ
	CmdSetJTAGConfig
	CmdSetClock
	CmdSetSWDConfig
	CmdWait
	CmdClearError
	CmdSetResetTimer
	CmdSetTransferConfig
	CmdJTAGGetID
	CmdJTAGReset
)

var commandNames = map[Command]string{
	CmdReset:             "Reset",
	CmdPinsWrite:         "PinsWrite",
	CmdTransact:          "Transact",
	CmdSetSWD:            "SetSWD",
	CmdSetJTAG:           "SetJTAG",
	CmdSetSWJ:            "SetSWJ",
	CmdSetJTAGConfig:     "SetJTAGConfig",
	CmdSetClock:          "SetClock",
	CmdSetSWDConfig:      "SetSWDConfig",
	CmdWait:              "Wait",
	CmdClearError:        "ClearError",
	CmdSetResetTimer:     "SetResetTimer",
	CmdSetTransferConfig: "SetTransferConfig",
	CmdJTAGGetID:         "JTAGGetID",
	CmdJTAGReset:         "JTAGReset",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(%d)", c)
}

// Ack is the three-valued acknowledge returned for a register transaction.
type Ack uint8

const (
	AckOK    Ack = 0x01
	AckWait  Ack = 0x02
	AckError Ack = 0x04
)

func (a Ack) String() string {
	switch a {
	case AckOK:
		return "OK"
	case AckWait:
		return "WAIT"
	case AckError:
		return "ERROR"
	}
	return fmt.Sprintf("Ack(%d)", uint8(a))
}

// Pin bits as used in the low (value) and high (select) bytes of Request.Pins
// and in Response.Pins.
const (
	PinSWCLK  = 1 << 0 // SWCLK / TCK
	PinSWDIO  = 1 << 1 // SWDIO / TMS
	PinTDI    = 1 << 2
	PinTDO    = 1 << 3
	PinSWWR   = 1 << 4 // SWDIO output enable
	PinNTRST  = 1 << 5
	PinNRESET = 1 << 7
)

// Aliases for the JTAG names of the shared pins.
const (
	PinTCK = PinSWCLK
	PinTMS = PinSWDIO
)

// Register addresses (A[3:2]) in the DP space.
const (
	DPAbort  = 0x0 // write
	DPIDR    = 0x0 // read
	DPCtrl   = 0x1
	DPSelect = 0x2 // write
	DPRdBuff = 0x3 // read
)

// Request is the set of fields asserted towards the engine before go.
type Request struct {
	Command Command
	Device  uint8
	APnDP   bool
	RnW     bool
	Addr    uint8 // A[3:2]
	Data    uint32

	// Pins carries the pin values in the low byte and the select mask in the
	// high byte. It is only meaningful for CmdPinsWrite.
	Pins uint16
}

// Response is what the engine reports once done is raised.
type Response struct {
	Ack           Ack
	ProtocolError bool
	Data          uint32
	Pins          uint8
}

// OK reports whether the transaction completed with an OK acknowledge and no
// protocol error.
func (r Response) OK() bool {
	return r.Ack == AckOK && !r.ProtocolError
}

// Engine executes one debug request to completion. Implementations block
// until the engine reports done.
type Engine interface {
	Exec(ctx context.Context, req Request) (Response, error)
}

// EngineFunc adapts a plain function to the Engine interface.
type EngineFunc func(ctx context.Context, req Request) (Response, error)

func (f EngineFunc) Exec(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// ErrNotSupported is returned by engines that cannot carry out a command.
var ErrNotSupported = errors.New("dbgif: not supported")
