package dbgif

import (
	"context"
	"sync"
)

// Default identification values reported by the simulated target.
const (
	DefaultDPIDR = 0x2BA01477 // ARM SW-DP / JTAG-DP, designer ARM
	DefaultAPIDR = 0x24770011 // AHB-AP
)

// MEM-AP register offsets.
const (
	apCSW = 0x00
	apTAR = 0x04
	apDRW = 0x0C
	apBD0 = 0x10
	apIDR = 0xFC
)

// TransactHook lets tests override the outcome of a CmdTransact request. When
// handled is false the simulated target processes the request normally.
type TransactHook func(req Request) (resp Response, handled bool)

// SimEngine is an in-memory debug engine. It models an ADIv5 DP with a single
// MEM-AP over a sparse word memory, posted AP reads in SWD mode, posted reads
// of every register in JTAG mode, a JTAG-DP TAP driven through the pins, and a
// scripted SWDIO input for SWD read sequences. Every request is recorded.
type SimEngine struct {
	IDCodes []uint32

	OnTransact TransactHook

	mu       sync.Mutex
	jtag     bool
	pins     uint8
	tap      *simTAP
	swdioIn  []byte
	swdioBit int

	ctrl   uint32
	sel    uint32
	abort  uint32
	posted uint32
	csw    uint32
	tar    uint32
	mem    map[uint32]uint32

	clockHz   uint32
	idle      uint32
	swdConfig uint32
	irLengths uint32

	requests []Request
}

// NewSimEngine returns a simulated target in JTAG mode, the disconnected
// default.
func NewSimEngine() *SimEngine {
	return &SimEngine{
		IDCodes: []uint32{DefaultDPIDR},
		jtag:    true,
		pins:    PinNRESET | PinNTRST,
		tap:     newSimTAP(DefaultDPIDR),
		mem:     make(map[uint32]uint32),
	}
}

func (s *SimEngine) Exec(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	ok := Response{Ack: AckOK, Pins: s.pins}

	switch req.Command {
	case CmdReset:
		// nRESET is pulsed and released before done, so the pins end up
		// unchanged; only the debug registers are cleared.
		s.ctrl, s.abort = 0, 0
		return ok, nil
	case CmdPinsWrite:
		return s.writePins(uint8(req.Pins), uint8(req.Pins>>8)), nil
	case CmdTransact:
		return s.transact(req), nil
	case CmdSetSWD:
		s.jtag = false
		return ok, nil
	case CmdSetJTAG:
		s.jtag = true
		s.tap.reset()
		return ok, nil
	case CmdSetClock:
		s.clockHz = req.Data
		return ok, nil
	case CmdSetSWDConfig:
		s.swdConfig = req.Data
		return ok, nil
	case CmdSetJTAGConfig:
		s.irLengths = req.Data
		return ok, nil
	case CmdSetTransferConfig:
		s.idle = req.Data
		return ok, nil
	case CmdWait, CmdClearError, CmdSetResetTimer, CmdSetSWJ:
		return ok, nil
	case CmdJTAGGetID:
		if int(req.Data) >= len(s.IDCodes) {
			return Response{Ack: AckOK, ProtocolError: true}, nil
		}
		return Response{Ack: AckOK, Data: s.IDCodes[req.Data]}, nil
	case CmdJTAGReset:
		s.tap.reset()
		return ok, nil
	}
	return Response{}, ErrNotSupported
}

// Requests returns a copy of every request executed so far.
func (s *SimEngine) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count reports how many requests with the given command were executed.
func (s *SimEngine) Count(cmd Command) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Command == cmd {
			n++
		}
	}
	return n
}

// ResetLog forgets the recorded requests.
func (s *SimEngine) ResetLog() {
	s.mu.Lock()
	s.requests = nil
	s.mu.Unlock()
}

// JTAG reports whether the engine is currently in JTAG mode.
func (s *SimEngine) JTAG() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jtag
}

// TAPState reports the state of the simulated TAP controller.
func (s *SimEngine) TAPState() TAPState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tap.state
}

// ClockHz returns the last clock frequency configured through CmdSetClock.
func (s *SimEngine) ClockHz() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clockHz
}

// Abort returns the last value written to the DP ABORT register.
func (s *SimEngine) Abort() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abort
}

// SetSWDIOInput scripts the level seen on SWDIO while the probe is not driving
// it. Bits are consumed LSB first, one per rising SWCLK edge.
func (s *SimEngine) SetSWDIOInput(bits []byte) {
	s.mu.Lock()
	s.swdioIn = append([]byte(nil), bits...)
	s.swdioBit = 0
	s.mu.Unlock()
}

// WriteMemory stores a word in the memory behind the MEM-AP.
func (s *SimEngine) WriteMemory(addr, v uint32) {
	s.mu.Lock()
	s.mem[addr&^3] = v
	s.mu.Unlock()
}

// ReadMemory loads a word from the memory behind the MEM-AP.
func (s *SimEngine) ReadMemory(addr uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem[addr&^3]
}

func (s *SimEngine) writePins(value, sel uint8) Response {
	prev := s.pins
	s.pins = prev&^sel | value&sel

	if prev&PinSWCLK == 0 && s.pins&PinSWCLK != 0 {
		if s.jtag {
			s.tap.clock(s.pins&PinTMS != 0, s.pins&PinTDI != 0)
		} else if s.pins&PinSWWR == 0 {
			s.pins = s.pins&^PinSWDIO | s.nextSWDIO()
		}
	}

	out := s.pins &^ PinTDO
	if s.jtag && s.tap.tdo {
		out |= PinTDO
	}
	return Response{Ack: AckOK, Pins: out}
}

func (s *SimEngine) nextSWDIO() uint8 {
	if s.swdioBit >= len(s.swdioIn)*8 {
		return 0
	}
	bit := s.swdioIn[s.swdioBit/8] >> (s.swdioBit % 8) & 1
	s.swdioBit++
	return bit << 1
}

func (s *SimEngine) transact(req Request) Response {
	if s.OnTransact != nil {
		if resp, handled := s.OnTransact(req); handled {
			return resp
		}
	}

	if !req.RnW {
		if req.APnDP {
			s.apWrite(s.apAddr(req.Addr), req.Data)
		} else {
			s.dpWrite(req.Addr, req.Data)
		}
		return Response{Ack: AckOK}
	}

	// RDBUFF returns the value captured by the previous posted read without
	// side effects.
	if !req.APnDP && req.Addr == DPRdBuff {
		return Response{Ack: AckOK, Data: s.posted}
	}

	var v uint32
	if req.APnDP {
		v = s.apRead(s.apAddr(req.Addr))
	} else {
		v = s.dpRead(req.Addr)
	}

	if req.APnDP || s.jtag {
		prev := s.posted
		s.posted = v
		return Response{Ack: AckOK, Data: prev}
	}
	return Response{Ack: AckOK, Data: v}
}

func (s *SimEngine) apAddr(a uint8) uint32 {
	return s.sel&0xF0 | uint32(a)<<2
}

func (s *SimEngine) dpRead(a uint8) uint32 {
	switch a {
	case DPIDR:
		return s.IDCodes[0]
	case DPCtrl:
		// Power-up requests are acknowledged immediately.
		v := s.ctrl
		if v&(1<<28) != 0 {
			v |= 1 << 29
		}
		if v&(1<<30) != 0 {
			v |= 1 << 31
		}
		return v
	case DPSelect:
		return s.sel
	}
	return s.posted
}

func (s *SimEngine) dpWrite(a uint8, v uint32) {
	switch a {
	case DPAbort:
		s.abort = v
	case DPCtrl:
		s.ctrl = v
	case DPSelect:
		s.sel = v
	}
}

func (s *SimEngine) apRead(addr uint32) uint32 {
	switch {
	case addr == apCSW:
		return s.csw
	case addr == apTAR:
		return s.tar
	case addr == apDRW:
		v := s.mem[s.tar&^3]
		s.advanceTAR()
		return v
	case addr >= apBD0 && addr < apBD0+16:
		return s.mem[s.tar&^0xF|addr-apBD0]
	case addr == apIDR:
		return DefaultAPIDR
	}
	return 0
}

func (s *SimEngine) apWrite(addr, v uint32) {
	switch {
	case addr == apCSW:
		s.csw = v
	case addr == apTAR:
		s.tar = v
	case addr == apDRW:
		s.mem[s.tar&^3] = v
		s.advanceTAR()
	case addr >= apBD0 && addr < apBD0+16:
		s.mem[s.tar&^0xF|addr-apBD0] = v
	}
}

// advanceTAR applies CSW.AddrInc single increment for word accesses.
func (s *SimEngine) advanceTAR() {
	if s.csw>>4&3 == 1 {
		s.tar += 4
	}
}
