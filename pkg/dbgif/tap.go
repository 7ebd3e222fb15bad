package dbgif

import "fmt"

// TAPState is one of the 16 IEEE 1149.1 TAP controller states.
type TAPState uint8

const (
	TAPTestLogicReset TAPState = iota
	TAPRunTestIdle
	TAPSelectDRScan
	TAPCaptureDR
	TAPShiftDR
	TAPExit1DR
	TAPPauseDR
	TAPExit2DR
	TAPUpdateDR
	TAPSelectIRScan
	TAPCaptureIR
	TAPShiftIR
	TAPExit1IR
	TAPPauseIR
	TAPExit2IR
	TAPUpdateIR
)

var tapStateNames = map[TAPState]string{
	TAPTestLogicReset: "TestLogicReset",
	TAPRunTestIdle:    "RunTestIdle",
	TAPSelectDRScan:   "SelectDRScan",
	TAPCaptureDR:      "CaptureDR",
	TAPShiftDR:        "ShiftDR",
	TAPExit1DR:        "Exit1DR",
	TAPPauseDR:        "PauseDR",
	TAPExit2DR:        "Exit2DR",
	TAPUpdateDR:       "UpdateDR",
	TAPSelectIRScan:   "SelectIRScan",
	TAPCaptureIR:      "CaptureIR",
	TAPShiftIR:        "ShiftIR",
	TAPExit1IR:        "Exit1IR",
	TAPPauseIR:        "PauseIR",
	TAPExit2IR:        "Exit2IR",
	TAPUpdateIR:       "UpdateIR",
}

func (s TAPState) String() string {
	if name, ok := tapStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TAPState(%d)", s)
}

// tapNext[state][tms] is the state entered on the next rising TCK edge.
var tapNext = [16][2]TAPState{
	TAPTestLogicReset: {TAPRunTestIdle, TAPTestLogicReset},
	TAPRunTestIdle:    {TAPRunTestIdle, TAPSelectDRScan},
	TAPSelectDRScan:   {TAPCaptureDR, TAPSelectIRScan},
	TAPCaptureDR:      {TAPShiftDR, TAPExit1DR},
	TAPShiftDR:        {TAPShiftDR, TAPExit1DR},
	TAPExit1DR:        {TAPPauseDR, TAPUpdateDR},
	TAPPauseDR:        {TAPPauseDR, TAPExit2DR},
	TAPExit2DR:        {TAPShiftDR, TAPUpdateDR},
	TAPUpdateDR:       {TAPRunTestIdle, TAPSelectDRScan},
	TAPSelectIRScan:   {TAPCaptureIR, TAPTestLogicReset},
	TAPCaptureIR:      {TAPShiftIR, TAPExit1IR},
	TAPShiftIR:        {TAPShiftIR, TAPExit1IR},
	TAPExit1IR:        {TAPPauseIR, TAPUpdateIR},
	TAPPauseIR:        {TAPPauseIR, TAPExit2IR},
	TAPExit2IR:        {TAPShiftIR, TAPUpdateIR},
	TAPUpdateIR:       {TAPRunTestIdle, TAPSelectDRScan},
}

// NextTAPState returns the state reached from s after one TCK with the given
// TMS level.
func NextTAPState(s TAPState, tms bool) TAPState {
	if int(s) >= len(tapNext) {
		panic(fmt.Sprintf("dbgif: unhandled TAP state %d", s))
	}
	if tms {
		return tapNext[s][1]
	}
	return tapNext[s][0]
}

// ARM JTAG-DP instructions (4 bit IR).
const (
	irAbort  = 0x8
	irDPACC  = 0xA
	irAPACC  = 0xB
	irIDCODE = 0xE
	irBypass = 0xF
	irLength = 4
)

// simTAP models a single JTAG-DP TAP with IDCODE and BYPASS data registers.
// The other instructions behave like BYPASS; register traffic goes through
// CmdTransact instead.
type simTAP struct {
	state  TAPState
	ir     uint32
	shift  uint64
	length int
	idcode uint32
	tdo    bool
}

func newSimTAP(idcode uint32) *simTAP {
	t := &simTAP{idcode: idcode}
	t.reset()
	return t
}

func (t *simTAP) reset() {
	t.state = TAPTestLogicReset
	t.ir = irIDCODE
	t.tdo = false
}

// clock performs one rising TCK edge. The TDO level presented before the edge
// is what the host samples, so it is latched before the shift.
func (t *simTAP) clock(tms, tdi bool) {
	switch t.state {
	case TAPTestLogicReset:
		t.ir = irIDCODE
	case TAPCaptureDR:
		if t.ir == irIDCODE {
			t.shift, t.length = uint64(t.idcode), 32
		} else {
			t.shift, t.length = 0, 1
		}
	case TAPCaptureIR:
		// IEEE 1149.1 requires the two LSBs to capture as 01.
		t.shift, t.length = 0x1, irLength
	case TAPShiftDR, TAPShiftIR:
		t.tdo = t.shift&1 != 0
		t.shift >>= 1
		if tdi {
			t.shift |= 1 << (t.length - 1)
		}
	case TAPUpdateIR:
		t.ir = uint32(t.shift) & (1<<irLength - 1)
	}
	t.state = NextTAPState(t.state, tms)
}
