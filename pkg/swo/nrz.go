package swo

// DefaultBitLength is the NRZ bit length for 1 Mbaud.
const DefaultBitLength = 8000

// maxBitsPerPulse caps the bits taken from a single pulse, so an idle line
// produces one stop-level byte time rather than an unbounded run.
const maxBitsPerPulse = 12

// NRZDecoder turns pulses into line bits by dividing each run length by the
// bit length. BitLength is in 1/16 half-sample units, see BitLength.
type NRZDecoder struct {
	BitLength uint16
}

func NewNRZDecoder() *NRZDecoder {
	return &NRZDecoder{BitLength: DefaultBitLength}
}

// Put appends the bits carried by p to dst. The bit length is rounded to the
// nearest whole bit.
func (d *NRZDecoder) Put(dst []uint8, p Pulse) []uint8 {
	bitlen := uint32(d.BitLength)
	acc := uint32(p.Count)<<4 + bitlen>>1
	for n := 0; acc >= bitlen && n < maxBitsPerPulse; n++ {
		dst = append(dst, p.Level)
		acc -= bitlen
	}
	return dst
}

// UARTState is the position of the UART decoder within a character.
type UARTState int

const (
	UARTWaitStart UARTState = iota
	UARTData
	UARTStop
)

var uartStateNames = [...]string{
	UARTWaitStart: "WaitStart",
	UARTData:      "Data",
	UARTStop:      "Stop",
}

func (s UARTState) String() string {
	if int(s) < len(uartStateNames) {
		return uartStateNames[s]
	}
	return "Unknown"
}

// UARTDecoder frames line bits as 8N1 characters, LSB first.
type UARTDecoder struct {
	state         UARTState
	cur           byte
	n             uint
	framingErrors uint64
}

func (u *UARTDecoder) State() UARTState { return u.state }

// FramingErrors counts characters dropped for a low stop bit.
func (u *UARTDecoder) FramingErrors() uint64 { return u.framingErrors }

// Put consumes one line bit and returns the character it completes, if any.
func (u *UARTDecoder) Put(bit uint8) (byte, bool) {
	bit &= 1

	switch u.state {
	case UARTWaitStart:
		if bit == 0 {
			u.state = UARTData
			u.cur, u.n = 0, 0
		}

	case UARTData:
		u.cur |= bit << u.n
		u.n++
		if u.n == 8 {
			u.state = UARTStop
		}

	case UARTStop:
		u.state = UARTWaitStart
		if bit == 1 {
			return u.cur, true
		}
		u.framingErrors++
	}
	return 0, false
}

// Reset returns to waiting for a start bit. The framing error count is kept.
func (u *UARTDecoder) Reset() {
	u.state = UARTWaitStart
	u.cur, u.n = 0, 0
}
