// Package swo decodes Serial Wire Output captured as 2x oversampled line
// levels. The line is first reduced to pulse lengths, which are then decoded
// as either Manchester or NRZ (UART) encoded bits and packed into bytes.
package swo

import "fmt"

// Pulse is a run of constant line level. Count is measured in half sample
// periods. A Count with bit 15 set marks a run too long to measure.
type Pulse struct {
	Level uint8
	Count uint16
}

func (p Pulse) String() string {
	return fmt.Sprintf("%d:%d", p.Level, p.Count)
}

// Saturated reports whether the pulse is a saturation marker rather than a
// measured run.
func (p Pulse) Saturated() bool {
	return p.Count&saturation != 0
}

const saturation = 0x8000

// PulseLengthCapture measures the length of each level run on a line sampled
// twice per capture clock. Each input sample carries the first half-cycle
// level in bit 0 and the second in bit 1.
type PulseLengthCapture struct {
	prev  uint8
	count uint16
}

// Put consumes one sample and returns the pulse completed by it, if any.
func (c *PulseLengthCapture) Put(sample byte) (Pulse, bool) {
	a := sample & 1
	b := sample >> 1 & 1
	state := c.prev<<2 | a<<1 | b
	c.prev = b

	var out Pulse
	emit := false

	if c.count&saturation != 0 {
		out, emit = Pulse{Level: state >> 2, Count: c.count}, true
		c.count = 0
	} else {
		switch state {
		case 0b000, 0b111, 0b010, 0b101:
			// Both samples equal to the previous one, or a glitch too short
			// to measure.
			c.count += 2
		}
	}

	switch state {
	case 0b011, 0b100:
		out, emit = Pulse{Level: state >> 2, Count: c.count}, true
		c.count = 2
	case 0b001, 0b110:
		out, emit = Pulse{Level: state >> 2, Count: c.count + 1}, true
		c.count = 1
	}
	return out, emit
}

// PutAll feeds samples and appends the completed pulses to dst.
func (c *PulseLengthCapture) PutAll(dst []Pulse, samples []byte) []Pulse {
	for _, s := range samples {
		if p, ok := c.Put(s); ok {
			dst = append(dst, p)
		}
	}
	return dst
}

func (c *PulseLengthCapture) Reset() {
	*c = PulseLengthCapture{}
}

// Divide returns num/den saturated to resBits bits. A zero denominator
// saturates.
func Divide(num uint64, den uint32, resBits uint) uint32 {
	limit := uint64(1)<<resBits - 1
	if den == 0 {
		return uint32(limit)
	}
	q := num / uint64(den)
	if q > limit {
		q = limit
	}
	return uint32(q)
}

// bitLengthScale is one second in the 1/16 half-sample units used by the
// NRZ decoder at the reference capture rate.
const bitLengthScale = 8_000_000_000

// BitLength returns the NRZ bit length for baud.
func BitLength(baud uint32) uint16 {
	return uint16(Divide(bitLengthScale, baud, 16))
}
