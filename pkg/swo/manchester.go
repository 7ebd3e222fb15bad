package swo

// Bit is one decoded line bit. First marks the first bit after the decoder
// synchronized to a new frame.
type Bit struct {
	Value uint8
	First bool
}

// ManchesterState is the position of the Manchester decoder within a bit cell.
type ManchesterState int

const (
	ManchesterIdle ManchesterState = iota
	ManchesterCenter
	ManchesterEdge
)

var manchesterStateNames = [...]string{
	ManchesterIdle:   "Idle",
	ManchesterCenter: "Center",
	ManchesterEdge:   "Edge",
}

func (s ManchesterState) String() string {
	if int(s) < len(manchesterStateNames) {
		return manchesterStateNames[s]
	}
	return "Unknown"
}

// maxFrameBits bounds a frame. After this many bits the decoder drops back to
// idle and waits for a fresh sync pulse.
const maxFrameBits = 128

// ManchesterDecoder recovers bits from Manchester encoded SWO. Each frame
// starts with a high sync pulse of half a bit time, which also calibrates the
// short and long pulse thresholds.
type ManchesterDecoder struct {
	state          ManchesterState
	shortThreshold uint16 // 3/4 bit time
	longThreshold  uint16 // 5/4 bit time
	bits           int
	first          bool
}

func (d *ManchesterDecoder) State() ManchesterState { return d.state }

// Put consumes one pulse and returns the bit it completes, if any.
func (d *ManchesterDecoder) Put(p Pulse) (Bit, bool) {
	// The pulse that trips the frame limit is consumed, never taken as a sync.
	if d.state != ManchesterIdle && d.bits >= maxFrameBits {
		d.state = ManchesterIdle
		return Bit{}, false
	}

	if d.state == ManchesterIdle {
		// Pulses longer than a quarter of the counter range cannot be a sync.
		if p.Level == 1 && p.Count>>14 == 0 {
			d.state = ManchesterCenter
			d.first = true
			d.bits = 0
			if p.Count > 6 {
				d.shortThreshold = p.Count + p.Count>>1
				d.longThreshold = p.Count<<1 + p.Count>>1
			} else {
				d.shortThreshold = 8
				d.longThreshold = 14
			}
		}
		return Bit{}, false
	}

	short := p.Count <= d.shortThreshold
	extraLong := p.Count > d.longThreshold
	long := !short && !extraLong

	capture := false
	switch d.state {
	case ManchesterCenter:
		switch {
		case long:
			capture = true
		case short:
			d.state = ManchesterEdge
		default:
			d.state = ManchesterIdle
		}
	case ManchesterEdge:
		if short {
			capture = true
			d.state = ManchesterCenter
		} else {
			d.state = ManchesterIdle
		}
	}

	if !capture {
		return Bit{}, false
	}
	b := Bit{Value: p.Level, First: d.first}
	d.first = false
	d.bits++
	return b, true
}

func (d *ManchesterDecoder) Reset() {
	*d = ManchesterDecoder{}
}

// BitsToBytes packs bits LSB first. Packing starts at a bit marked First;
// bits seen before that are discarded.
type BitsToBytes struct {
	synced bool
	cur    byte
	n      uint
}

// Put consumes one bit and returns the byte it completes, if any.
func (p *BitsToBytes) Put(b Bit) (byte, bool) {
	if b.First {
		p.synced = true
		p.cur, p.n = 0, 0
	}
	if !p.synced {
		return 0, false
	}

	p.cur |= (b.Value & 1) << p.n
	p.n++
	if p.n < 8 {
		return 0, false
	}
	out := p.cur
	p.cur, p.n = 0, 0
	return out, true
}

func (p *BitsToBytes) Reset() {
	*p = BitsToBytes{}
}
