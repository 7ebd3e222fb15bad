package tpiu

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/OpenTraceLab/orbtrace/pkg/stream"
	"github.com/boljen/go-bitmap"
)

// NumChannels is the number of TPIU source IDs.
const NumChannels = 128

// BypassChannel tags raw ITM data that did not go through the formatter.
const BypassChannel = 1

// Byte is a frame byte after unmangling: either data or a source ID.
type Byte struct {
	Data byte
	IsID bool
}

// MuxedByte is a data byte tagged with the source it belongs to.
type MuxedByte struct {
	Data    byte
	Channel uint8
}

// Unmangle splits a frame into its 15 payload bytes. Even bytes are IDs when
// their LSB is set; otherwise their LSB is stolen and kept in the last byte of
// the frame, one bit per even byte.
func Unmangle(f Frame) [FrameSize - 1]Byte {
	var out [FrameSize - 1]Byte
	aux := f[FrameSize-1]
	for i := 0; i < FrameSize-1; i++ {
		if i&1 == 0 {
			out[i] = Byte{
				Data: f[i]&^1 | aux>>(i/2)&1,
				IsID: f[i]&1 != 0,
			}
		} else {
			out[i] = Byte{Data: f[i]}
		}
	}
	return out
}

// TrackStream follows source ID changes and tags each data byte with the
// current source. An ID whose recovered LSB is set takes effect after the
// next data byte.
type TrackStream struct {
	channel   uint8
	next      uint8
	nextValid bool
}

func (t *TrackStream) Put(b Byte) (MuxedByte, bool) {
	if b.IsID {
		if b.Data&1 != 0 {
			t.next, t.nextValid = b.Data>>1, true
		} else {
			t.channel = b.Data >> 1
		}
		return MuxedByte{}, false
	}

	out := MuxedByte{Data: b.Data, Channel: t.channel}
	if t.nextValid {
		t.channel, t.nextValid = t.next, false
	}
	return out, true
}

func (t *TrackStream) Channel() uint8 { return t.channel }

func (t *TrackStream) Reset() { *t = TrackStream{} }

// ChannelFilter selects which sources are passed on.
type ChannelFilter struct {
	allowed bitmap.Bitmap
}

// NewChannelFilter allows every channel except 0, which TPIU reserves for
// idle padding.
func NewChannelFilter() *ChannelFilter {
	f := &ChannelFilter{allowed: bitmap.New(NumChannels)}
	for ch := 1; ch < NumChannels; ch++ {
		f.allowed.Set(ch, true)
	}
	return f
}

// ParseChannels builds a filter from a list such as "1-127" or "1,2,8-15".
// "all" selects channels 1-127.
func ParseChannels(s string) (*ChannelFilter, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "all" {
		return NewChannelFilter(), nil
	}

	f := &ChannelFilter{allowed: bitmap.New(NumChannels)}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")

		first, err := parseChannel(lo)
		if err != nil {
			return nil, err
		}
		last := first
		if isRange {
			if last, err = parseChannel(hi); err != nil {
				return nil, err
			}
		}
		if last < first {
			return nil, fmt.Errorf("tpiu: channel range %q is reversed", part)
		}
		for ch := first; ch <= last; ch++ {
			f.allowed.Set(ch, true)
		}
	}
	return f, nil
}

func parseChannel(s string) (int, error) {
	ch, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("tpiu: invalid channel %q: %w", s, err)
	}
	if ch < 0 || ch >= NumChannels {
		return 0, fmt.Errorf("tpiu: channel %d out of range 0-%d", ch, NumChannels-1)
	}
	return ch, nil
}

func (f *ChannelFilter) Allow(ch uint8) bool {
	return int(ch) < NumChannels && f.allowed.Get(int(ch))
}

func (f *ChannelFilter) Set(ch uint8, allowed bool) {
	if int(ch) < NumChannels {
		f.allowed.Set(int(ch), allowed)
	}
}

// String renders the allowed channels as a range list.
func (f *ChannelFilter) String() string {
	var parts []string
	for ch := 0; ch < NumChannels; ch++ {
		if !f.allowed.Get(ch) {
			continue
		}
		end := ch
		for end+1 < NumChannels && f.allowed.Get(end+1) {
			end++
		}
		if end == ch {
			parts = append(parts, strconv.Itoa(ch))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", ch, end))
		}
		ch = end
	}
	return strings.Join(parts, ",")
}

const (
	// MaxPacketSize is the largest number of data bytes in one packet.
	MaxPacketSize = 1024
	// DefaultTimeout ends a packet when its source goes quiet.
	DefaultTimeout = 100 * time.Millisecond
)

// Packetizer groups tagged bytes into packets of the form
// [channel][data...]. A packet ends when the channel changes, when it holds
// MaxSize data bytes, or when no byte arrived for Timeout.
//
// The last data byte is held back until the packet end is known, so that it
// can carry the Last marker.
type Packetizer struct {
	MaxSize int
	Timeout time.Duration

	active    bool
	channel   uint8
	held      byte
	n         int
	lastInput time.Time
}

func NewPacketizer() *Packetizer {
	return &Packetizer{MaxSize: MaxPacketSize, Timeout: DefaultTimeout}
}

// Put consumes b, received at now, and appends the output tokens to dst.
func (p *Packetizer) Put(dst []stream.Token, b MuxedByte, now time.Time) []stream.Token {
	dst = p.Tick(dst, now)
	if p.active && b.Channel != p.channel {
		dst = p.Flush(dst)
	}

	if !p.active {
		dst = append(dst, stream.Token{Data: b.Channel, First: true})
		p.active = true
		p.channel = b.Channel
		p.n = 0
	} else {
		dst = append(dst, stream.Token{Data: p.held})
	}
	p.held = b.Data
	p.n++
	p.lastInput = now

	if p.n >= p.MaxSize {
		dst = p.Flush(dst)
	}
	return dst
}

// Tick ends the open packet if it timed out by now.
func (p *Packetizer) Tick(dst []stream.Token, now time.Time) []stream.Token {
	if p.active && now.Sub(p.lastInput) >= p.Timeout {
		dst = p.Flush(dst)
	}
	return dst
}

// Flush ends the open packet, if any.
func (p *Packetizer) Flush(dst []stream.Token) []stream.Token {
	if !p.active {
		return dst
	}
	p.active = false
	return append(dst, stream.Token{Data: p.held, Last: true})
}

// Pending reports whether a packet is open.
func (p *Packetizer) Pending() bool { return p.active }

// Demux turns TPIU frames, or raw ITM bytes in bypass mode, into channel
// tagged packets.
type Demux struct {
	track      TrackStream
	filter     *ChannelFilter
	packetizer *Packetizer
}

// NewDemux creates a demultiplexer. A nil filter passes channels 1-127 and a
// nil packetizer uses the defaults.
func NewDemux(filter *ChannelFilter, packetizer *Packetizer) *Demux {
	if filter == nil {
		filter = NewChannelFilter()
	}
	if packetizer == nil {
		packetizer = NewPacketizer()
	}
	return &Demux{filter: filter, packetizer: packetizer}
}

// PutFrame consumes one frame received at now.
func (d *Demux) PutFrame(dst []stream.Token, f Frame, now time.Time) []stream.Token {
	for _, b := range Unmangle(f) {
		mb, ok := d.track.Put(b)
		if !ok || !d.filter.Allow(mb.Channel) {
			continue
		}
		dst = d.packetizer.Put(dst, mb, now)
	}
	return dst
}

// PutBypass consumes raw ITM bytes, which are packed as BypassChannel.
func (d *Demux) PutBypass(dst []stream.Token, data []byte, now time.Time) []stream.Token {
	for _, b := range data {
		dst = d.packetizer.Put(dst, MuxedByte{Data: b, Channel: BypassChannel}, now)
	}
	return dst
}

func (d *Demux) Tick(dst []stream.Token, now time.Time) []stream.Token {
	return d.packetizer.Tick(dst, now)
}

func (d *Demux) Flush(dst []stream.Token) []stream.Token {
	return d.packetizer.Flush(dst)
}

// Reset forgets the current source. An open packet is kept.
func (d *Demux) Reset() {
	d.track.Reset()
}

func (d *Demux) Filter() *ChannelFilter { return d.filter }
