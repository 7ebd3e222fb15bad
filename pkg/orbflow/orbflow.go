// Package orbflow implements the Orbflow trace transport format. Each trace
// packet ([channel][data...]) gets a trailing checksum, is COBS encoded and
// terminated by a zero byte. Packets are then grouped into super-frames, one
// per USB bulk transfer.
package orbflow

import (
	"time"

	"github.com/OpenTraceLab/orbtrace/pkg/orbflow/cobs"
	"github.com/OpenTraceLab/orbtrace/pkg/stream"
)

// Checksum returns the byte that makes the sum of data and itself zero.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum -= b
	}
	return sum
}

// ChecksumAppender appends the packet checksum after the last byte of every
// packet.
type ChecksumAppender struct {
	sum byte
}

func (c *ChecksumAppender) Put(dst []stream.Token, t stream.Token) []stream.Token {
	c.sum -= t.Data
	if !t.Last {
		return append(dst, t)
	}

	dst = append(dst,
		stream.Token{Data: t.Data, First: t.First},
		stream.Token{Data: c.sum, Last: true},
	)
	c.sum = 0
	return dst
}

// COBSEncoder is a streaming COBS encoder. It holds at most one group of
// cobs.MaxRun bytes, and produces the same bytes as cobs.Encode for every
// packet.
type COBSEncoder struct {
	// AppendDelimiter terminates each encoded packet with a zero byte, which
	// then carries the Last marker.
	AppendDelimiter bool

	group []byte
}

func NewCOBSEncoder(appendDelimiter bool) *COBSEncoder {
	return &COBSEncoder{
		AppendDelimiter: appendDelimiter,
		group:           make([]byte, 0, cobs.MaxRun),
	}
}

func (e *COBSEncoder) Put(dst []stream.Token, t stream.Token) []stream.Token {
	if t.Data == 0 {
		dst = e.flushGroup(dst, false)
	} else {
		e.group = append(e.group, t.Data)
		if len(e.group) == cobs.MaxRun {
			// A full group needs no terminating zero, so a packet ending
			// here ends with the group.
			dst = e.flushGroup(dst, t.Last && !e.AppendDelimiter)
			if t.Last {
				dst = e.delimit(dst)
			}
			return dst
		}
	}

	if t.Last {
		dst = e.flushGroup(dst, !e.AppendDelimiter)
		dst = e.delimit(dst)
	}
	return dst
}

func (e *COBSEncoder) flushGroup(dst []stream.Token, last bool) []stream.Token {
	header := stream.Token{Data: byte(len(e.group) + 1)}
	if len(e.group) == 0 {
		header.Last = last
		return append(dst, header)
	}

	dst = append(dst, header)
	for i, b := range e.group {
		dst = append(dst, stream.Token{Data: b, Last: last && i == len(e.group)-1})
	}
	e.group = e.group[:0]
	return dst
}

func (e *COBSEncoder) delimit(dst []stream.Token) []stream.Token {
	if !e.AppendDelimiter {
		return dst
	}
	return append(dst, stream.Token{Data: 0, Last: true})
}

const (
	// DefaultInterval is the super-frame flush interval.
	DefaultInterval = 100 * time.Millisecond
	// DefaultThreshold is the byte count that ends a super-frame on a busy
	// link.
	DefaultThreshold = 65536
)

// SuperFramer merges packets into super-frames by clearing every Last marker
// except the one that closes the frame.
//
// A frame is closed at the next packet end once flushing is armed. Flushing is
// armed when an interval passes with fewer than Threshold bytes sent in it, so
// a quiet link sends each packet promptly, or when Threshold bytes have gone
// into the current frame. The final byte of a packet is held until the framer
// knows whether it closes the frame.
type SuperFramer struct {
	Interval  time.Duration
	Threshold int

	held    stream.Token
	holding bool
	flush   bool

	intervalStart time.Time
	sentInterval  int
	sentFrame     int
}

func NewSuperFramer() *SuperFramer {
	return &SuperFramer{Interval: DefaultInterval, Threshold: DefaultThreshold}
}

// Put consumes t, received at now, and appends the output tokens to dst.
func (s *SuperFramer) Put(dst []stream.Token, t stream.Token, now time.Time) []stream.Token {
	dst = s.Tick(dst, now)
	if s.holding {
		dst = s.emit(dst, s.held)
		s.holding = false
	}
	if s.flush {
		return s.emit(dst, t)
	}
	s.held, s.holding = t, true
	return dst
}

// Tick advances the interval timer and releases a held frame end once
// flushing is armed.
func (s *SuperFramer) Tick(dst []stream.Token, now time.Time) []stream.Token {
	if s.intervalStart.IsZero() {
		s.intervalStart = now
	}
	if now.Sub(s.intervalStart) >= s.Interval {
		if s.sentInterval < s.Threshold {
			s.flush = true
		}
		s.sentInterval = 0
		s.intervalStart = now
	}

	if s.flush && s.holding {
		dst = s.emit(dst, s.held)
		s.holding = false
	}
	return dst
}

func (s *SuperFramer) emit(dst []stream.Token, t stream.Token) []stream.Token {
	last := t.Last && s.flush
	dst = append(dst, stream.Token{Data: t.Data, Last: last})

	s.sentInterval++
	s.sentFrame++
	if last {
		s.flush = false
		s.sentFrame = 0
	}
	if s.sentFrame >= s.Threshold {
		s.flush = true
	}
	return dst
}

// Pending reports whether a byte is held back.
func (s *SuperFramer) Pending() bool { return s.holding }

// Encoder chains the checksum, COBS and super-framing stages.
type Encoder struct {
	checksum ChecksumAppender
	cobs     *COBSEncoder
	framer   *SuperFramer

	a, b []stream.Token
}

// NewEncoder creates an encoder with the given super-framer. A nil framer
// uses the defaults.
func NewEncoder(framer *SuperFramer) *Encoder {
	if framer == nil {
		framer = NewSuperFramer()
	}
	return &Encoder{cobs: NewCOBSEncoder(true), framer: framer}
}

// Put encodes packet tokens received at now and appends the output to dst.
func (e *Encoder) Put(dst, toks []stream.Token, now time.Time) []stream.Token {
	e.a = e.a[:0]
	for _, t := range toks {
		e.a = e.checksum.Put(e.a, t)
	}
	e.b = e.b[:0]
	for _, t := range e.a {
		e.b = e.cobs.Put(e.b, t)
	}
	if len(e.b) == 0 {
		return e.framer.Tick(dst, now)
	}
	for _, t := range e.b {
		dst = e.framer.Put(dst, t, now)
	}
	return dst
}

func (e *Encoder) Tick(dst []stream.Token, now time.Time) []stream.Token {
	return e.framer.Tick(dst, now)
}
