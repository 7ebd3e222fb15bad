// Package tpiu demultiplexes the Trace Port Interface Unit formatter protocol.
// Trace sources share the port through 16 byte frames carrying source IDs;
// this package finds frame alignment, recovers the data of each source and
// repacks it into channel tagged packets.
package tpiu

import "fmt"

// FrameSize is the size of a formatted TPIU frame.
const FrameSize = 16

// Frame is one formatted frame, oldest byte first.
type Frame [FrameSize]byte

func (f Frame) String() string {
	return fmt.Sprintf("% X", f[:])
}

// Sync aligns a byte stream to frame boundaries. A full synchronization
// packet (FF FF FF 7F) establishes alignment; half synchronization packets
// (FF 7F) are padding and are removed wherever they appear.
type Sync struct {
	buf    [FrameSize]byte
	n      int
	synced bool
}

// Put consumes one byte and returns the frame it completes, if any. Until a
// full sync is seen the buffer slides, keeping the latest 16 bytes.
func (s *Sync) Put(b byte) (Frame, bool) {
	if b == 0x7F {
		switch {
		case s.n >= 3 && s.buf[s.n-1] == 0xFF && s.buf[s.n-2] == 0xFF && s.buf[s.n-3] == 0xFF:
			s.synced = true
			s.n = 0
			return Frame{}, false
		case s.n >= 1 && s.buf[s.n-1] == 0xFF:
			s.n--
			return Frame{}, false
		}
	}

	if s.n == FrameSize {
		copy(s.buf[:], s.buf[1:])
		s.n--
	}
	s.buf[s.n] = b
	s.n++

	if s.n == FrameSize && s.synced {
		s.n = 0
		return Frame(s.buf), true
	}
	return Frame{}, false
}

// PutAll feeds data and appends the completed frames to dst.
func (s *Sync) PutAll(dst []Frame, data []byte) []Frame {
	for _, b := range data {
		if f, ok := s.Put(b); ok {
			dst = append(dst, f)
		}
	}
	return dst
}

func (s *Sync) Synced() bool { return s.synced }

// ResetSync drops alignment. Frames are withheld until the next full sync.
func (s *Sync) ResetSync() {
	s.synced = false
}
