package orbflow

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/OpenTraceLab/orbtrace/pkg/orbflow/cobs"
)

var (
	ErrChecksum = errors.New("orbflow: checksum mismatch")
	ErrCOBS     = errors.New("orbflow: bad COBS frame")
)

// Packet is one decoded trace packet.
type Packet struct {
	Channel uint8
	Data    []byte
}

// AppendFrame appends the wire encoding of p to dst: channel, data and
// checksum, COBS encoded and zero terminated.
func AppendFrame(dst []byte, p Packet) []byte {
	raw := make([]byte, 0, len(p.Data)+2)
	raw = append(raw, p.Channel)
	raw = append(raw, p.Data...)
	raw = append(raw, Checksum(raw))
	dst = cobs.AppendEncode(dst, raw)
	return append(dst, 0)
}

// DecodeFrame decodes one frame without its zero delimiter.
func DecodeFrame(frame []byte) (Packet, error) {
	raw, err := cobs.Decode(frame)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: %w", ErrCOBS, err)
	}
	if len(raw) < 2 {
		return Packet{}, fmt.Errorf("%w: %d byte frame", ErrChecksum, len(raw))
	}

	var sum byte
	for _, b := range raw {
		sum += b
	}
	if sum != 0 {
		return Packet{}, fmt.Errorf("%w: channel %d, residue 0x%02X", ErrChecksum, raw[0], sum)
	}
	return Packet{Channel: raw[0], Data: raw[1 : len(raw)-1]}, nil
}

// Decoder reads packets from an Orbflow byte stream.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next packet. Empty frames are skipped. A frame that fails
// to decode returns an error wrapping ErrCOBS or ErrChecksum; the stream
// stays usable and the caller may carry on with the next frame. At the end of
// the stream Next returns io.EOF, or io.ErrUnexpectedEOF if a frame was cut
// short.
func (d *Decoder) Next() (Packet, error) {
	for {
		frame, err := d.r.ReadBytes(0)
		if err != nil {
			if errors.Is(err, io.EOF) && len(frame) > 0 {
				return Packet{}, io.ErrUnexpectedEOF
			}
			return Packet{}, err
		}

		frame = frame[:len(frame)-1]
		if len(frame) == 0 {
			continue
		}
		return DecodeFrame(frame)
	}
}
