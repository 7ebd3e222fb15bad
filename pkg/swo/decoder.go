package swo

import "fmt"

// Encoding selects how SWO bits are encoded on the line.
type Encoding int

const (
	Manchester Encoding = iota
	NRZ
)

func (e Encoding) String() string {
	switch e {
	case Manchester:
		return "manchester"
	case NRZ:
		return "nrz"
	}
	return fmt.Sprintf("Encoding(%d)", int(e))
}

// Decoder chains the stages that turn 2x oversampled SWO samples into bytes.
// It is not safe for concurrent use.
type Decoder struct {
	encoding Encoding

	capture    PulseLengthCapture
	manchester ManchesterDecoder
	packer     BitsToBytes
	nrz        NRZDecoder
	uart       UARTDecoder

	pulses []Pulse
	bits   []uint8
}

func NewDecoder(enc Encoding) *Decoder {
	return &Decoder{
		encoding: enc,
		nrz:      NRZDecoder{BitLength: DefaultBitLength},
	}
}

func (d *Decoder) Encoding() Encoding { return d.encoding }

// SetEncoding switches the line decoder. Partially decoded bits are dropped.
func (d *Decoder) SetEncoding(enc Encoding) {
	d.encoding = enc
	d.manchester.Reset()
	d.packer.Reset()
	d.uart.Reset()
}

// SetBitLength sets the NRZ bit length, see BitLength.
func (d *Decoder) SetBitLength(n uint16) {
	d.nrz.BitLength = n
}

func (d *Decoder) BitLength() uint16 { return d.nrz.BitLength }

// FramingErrors returns the NRZ characters dropped for a bad stop bit.
func (d *Decoder) FramingErrors() uint64 { return d.uart.FramingErrors() }

// Decode consumes samples and appends the decoded bytes to dst.
func (d *Decoder) Decode(dst, samples []byte) []byte {
	d.pulses = d.capture.PutAll(d.pulses[:0], samples)

	for _, p := range d.pulses {
		switch d.encoding {
		case Manchester:
			if bit, ok := d.manchester.Put(p); ok {
				if b, ok := d.packer.Put(bit); ok {
					dst = append(dst, b)
				}
			}
		case NRZ:
			d.bits = d.nrz.Put(d.bits[:0], p)
			for _, bit := range d.bits {
				if b, ok := d.uart.Put(bit); ok {
					dst = append(dst, b)
				}
			}
		}
	}
	return dst
}
