package dap

import (
	"context"
	"fmt"

	"github.com/OpenTraceLab/orbtrace/pkg/cmsisdap"
	"github.com/OpenTraceLab/orbtrace/pkg/dbgif"
)

// pinDriver clocks bits through CmdPinsWrite. value and sel hold the pin
// state and select mask applied on every write.
type pinDriver struct {
	p     *Processor
	value uint8
	sel   uint8
}

func (d *pinDriver) set(pin uint8, on bool) {
	if on {
		d.value |= pin
	} else {
		d.value &^= pin
	}
}

func (d *pinDriver) write(ctx context.Context) (dbgif.Response, error) {
	return d.p.exec(ctx, dbgif.Request{
		Command: dbgif.CmdPinsWrite,
		Pins:    uint16(d.value) | uint16(d.sel)<<8,
	})
}

// clock drives the data pin, then a low and a high clock phase. It returns
// the pins sampled after the rising edge.
func (d *pinDriver) clock(ctx context.Context, dataPin uint8, bit bool) (uint8, error) {
	d.set(dataPin, bit)
	d.set(dbgif.PinSWCLK, false)
	if _, err := d.write(ctx); err != nil {
		return 0, err
	}
	d.set(dbgif.PinSWCLK, true)
	resp, err := d.write(ctx)
	if err != nil {
		return 0, err
	}
	return resp.Pins, nil
}

func (p *Processor) swjSequence(ctx context.Context, r *reader) ([]byte, error) {
	n, _ := r.u8()
	bits := int(n)
	if bits == 0 {
		bits = 256
	}

	d := &pinDriver{
		p:     p,
		value: dbgif.PinSWCLK | dbgif.PinSWDIO | dbgif.PinSWWR,
		sel:   dbgif.PinSWCLK | dbgif.PinSWDIO | dbgif.PinSWWR,
	}

	var cur byte
	for i := 0; i < bits; i++ {
		if i%8 == 0 {
			b, err := r.u8()
			if err != nil {
				return nil, err
			}
			cur = b
		}
		if _, err := d.clock(ctx, dbgif.PinSWDIO, cur>>(i%8)&1 != 0); err != nil {
			return nil, err
		}
	}
	return []byte{cmsisdap.CmdSWJSequence, cmsisdap.StatusOK}, nil
}

// sequence handles JTAG_Sequence and SWD_Sequence. Both clock a series of
// bit strings through the pins, optionally capturing TDO or SWDIO.
func (p *Processor) sequence(ctx context.Context, r *reader) ([]byte, error) {
	op := r.buf[0]
	jtag := op == cmsisdap.CmdJTAGSequence
	count, _ := r.u8()

	d := &pinDriver{p: p}
	dataPin, capturePin := uint8(dbgif.PinSWDIO), uint8(dbgif.PinSWDIO)
	if jtag {
		d.sel = dbgif.PinTCK | dbgif.PinTMS | dbgif.PinTDI | dbgif.PinSWWR
		dataPin, capturePin = dbgif.PinTDI, dbgif.PinTDO
	} else {
		d.sel = dbgif.PinSWCLK | dbgif.PinSWDIO | dbgif.PinSWWR
	}
	d.value = dbgif.PinSWCLK | dbgif.PinSWWR

	resp := []byte{op, cmsisdap.StatusOK}
	for i := 0; i < int(count); i++ {
		b, err := r.u8()
		if err != nil {
			return nil, err
		}
		seq := cmsisdap.Sequence{Info: b}

		if jtag {
			d.set(dbgif.PinTMS, seq.TMS())
		} else {
			d.set(dbgif.PinSWWR, !seq.Capture())
		}

		var out []byte
		if jtag || !seq.Capture() {
			if out, err = r.bytes(seq.Bytes()); err != nil {
				return nil, err
			}
		}

		captured, err := p.clockSequence(ctx, d, seq, out, dataPin, capturePin)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
		if seq.Capture() {
			resp = append(resp, captured...)
		}
	}
	return resp, nil
}

// clockSequence clocks one sequence and returns the captured bits, LSB
// aligned. Output bits come from out, or are zero when out is nil.
func (p *Processor) clockSequence(ctx context.Context, d *pinDriver, seq cmsisdap.Sequence, out []byte, dataPin, capturePin uint8) ([]byte, error) {
	captured := make([]byte, seq.Bytes())
	for bit := 0; bit < seq.Clocks(); bit++ {
		var v bool
		if out != nil {
			v = out[bit/8]>>(bit%8)&1 != 0
		}
		pins, err := d.clock(ctx, dataPin, v)
		if err != nil {
			return nil, err
		}
		if pins&capturePin != 0 {
			captured[bit/8] |= 1 << (bit % 8)
		}
	}
	return captured, nil
}
