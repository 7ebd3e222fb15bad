package dap

import (
	"context"
	"encoding/binary"

	"github.com/OpenTraceLab/orbtrace/pkg/cmsisdap"
	"github.com/OpenTraceLab/orbtrace/pkg/dbgif"
)

// transferRequest is one decoded DAP_Transfer request byte.
type transferRequest byte

func (t transferRequest) ap() bool         { return t&cmsisdap.TransferAPnDP != 0 }
func (t transferRequest) read() bool       { return t&cmsisdap.TransferRnW != 0 }
func (t transferRequest) addr() uint8      { return uint8(t>>2) & 3 }
func (t transferRequest) matchValue() bool { return t&cmsisdap.TransferMatchValue != 0 }
func (t transferRequest) matchMask() bool  { return t&cmsisdap.TransferMatchMask != 0 }

// hasData reports whether a data word follows the request byte.
func (t transferRequest) hasData() bool {
	return !t.read() || t.matchValue() || t.matchMask()
}

// transferSession holds the state of one Transfer or TransferBlock command.
// Captured words are staged in data until the response is built.
type transferSession struct {
	p    *Processor
	dev  uint8
	jtag bool

	waitRetry  uint16
	matchRetry uint16

	posted    bool
	data      []uint32
	completed int
	status    byte
}

func (p *Processor) newSession(dev uint8) *transferSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &transferSession{
		p:          p,
		dev:        dev,
		jtag:       p.jtag,
		waitRetry:  p.waitRetry,
		matchRetry: p.matchRetry,
		status:     cmsisdap.TransferOK,
	}
}

// postable reports whether a read of the register is returned one transaction
// late: every read in JTAG, AP reads in SWD.
func (s *transferSession) postable(ap bool) bool {
	return s.jtag || ap
}

func (s *transferSession) failed() bool {
	return s.status != cmsisdap.TransferOK
}

// transact issues one register access, retrying on WAIT. A failing outcome is
// recorded in the session status.
func (s *transferSession) transact(ctx context.Context, ap, rnw bool, addr uint8, v uint32) (dbgif.Response, error) {
	req := dbgif.Request{
		Command: dbgif.CmdTransact,
		Device:  s.dev,
		APnDP:   ap,
		RnW:     rnw,
		Addr:    addr,
		Data:    v,
	}

	retries := s.waitRetry
	for {
		resp, err := s.p.exec(ctx, req)
		if err != nil {
			return resp, err
		}
		if resp.Ack == dbgif.AckWait && !resp.ProtocolError && retries > 0 {
			retries--
			continue
		}
		if !resp.OK() {
			s.status = byte(resp.Ack) & 7
			if resp.ProtocolError {
				s.status |= cmsisdap.TransferError
			}
			s.p.log.Debugf("transfer failed: ack %s perr %t", resp.Ack, resp.ProtocolError)
		}
		return resp, nil
	}
}

// flush completes a posted read by reading RDBUFF. The read counts as
// completed only once its value has arrived.
func (s *transferSession) flush(ctx context.Context) error {
	s.posted = false
	resp, err := s.transact(ctx, false, true, dbgif.DPRdBuff, 0)
	if err != nil || !resp.OK() {
		return err
	}
	s.data = append(s.data, resp.Data)
	s.completed++
	return nil
}

// read performs a read in posting mode. The first postable read only starts
// the pipeline; each following one returns the previous value.
func (s *transferSession) read(ctx context.Context, ap bool, addr uint8) error {
	if !s.postable(ap) {
		if s.posted {
			if err := s.flush(ctx); err != nil || s.failed() {
				return err
			}
		}
		resp, err := s.transact(ctx, ap, true, addr, 0)
		if err != nil || !resp.OK() {
			return err
		}
		s.data = append(s.data, resp.Data)
		s.completed++
		return nil
	}

	resp, err := s.transact(ctx, ap, true, addr, 0)
	if err != nil || !resp.OK() {
		return err
	}
	if s.posted {
		s.data = append(s.data, resp.Data)
		s.completed++
	}
	s.posted = true
	return nil
}

func (s *transferSession) write(ctx context.Context, ap bool, addr uint8, v uint32) error {
	if s.posted {
		if err := s.flush(ctx); err != nil || s.failed() {
			return err
		}
	}
	resp, err := s.transact(ctx, ap, false, addr, v)
	if err != nil || !resp.OK() {
		return err
	}
	s.completed++
	return nil
}

// readValue returns the current value of a register outside posting mode.
func (s *transferSession) readValue(ctx context.Context, ap bool, addr uint8) (uint32, bool, error) {
	if s.postable(ap) {
		resp, err := s.transact(ctx, ap, true, addr, 0)
		if err != nil || !resp.OK() {
			return 0, false, err
		}
		addr, ap = dbgif.DPRdBuff, false
	}
	resp, err := s.transact(ctx, ap, true, addr, 0)
	if err != nil || !resp.OK() {
		return 0, false, err
	}
	return resp.Data, true, nil
}

// match reads the register until the masked value equals want, giving up
// after the match retry budget.
func (s *transferSession) match(ctx context.Context, ap bool, addr uint8, want uint32) error {
	if s.posted {
		if err := s.flush(ctx); err != nil || s.failed() {
			return err
		}
	}

	s.p.mu.Lock()
	mask := s.p.matchMask
	s.p.mu.Unlock()

	retries := s.matchRetry
	for {
		v, ok, err := s.readValue(ctx, ap, addr)
		if err != nil || !ok {
			return err
		}
		if v&mask == want {
			s.completed++
			return nil
		}
		if retries == 0 {
			s.status |= cmsisdap.TransferMismatch
			return nil
		}
		retries--
	}
}

func (s *transferSession) finish(ctx context.Context) error {
	if s.posted && !s.failed() {
		return s.flush(ctx)
	}
	return nil
}

func (p *Processor) transfer(ctx context.Context, r *reader) ([]byte, error) {
	dev, _ := r.u8()
	count, _ := r.u8()
	s := p.newSession(dev)

	for i := 0; i < int(count); i++ {
		// The rest of the packet is left unread once an entry fails.
		if s.failed() {
			break
		}

		b, err := r.u8()
		if err != nil {
			return nil, err
		}
		req := transferRequest(b)

		var v uint32
		if req.hasData() {
			if v, err = r.u32(); err != nil {
				return nil, err
			}
		}

		switch {
		case req.matchMask():
			if s.posted {
				if err := s.flush(ctx); err != nil {
					return nil, err
				}
				if s.failed() {
					continue
				}
			}
			p.mu.Lock()
			p.matchMask = v
			p.mu.Unlock()
			s.completed++
		case req.read() && req.matchValue():
			err = s.match(ctx, req.ap(), req.addr(), v)
		case req.read():
			err = s.read(ctx, req.ap(), req.addr())
		default:
			err = s.write(ctx, req.ap(), req.addr(), v)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := s.finish(ctx); err != nil {
		return nil, err
	}

	resp := []byte{cmsisdap.CmdTransfer, byte(s.completed), s.status}
	for _, w := range s.data {
		resp = binary.LittleEndian.AppendUint32(resp, w)
	}
	return resp, nil
}

func (p *Processor) transferBlock(ctx context.Context, r *reader) ([]byte, error) {
	dev, _ := r.u8()
	count, _ := r.u16()
	b, err := r.u8()
	if err != nil {
		return nil, err
	}
	req := transferRequest(b)
	s := p.newSession(dev)

	for i := 0; i < int(count) && !s.failed(); i++ {
		var v uint32
		if !req.read() {
			if v, err = r.u32(); err != nil {
				return nil, err
			}
		}

		if req.read() {
			err = s.read(ctx, req.ap(), req.addr())
		} else {
			err = s.write(ctx, req.ap(), req.addr(), v)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := s.finish(ctx); err != nil {
		return nil, err
	}

	resp := binary.LittleEndian.AppendUint16([]byte{cmsisdap.CmdTransferBlock}, uint16(s.completed))
	resp = append(resp, s.status)
	for _, w := range s.data {
		resp = binary.LittleEndian.AppendUint32(resp, w)
	}
	return resp, nil
}
