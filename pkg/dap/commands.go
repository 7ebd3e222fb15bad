package dap

import (
	"context"
	"encoding/binary"

	"github.com/OpenTraceLab/orbtrace/pkg/cmsisdap"
	"github.com/OpenTraceLab/orbtrace/pkg/dbgif"
)

func infoString(s string) []byte {
	b := []byte{cmsisdap.CmdInfo, byte(len(s) + 1)}
	b = append(b, s...)
	return append(b, 0)
}

func (p *Processor) info(_ context.Context, r *reader) ([]byte, error) {
	id, _ := r.u8()

	switch id {
	case cmsisdap.InfoVendorName, cmsisdap.InfoProductName, cmsisdap.InfoSerialNum,
		cmsisdap.InfoTargetVendor, cmsisdap.InfoTargetName,
		cmsisdap.InfoBoardVendor, cmsisdap.InfoBoardName:
		return []byte{cmsisdap.CmdInfo, 0}, nil
	case cmsisdap.InfoProtocolVer:
		return infoString(protocolVersion), nil
	case cmsisdap.InfoFirmwareVer:
		return infoString(p.fwVersion), nil
	case cmsisdap.InfoCapabilities:
		return []byte{cmsisdap.CmdInfo, 1, cmsisdap.CapSWD | cmsisdap.CapJTAG}, nil
	case cmsisdap.InfoTestDomainTimer:
		// The length byte claims 8 although only the frequency follows.
		return binary.LittleEndian.AppendUint32([]byte{cmsisdap.CmdInfo, 8}, timerFrequency), nil
	case cmsisdap.InfoPacketCount:
		return []byte{cmsisdap.CmdInfo, 1, 1}, nil
	case cmsisdap.InfoPacketSize:
		return binary.LittleEndian.AppendUint16([]byte{cmsisdap.CmdInfo, 2}, uint16(p.version.PacketSize())), nil
	}
	return invalid, nil
}

func (p *Processor) hostStatus(_ context.Context, r *reader) ([]byte, error) {
	typ, _ := r.u8()
	on, _ := r.u8()

	p.mu.Lock()
	defer p.mu.Unlock()

	switch typ {
	case 0:
		p.connected = on == 1
	case 1:
		p.running = on == 1
	default:
		return invalid, nil
	}
	return []byte{cmsisdap.CmdHostStatus, cmsisdap.StatusOK}, nil
}

func (p *Processor) connect(ctx context.Context, r *reader) ([]byte, error) {
	port, _ := r.u8()

	req := dbgif.Request{Command: dbgif.CmdSetSWD}
	switch port {
	case cmsisdap.PortDefault, cmsisdap.PortSWD:
		port = cmsisdap.PortSWD
	case cmsisdap.PortJTAG:
		req.Command = dbgif.CmdSetJTAG
	default:
		return invalid, nil
	}

	resp, err := p.exec(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return []byte{cmsisdap.CmdConnect, 0}, nil
	}

	p.mu.Lock()
	p.jtag = port == cmsisdap.PortJTAG
	p.mu.Unlock()
	p.log.Debugf("connected (port %d)", port)
	return []byte{cmsisdap.CmdConnect, port}, nil
}

// disconnect only drops the processor state. The engine keeps its mode until
// the next Connect selects one.
func (p *Processor) disconnect(context.Context, *reader) ([]byte, error) {
	p.mu.Lock()
	p.connected, p.running, p.jtag = false, false, true
	p.mu.Unlock()
	return []byte{cmsisdap.CmdDisconnect, cmsisdap.StatusOK}, nil
}

func (p *Processor) transferConfigure(ctx context.Context, r *reader) ([]byte, error) {
	idle, _ := r.u8()
	wait, _ := r.u16()
	match, _ := r.u16()

	resp, err := p.exec(ctx, dbgif.Request{Command: dbgif.CmdSetTransferConfig, Data: uint32(idle)})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.idle, p.waitRetry, p.matchRetry = idle, wait, match
	p.mu.Unlock()
	return []byte{cmsisdap.CmdTransferConfigure, doneStatus(resp)}, nil
}

// transferAbort is accepted for compatibility. Transfers run to completion
// before the next packet is read, so there is never one to abort.
func (p *Processor) transferAbort(context.Context, *reader) ([]byte, error) {
	return []byte{cmsisdap.CmdTransferAbort, cmsisdap.StatusOK}, nil
}

func (p *Processor) writeAbort(ctx context.Context, r *reader) ([]byte, error) {
	dev, _ := r.u8()
	v, _ := r.u32()

	resp, err := p.exec(ctx, dbgif.Request{
		Command: dbgif.CmdTransact,
		Device:  dev,
		Addr:    dbgif.DPAbort,
		Data:    v,
	})
	if err != nil {
		return nil, err
	}
	return []byte{cmsisdap.CmdWriteABORT, status(resp)}, nil
}

func (p *Processor) delay(ctx context.Context, r *reader) ([]byte, error) {
	us, _ := r.u16()
	resp, err := p.exec(ctx, dbgif.Request{Command: dbgif.CmdWait, Data: uint32(us)})
	if err != nil {
		return nil, err
	}
	return []byte{cmsisdap.CmdDelay, doneStatus(resp)}, nil
}

func (p *Processor) resetTarget(ctx context.Context, _ *reader) ([]byte, error) {
	resp, err := p.exec(ctx, dbgif.Request{Command: dbgif.CmdReset})
	if err != nil {
		return nil, err
	}
	// No device specific reset sequence is implemented.
	return []byte{cmsisdap.CmdResetTarget, doneStatus(resp), 0}, nil
}

func (p *Processor) swjPins(ctx context.Context, r *reader) ([]byte, error) {
	output, _ := r.u8()
	sel, _ := r.u8()
	wait, _ := r.u32()

	resp, err := p.exec(ctx, dbgif.Request{
		Command: dbgif.CmdPinsWrite,
		Pins:    uint16(output) | uint16(sel)<<8,
		Data:    wait,
	})
	if err != nil {
		return nil, err
	}
	return []byte{cmsisdap.CmdSWJPins, resp.Pins}, nil
}

func (p *Processor) swjClock(ctx context.Context, r *reader) ([]byte, error) {
	hz, _ := r.u32()
	resp, err := p.exec(ctx, dbgif.Request{Command: dbgif.CmdSetClock, Data: hz})
	if err != nil {
		return nil, err
	}
	return []byte{cmsisdap.CmdSWJClock, doneStatus(resp)}, nil
}

func (p *Processor) swdConfigure(ctx context.Context, r *reader) ([]byte, error) {
	cfg, _ := r.u8()
	resp, err := p.exec(ctx, dbgif.Request{Command: dbgif.CmdSetSWDConfig, Data: uint32(cfg)})
	if err != nil {
		return nil, err
	}
	return []byte{cmsisdap.CmdSWDConfigure, doneStatus(resp)}, nil
}

// maxJTAGDevices is the number of 5 bit IR lengths that fit the engine
// configuration word.
const maxJTAGDevices = 6

func (p *Processor) jtagConfigure(ctx context.Context, r *reader) ([]byte, error) {
	count, _ := r.u8()
	lengths, err := r.bytes(int(count))
	if err != nil {
		return nil, err
	}
	if count == 0 || count > maxJTAGDevices {
		return []byte{cmsisdap.CmdJTAGConfigure, cmsisdap.StatusError}, nil
	}

	var packed uint32
	for i, l := range lengths {
		packed |= uint32(l&0x1F) << (5 * i)
	}

	resp, err := p.exec(ctx, dbgif.Request{
		Command: dbgif.CmdSetJTAGConfig,
		Device:  count - 1,
		Data:    packed,
	})
	if err != nil {
		return nil, err
	}
	return []byte{cmsisdap.CmdJTAGConfigure, status(resp)}, nil
}

func (p *Processor) jtagIDCode(ctx context.Context, r *reader) ([]byte, error) {
	index, _ := r.u8()

	resp, err := p.exec(ctx, dbgif.Request{Command: dbgif.CmdJTAGGetID, Data: uint32(index)})
	if err != nil {
		return nil, err
	}
	b := []byte{cmsisdap.CmdJTAGIDCODE, status(resp)}
	return binary.LittleEndian.AppendUint32(b, resp.Data), nil
}
