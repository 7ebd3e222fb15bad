package cmsisdap_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/OpenTraceLab/orbtrace/pkg/cmsisdap"
	"github.com/OpenTraceLab/orbtrace/pkg/dap"
	"github.com/OpenTraceLab/orbtrace/pkg/dbgif"
	"github.com/google/go-cmp/cmp"
)

// loopback carries packets straight into a processor, standing in for a probe
// on the far end of a USB cable.
type loopback struct {
	proc    *dap.Processor
	packets [][]byte
	err     error
}

func (l *loopback) WriteRead(ctx context.Context, cmd []byte) ([]byte, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.packets = append(l.packets, append([]byte(nil), cmd...))
	return l.proc.Execute(ctx, cmd)
}

func newBridge(t *testing.T) (*cmsisdap.ProbeEngine, *loopback, *dbgif.SimEngine) {
	t.Helper()
	sim := dbgif.NewSimEngine()
	lb := &loopback{proc: dap.New(sim)}
	return cmsisdap.NewProbeEngine(lb, cmsisdap.V2PacketSize), lb, sim
}

func exec(t *testing.T, e dbgif.Engine, req dbgif.Request) dbgif.Response {
	t.Helper()
	resp, err := e.Exec(context.Background(), req)
	if err != nil {
		t.Fatalf("Exec(%s) error = %v", req.Command, err)
	}
	return resp
}

func TestProbeEngine_CommandMapping(t *testing.T) {
	tests := []struct {
		name string
		req  dbgif.Request
		want []byte
	}{
		{"reset", dbgif.Request{Command: dbgif.CmdReset}, []byte{0x0A}},
		{"swd", dbgif.Request{Command: dbgif.CmdSetSWD}, []byte{0x02, 0x01}},
		{"jtag", dbgif.Request{Command: dbgif.CmdSetJTAG}, []byte{0x02, 0x02}},
		{"clock", dbgif.Request{Command: dbgif.CmdSetClock, Data: 1000000}, []byte{0x11, 0x40, 0x42, 0x0F, 0x00}},
		{"swd config", dbgif.Request{Command: dbgif.CmdSetSWDConfig, Data: 1}, []byte{0x13, 0x01}},
		{"wait", dbgif.Request{Command: dbgif.CmdWait, Data: 100}, []byte{0x09, 100, 0}},
		{"transfer config", dbgif.Request{Command: dbgif.CmdSetTransferConfig, Data: 2}, []byte{0x04, 0x02, 0x00, 0x10, 0x00, 0x00}},
		{"clear error", dbgif.Request{Command: dbgif.CmdClearError}, []byte{0x08, 0x00, 0x1E, 0, 0, 0}},
		{"jtag config", dbgif.Request{Command: dbgif.CmdSetJTAGConfig, Device: 1, Data: 4 | 5<<5}, []byte{0x15, 0x02, 0x04, 0x05}},
		{"jtag get id", dbgif.Request{Command: dbgif.CmdJTAGGetID, Data: 0}, []byte{0x16, 0x00}},
		{"jtag reset", dbgif.Request{Command: dbgif.CmdJTAGReset}, []byte{0x14, 0x01, 0x45, 0x00}},
		{"pins", dbgif.Request{Command: dbgif.CmdPinsWrite, Pins: 0x1313, Data: 5}, []byte{0x10, 0x03, 0x03, 5, 0, 0, 0}},
		{"write", dbgif.Request{Command: dbgif.CmdTransact, Addr: dbgif.DPSelect, Data: 0xF0}, []byte{0x05, 0x00, 0x01, 0x08, 0xF0, 0, 0, 0}},
		{"read", dbgif.Request{Command: dbgif.CmdTransact, RnW: true, APnDP: true, Addr: 3}, []byte{0x05, 0x00, 0x01, 0x0F}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, lb, _ := newBridge(t)
			exec(t, e, tt.req)
			if len(lb.packets) != 1 {
				t.Fatalf("packets = %d, want 1", len(lb.packets))
			}
			if !bytes.Equal(lb.packets[0], tt.want) {
				t.Errorf("packet = % X, want % X", lb.packets[0], tt.want)
			}
		})
	}
}

func TestProbeEngine_NoPacket(t *testing.T) {
	e, lb, _ := newBridge(t)
	exec(t, e, dbgif.Request{Command: dbgif.CmdSetResetTimer})
	exec(t, e, dbgif.Request{Command: dbgif.CmdSetSWJ})
	exec(t, e, dbgif.Request{Command: dbgif.CmdTransact, RnW: true, Addr: dbgif.DPRdBuff})
	if len(lb.packets) != 0 {
		t.Errorf("packets = %d, want 0", len(lb.packets))
	}
}

func TestProbeEngine_PostedReads(t *testing.T) {
	e, _, sim := newBridge(t)
	sim.WriteMemory(0x100, 0x11)
	sim.WriteMemory(0x104, 0x22)

	exec(t, e, dbgif.Request{Command: dbgif.CmdSetSWD})
	exec(t, e, dbgif.Request{Command: dbgif.CmdTransact, APnDP: true, Addr: 0, Data: 0x23000012})
	exec(t, e, dbgif.Request{Command: dbgif.CmdTransact, APnDP: true, Addr: 1, Data: 0x100})

	drw := dbgif.Request{Command: dbgif.CmdTransact, APnDP: true, RnW: true, Addr: 3}
	got := []uint32{
		exec(t, e, drw).Data,
		exec(t, e, drw).Data,
		exec(t, e, dbgif.Request{Command: dbgif.CmdTransact, RnW: true, Addr: dbgif.DPRdBuff}).Data,
	}
	if diff := cmp.Diff([]uint32{0, 0x11, 0x22}, got); diff != "" {
		t.Errorf("posted reads (-want +got):\n%s", diff)
	}

	idr := exec(t, e, dbgif.Request{Command: dbgif.CmdTransact, RnW: true, Addr: dbgif.DPIDR})
	if idr.Data != dbgif.DefaultDPIDR {
		t.Errorf("DPIDR = 0x%08X, want 0x%08X", idr.Data, uint32(dbgif.DefaultDPIDR))
	}
}

func TestProbeEngine_Status(t *testing.T) {
	e, _, sim := newBridge(t)
	exec(t, e, dbgif.Request{Command: dbgif.CmdSetSWD})

	sim.OnTransact = func(dbgif.Request) (dbgif.Response, bool) {
		return dbgif.Response{Ack: dbgif.AckError}, true
	}
	resp := exec(t, e, dbgif.Request{Command: dbgif.CmdTransact, RnW: true, Addr: dbgif.DPIDR})
	if resp.Ack != dbgif.AckError {
		t.Errorf("Ack = %s, want ERROR", resp.Ack)
	}

	resp = exec(t, e, dbgif.Request{Command: dbgif.CmdJTAGGetID, Data: 7})
	if !resp.ProtocolError {
		t.Errorf("JTAGGetID(7) = %+v, want protocol error", resp)
	}
}

func TestProbeEngine_TransportError(t *testing.T) {
	e, lb, _ := newBridge(t)
	lb.err = errors.New("cable unplugged")

	_, err := e.Exec(context.Background(), dbgif.Request{Command: dbgif.CmdReset})
	if !errors.Is(err, lb.err) {
		t.Errorf("Exec() error = %v, want wrapped transport error", err)
	}
}

// A processor fronting a bridged probe must answer exactly like one driving
// the target directly.
func TestProbeEngine_ProcessorChain(t *testing.T) {
	e, _, sim := newBridge(t)
	sim.WriteMemory(0x20000000, 0xDEADBEEF)
	front := dap.New(e)

	run := func(packet ...byte) []byte {
		t.Helper()
		resp, err := front.Execute(context.Background(), packet)
		if err != nil {
			t.Fatalf("Execute(% X) error = %v", packet, err)
		}
		return resp
	}

	if got := run(0x02, 0x01); !bytes.Equal(got, []byte{0x02, 0x01}) {
		t.Fatalf("Connect() = % X", got)
	}

	got := run(0x05, 0x00, 0x05,
		0x08, 0, 0, 0, 0, // SELECT
		0x01, 0x12, 0, 0, 0x23, // CSW
		0x05, 0, 0, 0, 0x20, // TAR
		0x0F, // DRW
		0x02, // DPIDR
	)
	want := []byte{0x05, 0x05, 0x01, 0xEF, 0xBE, 0xAD, 0xDE, 0x77, 0x14, 0xA0, 0x2B}
	if !bytes.Equal(got, want) {
		t.Errorf("Transfer() = % X, want % X", got, want)
	}

	if got := run(0x16, 0x00); !bytes.Equal(got, []byte{0x16, 0x00, 0x77, 0x14, 0xA0, 0x2B}) {
		t.Errorf("JTAG_IDCODE() = % X", got)
	}
}

// Integration test - only runs with real hardware
func TestUSBTransportIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	transport, err := cmsisdap.OpenUSB(cmsisdap.VendorIDOrbcode, cmsisdap.ProductIDOrbtrace)
	if err != nil {
		t.Skipf("No Orbtrace hardware found: %v", err)
	}
	defer transport.Close()

	proto := cmsisdap.NewProtocol(transport.PacketSize())
	resp, err := transport.WriteRead(context.Background(), proto.EncodeInfo(cmsisdap.InfoProtocolVer))
	if err != nil {
		t.Fatalf("WriteRead() error = %v", err)
	}
	version, err := proto.DecodeInfoString(resp)
	if err != nil {
		t.Fatalf("DecodeInfoString() error = %v", err)
	}
	t.Logf("CMSIS-DAP protocol version %s, packet size %d", version, transport.PacketSize())
}
