package cmsisdap

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestProtocolEncodeInfo(t *testing.T) {
	proto := NewProtocol(64)

	tests := []struct {
		name   string
		infoID byte
		want   []byte
	}{
		{"Vendor Name", InfoVendorName, []byte{0x00, 0x01}},
		{"Protocol Version", InfoProtocolVer, []byte{0x00, 0x04}},
		{"Firmware Version", InfoFirmwareVer, []byte{0x00, 0x09}},
		{"Capabilities", InfoCapabilities, []byte{0x00, 0xF0}},
		{"Packet Size", InfoPacketSize, []byte{0x00, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := proto.EncodeInfo(tt.infoID)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("EncodeInfo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProtocolDecodeInfoString(t *testing.T) {
	proto := NewProtocol(64)

	tests := []struct {
		name    string
		resp    []byte
		want    string
		wantErr bool
	}{
		{
			name: "version with terminator",
			resp: []byte{0x00, 0x06, '2', '.', '1', '.', '0', 0},
			want: "2.1.0",
		},
		{
			name: "empty",
			resp: []byte{0x00, 0x00},
			want: "",
		},
		{
			name:    "too short",
			resp:    []byte{0x00},
			wantErr: true,
		},
		{
			name:    "wrong command",
			resp:    []byte{0x01, 0x04, 'T', 'e', 's', 't'},
			wantErr: true,
		},
		{
			name:    "incomplete string",
			resp:    []byte{0x00, 0x10, 'T', 'e', 's', 't'},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := proto.DecodeInfoString(tt.resp)
			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeInfoString() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("DecodeInfoString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProtocolEncodeTransfer(t *testing.T) {
	proto := NewProtocol(64)

	tests := []struct {
		name string
		reqs []TransferRequest
		want []byte
	}{
		{
			name: "DP read IDR",
			reqs: []TransferRequest{Read(false, 0x0)},
			want: []byte{0x05, 0x00, 0x01, 0x02},
		},
		{
			name: "AP write TAR then read DRW",
			reqs: []TransferRequest{Write(true, 0x4, 0x20000000), Read(true, 0xC)},
			want: []byte{0x05, 0x00, 0x02, 0x05, 0x00, 0x00, 0x00, 0x20, 0x0F},
		},
		{
			name: "match mask and value",
			reqs: []TransferRequest{MatchMask(0xFF), MatchValue(false, 0x4, 0x0F)},
			want: []byte{0x05, 0x00, 0x02, 0x20, 0xFF, 0, 0, 0, 0x16, 0x0F, 0, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := proto.EncodeTransfer(0, tt.reqs)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("EncodeTransfer() = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestProtocolDecodeTransfer(t *testing.T) {
	proto := NewProtocol(64)

	tests := []struct {
		name    string
		resp    []byte
		want    TransferResult
		wantErr bool
	}{
		{
			name: "two reads",
			resp: []byte{0x05, 0x02, 0x01, 0x77, 0x14, 0xA0, 0x2B, 0x01, 0x00, 0x00, 0x00},
			want: TransferResult{Count: 2, Status: TransferOK, Data: []uint32{0x2BA01477, 1}},
		},
		{
			name: "wait",
			resp: []byte{0x05, 0x00, 0x02},
			want: TransferResult{Count: 0, Status: TransferWait},
		},
		{
			name:    "too short",
			resp:    []byte{0x05, 0x00},
			wantErr: true,
		},
		{
			name:    "wrong command",
			resp:    []byte{0x06, 0x00, 0x01},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := proto.DecodeTransfer(tt.resp)
			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeTransfer() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("DecodeTransfer() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProtocolTransferBlock(t *testing.T) {
	proto := NewProtocol(512)

	got := proto.EncodeTransferBlock(0, 0x0D, 2, []uint32{1, 2})
	want := []byte{0x06, 0x00, 0x02, 0x00, 0x0D, 1, 0, 0, 0, 2, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeTransferBlock(write) = % X, want % X", got, want)
	}

	got = proto.EncodeTransferBlock(0, 0x0F, 300, []uint32{1, 2})
	want = []byte{0x06, 0x00, 0x2C, 0x01, 0x0F}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeTransferBlock(read) = % X, want % X", got, want)
	}

	res, err := proto.DecodeTransferBlock([]byte{0x06, 0x01, 0x00, 0x01, 0xEF, 0xBE, 0xAD, 0xDE})
	if err != nil {
		t.Fatalf("DecodeTransferBlock() error = %v", err)
	}
	if res.Count != 1 || !res.OK() || len(res.Data) != 1 || res.Data[0] != 0xDEADBEEF {
		t.Errorf("DecodeTransferBlock() = %+v", res)
	}
}

func TestProtocolSimpleCommands(t *testing.T) {
	proto := NewProtocol(64)

	tests := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"HostStatus", proto.EncodeHostStatus(1, true), []byte{0x01, 0x01, 0x01}},
		{"Connect", proto.EncodeConnect(PortSWD), []byte{0x02, 0x01}},
		{"Disconnect", proto.EncodeDisconnect(), []byte{0x03}},
		{"TransferConfigure", proto.EncodeTransferConfigure(2, 4096, 16), []byte{0x04, 0x02, 0x00, 0x10, 0x10, 0x00}},
		{"WriteABORT", proto.EncodeWriteABORT(0, 0x1E), []byte{0x08, 0x00, 0x1E, 0, 0, 0}},
		{"Delay", proto.EncodeDelay(500), []byte{0x09, 0xF4, 0x01}},
		{"ResetTarget", proto.EncodeResetTarget(), []byte{0x0A}},
		{"SWJ_Pins", proto.EncodeSWJPins(0x80, 0x80, 100), []byte{0x10, 0x80, 0x80, 100, 0, 0, 0}},
		{"SWJ_Clock", proto.EncodeSetClock(1000000), []byte{0x11, 0x40, 0x42, 0x0F, 0x00}},
		{"SWJ_Sequence", proto.EncodeSWJSequence(10, []byte{0xFF, 0x03, 0xAA}), []byte{0x12, 10, 0xFF, 0x03}},
		{"SWD_Configure", proto.EncodeSWDConfigure(0x00), []byte{0x13, 0x00}},
		{"JTAG_Configure", proto.EncodeJTAGConfigure([]byte{4, 5}), []byte{0x15, 0x02, 0x04, 0x05}},
		{"JTAG_IDCODE", proto.EncodeJTAGIDCODE(1), []byte{0x16, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !bytes.Equal(tt.got, tt.want) {
				t.Errorf("Encode%s() = % X, want % X", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestSequence(t *testing.T) {
	tests := []struct {
		name        string
		clocks      int
		tms         bool
		capture     bool
		wantInfo    byte
		wantClocks  int
		wantBytes   int
	}{
		{"8 clocks", 8, false, false, 0x08, 8, 1},
		{"tms capture", 5, true, true, 0xC5, 5, 1},
		{"64 clocks", 64, false, true, 0x80, 64, 8},
		{"33 clocks", 33, false, false, 0x21, 33, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := NewSequence(tt.clocks, tt.tms, tt.capture, nil)
			if seq.Info != tt.wantInfo {
				t.Errorf("Info = 0x%02X, want 0x%02X", seq.Info, tt.wantInfo)
			}
			if seq.Clocks() != tt.wantClocks {
				t.Errorf("Clocks() = %d, want %d", seq.Clocks(), tt.wantClocks)
			}
			if seq.Bytes() != tt.wantBytes {
				t.Errorf("Bytes() = %d, want %d", seq.Bytes(), tt.wantBytes)
			}
			if seq.TMS() != tt.tms || seq.Capture() != tt.capture {
				t.Errorf("TMS/Capture = %t/%t, want %t/%t", seq.TMS(), seq.Capture(), tt.tms, tt.capture)
			}
		})
	}
}

func TestProtocolSequences(t *testing.T) {
	proto := NewProtocol(64)

	seqs := []Sequence{
		NewSequence(5, true, false, []byte{0x00}),
		NewSequence(10, false, true, []byte{0xFF, 0x01}),
	}

	jtag := proto.EncodeJTAGSequence(seqs)
	want := []byte{0x14, 0x02, 0x45, 0x00, 0x8A, 0xFF, 0x01}
	if !bytes.Equal(jtag, want) {
		t.Errorf("EncodeJTAGSequence() = % X, want % X", jtag, want)
	}

	swd := proto.EncodeSWDSequence(seqs)
	want = []byte{0x1D, 0x02, 0x45, 0x00, 0x8A}
	if !bytes.Equal(swd, want) {
		t.Errorf("EncodeSWDSequence() = % X, want % X", swd, want)
	}

	got, err := proto.DecodeSequence([]byte{0x14, 0x00, 0x34, 0x02}, CmdJTAGSequence, seqs)
	if err != nil {
		t.Fatalf("DecodeSequence() error = %v", err)
	}
	if diff := cmp.Diff([][]byte{{0x34, 0x02}}, got); diff != "" {
		t.Errorf("DecodeSequence() mismatch (-want +got):\n%s", diff)
	}

	if _, err := proto.DecodeSequence([]byte{0x14, 0x00, 0x34}, CmdJTAGSequence, seqs); err == nil {
		t.Errorf("DecodeSequence() with missing capture data: expected error")
	}
	if _, err := proto.DecodeSequence([]byte{0x14, 0xFF}, CmdJTAGSequence, seqs); err == nil {
		t.Errorf("DecodeSequence() with error status: expected error")
	}
}

func TestCommandName(t *testing.T) {
	if got := CommandName(CmdTransferBlock); got != "TransferBlock" {
		t.Errorf("CommandName(0x06) = %q", got)
	}
	if got := CommandName(0x42); got != "0x42" {
		t.Errorf("CommandName(0x42) = %q", got)
	}
}

func TestLookupProbe(t *testing.T) {
	desc, ok := LookupProbe(VendorIDOrbcode, ProductIDOrbtrace)
	if !ok || desc != "Orbtrace" {
		t.Errorf("LookupProbe(1209:3443) = %q, %t", desc, ok)
	}
	if _, ok := LookupProbe(0xFFFF, 0xFFFF); ok {
		t.Errorf("LookupProbe(FFFF:FFFF) found a probe")
	}
}
