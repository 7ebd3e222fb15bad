package script

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/OpenTraceLab/orbtrace/pkg/dap"
	"github.com/OpenTraceLab/orbtrace/pkg/dbgif"
	"github.com/google/go-cmp/cmp"
)

func compileString(t *testing.T, src string) ([]Command, error) {
	t.Helper()
	p, err := NewParser()
	if err != nil {
		t.Fatalf("NewParser() error = %v", err)
	}
	s, err := p.ParseString("test.dap", src)
	if err != nil {
		return nil, err
	}
	return Compile(s)
}

const bringUp = `
# bring up SWD
connect swd
swj_clock 1000000
swj_sequence 51 0xff 0xff 0xff 0xff 0xff 0xff 0x07
transfer_configure 0 64 0; info packet_size

transfer 0 {
    read dp 0x0
    write ap 0x4 0x23000052
    mask 0xFF   // only the low byte
    match ap 0xC 0x01
}
transfer_block 0 read ap 0xC 4
transfer_block 0 write ap 0xC 1 2
jtag_sequence { out 5 tms 0x1F; in 32 }
swd_sequence { out 8 0xA5; in 33 }
host_status running on
write_abort 0 0x1E
delay 0x100
jtag_configure 4 5
jtag_idcode 1
disconnect
raw 0x00 0x04`

func TestCompile(t *testing.T) {
	cmds, err := compileString(t, bringUp)
	if err != nil {
		t.Fatalf("compile error = %v", err)
	}

	want := [][]byte{
		{0x02, 0x01},
		{0x11, 0x40, 0x42, 0x0F, 0x00},
		{0x12, 0x33, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x07},
		{0x04, 0x00, 0x40, 0x00, 0x00, 0x00},
		{0x00, 0xFF},
		{0x05, 0x00, 0x04,
			0x02,
			0x05, 0x52, 0x00, 0x00, 0x23,
			0x20, 0xFF, 0x00, 0x00, 0x00,
			0x1F, 0x01, 0x00, 0x00, 0x00},
		{0x06, 0x00, 0x04, 0x00, 0x0F},
		{0x06, 0x00, 0x02, 0x00, 0x0D, 0x01, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00},
		{0x14, 0x02, 0x45, 0x1F, 0xA0, 0x00, 0x00, 0x00, 0x00},
		{0x1D, 0x02, 0x08, 0xA5, 0xA1},
		{0x01, 0x01, 0x01},
		{0x08, 0x00, 0x1E, 0x00, 0x00, 0x00},
		{0x09, 0x00, 0x01},
		{0x15, 0x02, 0x04, 0x05},
		{0x16, 0x01},
		{0x03},
		{0x00, 0x04},
	}

	var got [][]byte
	for _, c := range cmds {
		got = append(got, c.Packet)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("packets mismatch (-want +got):\n%s", diff)
	}

	if cmds[0].Name != "connect" || cmds[0].Pos.Line != 3 {
		t.Errorf("first command = %s at line %d, want connect at line 3", cmds[0].Name, cmds[0].Pos.Line)
	}
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr error
		wantPos string
	}{
		{"unknown command", "frobnicate 1", ErrUnknownCommand, "test.dap:1:1"},
		{"bad register", "connect swd\ntransfer 0 { read dp 0x2 }", ErrArgument, "test.dap:2:"},
		{"clock too wide", "swj_clock 0x100000000", ErrArgument, ""},
		{"sequence too long", "jtag_sequence { out 65 }", ErrArgument, ""},
		{"extra argument", "delay 5 6", ErrArgument, ""},
		{"unknown keyword", "connect usb", ErrArgument, ""},
		{"missing argument", "write_abort 0", ErrArgument, ""},
		{"block expected", "transfer 0 1", ErrArgument, ""},
		{"swd input data", "swd_sequence { in 8 0x12 }", ErrArgument, ""},
		{"sequence data too long", "swj_sequence 8 0x01 0x02", ErrArgument, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compileString(t, tt.src)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantPos != "" && !strings.Contains(err.Error(), tt.wantPos) {
				t.Errorf("error %q does not name position %s", err, tt.wantPos)
			}
		})
	}
}

func TestParse_SyntaxError(t *testing.T) {
	p, err := NewParser()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.ParseString("test.dap", "transfer 0 { read dp 0x0"); err == nil {
		t.Errorf("ParseString() accepted an unclosed block")
	}
	if s, err := p.ParseString("empty.dap", "\n# nothing\n\n"); err != nil || len(s.Stmts) != 0 {
		t.Errorf("ParseString(empty) = %v, %v; want no statements", s, err)
	}
}

func TestCompile_RunsOnProcessor(t *testing.T) {
	cmds, err := compileString(t, "connect swd\ntransfer 0 {\n  read dp 0x0\n}\n")
	if err != nil {
		t.Fatalf("compile error = %v", err)
	}

	p := dap.New(dbgif.NewSimEngine())
	want := [][]byte{
		{0x02, 0x01},
		{0x05, 0x01, 0x01, 0x77, 0x14, 0xA0, 0x2B},
	}
	for i, c := range cmds {
		resp, err := p.Execute(context.Background(), c.Packet)
		if err != nil {
			t.Fatalf("%s: Execute() error = %v", c, err)
		}
		if diff := cmp.Diff(want[i], resp); diff != "" {
			t.Errorf("%s: response mismatch (-want +got):\n%s", c.Name, diff)
		}
	}
}
