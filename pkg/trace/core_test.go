package trace

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/OpenTraceLab/orbtrace/pkg/orbflow"
	"github.com/OpenTraceLab/orbtrace/pkg/stream"
	"github.com/OpenTraceLab/orbtrace/pkg/swo"
	"github.com/OpenTraceLab/orbtrace/pkg/tpiu"
	"github.com/google/go-cmp/cmp"
)

func readHex(t *testing.T, name string) [][]byte {
	t.Helper()
	f, err := os.Open(name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	defer f.Close()

	var out [][]byte
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		b, err := hex.DecodeString(strings.ReplaceAll(line, " ", ""))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		out = append(out, b)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return out
}

// frameSink collects the super-frames written by a Core.
type frameSink struct {
	frames chan []byte
}

func newFrameSink() *frameSink {
	return &frameSink{frames: make(chan []byte, 1024)}
}

func (s *frameSink) Write(p []byte) (int, error) {
	s.frames <- append([]byte(nil), p...)
	return len(p), nil
}

// collect decodes super-frames until n bytes arrived on channel.
func (s *frameSink) collect(t *testing.T, channel uint8, n int) []byte {
	t.Helper()
	timeout := time.After(5 * time.Second)

	var got []byte
	for len(got) < n {
		select {
		case f := <-s.frames:
			d := orbflow.NewDecoder(bytes.NewReader(f))
			for {
				p, err := d.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					t.Fatalf("decode super-frame: %v", err)
				}
				if p.Channel == channel {
					got = append(got, p.Data...)
				}
			}
		case <-timeout:
			t.Fatalf("timed out with %d of %d bytes on channel %d", len(got), n, channel)
		}
	}
	return got
}

func fastOptions() []Option {
	return []Option{
		WithTick(time.Millisecond),
		WithPacketizer(tpiu.MaxPacketSize, 2*time.Millisecond),
		WithSuperFrame(2*time.Millisecond, orbflow.DefaultThreshold),
	}
}

func startCore(t *testing.T, sink io.Writer, opts ...Option) *Core {
	t.Helper()
	c := New(sink, append(fastOptions(), opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run() error = %v", err)
		}
	})
	return c
}

func helloFrames(t *testing.T) ([]tpiu.Frame, []byte) {
	t.Helper()
	var frames []tpiu.Frame
	for _, r := range readHex(t, "testdata/itm_hello.frames") {
		var f tpiu.Frame
		copy(f[:], r)
		frames = append(frames, f)
	}
	packet := bytes.Join(readHex(t, "testdata/itm_hello.packet"), nil)
	return frames, packet[1:]
}

func TestCore_ParallelTPIU(t *testing.T) {
	sink := newFrameSink()
	c := startCore(t, sink)
	if err := c.SetFormat(FormatParallel4); err != nil {
		t.Fatal(err)
	}

	frames, want := helloFrames(t)
	c.PushFrames(frames)

	got := sink.collect(t, 1, len(want))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("channel 1 mismatch (-want +got):\n%s", diff)
	}
	if s := c.Stats(); s.Trace.Total != uint64(len(frames)) || s.Trace.Lost != 0 {
		t.Errorf("trace stats = %+v, want %d total, 0 lost", s.Trace, len(frames))
	}
}

func TestCore_SWOBytesTPIU(t *testing.T) {
	sink := newFrameSink()
	c := startCore(t, sink)
	if err := c.SetFormat(FormatSWONRZTPIU); err != nil {
		t.Fatal(err)
	}

	frames, want := helloFrames(t)
	// Garbage before the sync pattern must be discarded.
	data := []byte{0x12, 0x34, 0xFF, 0xFF, 0xFF, 0x7F}
	for _, f := range frames {
		data = append(data, f[:]...)
	}
	c.PushSWOBytes(data)

	got := sink.collect(t, 1, len(want))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("channel 1 mismatch (-want +got):\n%s", diff)
	}
}

// manchesterSamples encodes one Manchester frame of data, with half samples
// per half bit, framed by idle line.
func manchesterSamples(data []byte, half int) []byte {
	levels := []uint8{1}
	for _, b := range data {
		for i := 0; i < 8; i++ {
			levels = append(levels, b>>i&1)
		}
	}

	out := make([]byte, 20)
	for _, l := range levels {
		out = append(out, bytes.Repeat([]byte{3 * l}, half)...)
		out = append(out, bytes.Repeat([]byte{3 * (1 - l)}, half)...)
	}
	return append(out, make([]byte, 20)...)
}

// uartSamples encodes data as 8N1 characters with perBit samples per bit.
func uartSamples(data []byte, perBit int) []byte {
	out := bytes.Repeat([]byte{3}, 20)
	for _, b := range data {
		bits := []uint8{0}
		for i := 0; i < 8; i++ {
			bits = append(bits, b>>i&1)
		}
		bits = append(bits, 1)
		for _, bit := range bits {
			out = append(out, bytes.Repeat([]byte{3 * bit}, perBit)...)
		}
	}
	return append(out, bytes.Repeat([]byte{3}, 20)...)
}

func TestCore_SWOSamplesRaw(t *testing.T) {
	tests := []struct {
		name     string
		format   Format
		baudrate uint32
		samples  []byte
		want     []byte
	}{
		{
			name:    "manchester",
			format:  FormatSWOManchester,
			samples: append(manchesterSamples([]byte{0x41, 0x96}, 5), manchesterSamples([]byte{0x5A}, 5)...),
			want:    []byte{0x41, 0x96, 0x5A},
		},
		{
			// 8e9 / 50 MBd is a bit length of 160, five samples per bit.
			name:     "nrz",
			format:   FormatSWONRZ,
			baudrate: 50_000_000,
			samples:  uartSamples([]byte{'o', 'k', 0x00, 0xFF}, 5),
			want:     []byte{'o', 'k', 0x00, 0xFF},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := newFrameSink()
			c := startCore(t, sink)
			if err := c.SetFormat(tt.format); err != nil {
				t.Fatal(err)
			}
			if tt.baudrate != 0 {
				c.SetBaudrate(tt.baudrate)
			}

			c.PushSamples(tt.samples)

			got := sink.collect(t, tpiu.BypassChannel, len(tt.want))
			if !bytes.Equal(got, tt.want) {
				t.Errorf("channel %d = % X, want % X", tpiu.BypassChannel, got, tt.want)
			}
			if s := c.Stats(); s.SWO.Clock != uint64(len(tt.samples)) {
				t.Errorf("SWO clock = %d, want %d", s.SWO.Clock, len(tt.samples))
			}
		})
	}
}

func TestCore_ChannelFilter(t *testing.T) {
	filter, err := tpiu.ParseChannels("2-5")
	if err != nil {
		t.Fatal(err)
	}

	sink := newFrameSink()
	c := startCore(t, sink, WithChannels(filter))
	if err := c.SetFormat(FormatParallel1); err != nil {
		t.Fatal(err)
	}

	frames, _ := helloFrames(t)
	c.PushFrames(frames)
	c.PushFrames(frames)

	select {
	case f := <-sink.frames:
		t.Errorf("got super-frame % X for a filtered channel", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCore_FormatGating(t *testing.T) {
	c := New(io.Discard)

	c.PushSWOBytes([]byte{1, 2, 3})
	c.PushSamples([]byte{3, 3, 0, 0})
	c.PushFrames(make([]tpiu.Frame, 2))
	if s := c.Stats(); s.Trace != (stream.MonitorStats{}) || s.SWO != (stream.MonitorStats{}) {
		t.Errorf("Stats() = %+v after pushes with the input off", s)
	}

	if err := c.SetFormat(FormatParallel2); err != nil {
		t.Fatal(err)
	}
	c.PushSWOBytes([]byte{1, 2, 3})
	c.PushFrames(make([]tpiu.Frame, 2))
	s := c.Stats()
	if s.SWO.Total != 0 || s.Trace.Total != 2 || s.Format != FormatParallel2 {
		t.Errorf("Stats() = %+v, want 2 trace frames only", s)
	}

	if err := c.SetFormat(Format(0x42)); err == nil {
		t.Errorf("SetFormat(0x42) succeeded")
	}
	if c.Format() != FormatParallel2 {
		t.Errorf("Format() = %s after a rejected SetFormat", c.Format())
	}
}

func TestCore_OverrunAndIndicators(t *testing.T) {
	c := New(io.Discard, WithFIFODepth(4))
	if err := c.SetFormat(FormatSWONRZ); err != nil {
		t.Fatal(err)
	}

	c.PushSWOBytes([]byte("0123456789"))

	s := c.Stats()
	if s.SWO.Total != 10 || s.SWO.Lost != 6 {
		t.Errorf("SWO stats = %+v, want 10 total, 6 lost", s.SWO)
	}

	now := time.Unix(100, 0)
	if got, want := c.Indicators(now), (Indicators{Overrun: true, Data: true}); got != want {
		t.Errorf("Indicators() = %+v, want %+v", got, want)
	}
	if got := c.Indicators(now.Add(50 * time.Millisecond)); !got.Overrun {
		t.Errorf("overrun indicator released within the hold time")
	}
	if got := c.Indicators(now.Add(200 * time.Millisecond)); got != (Indicators{}) {
		t.Errorf("Indicators() = %+v after the hold time, want all off", got)
	}
}

func TestCore_IndicatorsFollowFormat(t *testing.T) {
	c := New(io.Discard, WithFIFODepth(4))
	if err := c.SetFormat(FormatSWONRZ); err != nil {
		t.Fatal(err)
	}
	c.PushSWOBytes([]byte("0123456789"))

	// SWO overruns do not reach the LEDs once a parallel format is active.
	if err := c.SetFormat(FormatParallel4); err != nil {
		t.Fatal(err)
	}
	now := time.Unix(100, 0)
	if got := c.Indicators(now); got != (Indicators{}) {
		t.Errorf("parallel Indicators() = %+v with only SWO traffic, want all off", got)
	}

	c.PushFrames(make([]tpiu.Frame, 2))
	if got, want := c.Indicators(now.Add(10*time.Millisecond)), (Indicators{Data: true, Clock: true}); got != want {
		t.Errorf("parallel Indicators() = %+v, want %+v", got, want)
	}
}

func TestCore_SetBaudrate(t *testing.T) {
	c := New(io.Discard)
	c.SetBaudrate(115200)

	if c.Baudrate() != 115200 {
		t.Errorf("Baudrate() = %d, want 115200", c.Baudrate())
	}
	if got, want := c.decoder.BitLength(), swo.BitLength(115200); got != want {
		t.Errorf("bit length = %d, want %d", got, want)
	}
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

func TestCore_SinkError(t *testing.T) {
	errUnplugged := errors.New("unplugged")
	c := New(failingWriter{errUnplugged}, fastOptions()...)
	if err := c.SetFormat(FormatSWONRZ); err != nil {
		t.Fatal(err)
	}
	c.PushSWOBytes([]byte("x"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Run(ctx); !errors.Is(err, errUnplugged) {
		t.Errorf("Run() error = %v, want %v", err, errUnplugged)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"off", FormatOff, false},
		{"parallel-4", FormatParallel4, false},
		{"SWO-Manchester-TPIU", FormatSWOManchesterTPIU, false},
		{"swo-nrz", FormatSWONRZ, false},
		{"0x13", FormatSWONRZTPIU, false},
		{"0x20", FormatOff, true},
		{"uart", FormatOff, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat(%q) error = %v, wantErr %t", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormat_Properties(t *testing.T) {
	tests := []struct {
		f        Format
		parallel bool
		swo      bool
		tpiu     bool
		enc      swo.Encoding
	}{
		{FormatOff, false, false, false, swo.Manchester},
		{FormatParallel1, true, false, true, swo.Manchester},
		{FormatSWOManchester, false, true, false, swo.Manchester},
		{FormatSWOManchesterTPIU, false, true, true, swo.Manchester},
		{FormatSWONRZ, false, true, false, swo.NRZ},
		{FormatSWONRZTPIU, false, true, true, swo.NRZ},
	}

	for _, tt := range tests {
		t.Run(tt.f.String(), func(t *testing.T) {
			if tt.f.IsParallel() != tt.parallel || tt.f.IsSWO() != tt.swo || tt.f.IsTPIU() != tt.tpiu {
				t.Errorf("parallel/swo/tpiu = %t/%t/%t, want %t/%t/%t",
					tt.f.IsParallel(), tt.f.IsSWO(), tt.f.IsTPIU(), tt.parallel, tt.swo, tt.tpiu)
			}
			if tt.f.IsSWO() && tt.f.Encoding() != tt.enc {
				t.Errorf("Encoding() = %s, want %s", tt.f.Encoding(), tt.enc)
			}
		})
	}
}
