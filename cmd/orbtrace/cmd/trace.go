package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/OpenTraceLab/orbtrace/pkg/orbflow"
	"github.com/OpenTraceLab/orbtrace/pkg/tpiu"
	"github.com/OpenTraceLab/orbtrace/pkg/trace"
	"github.com/jacobsa/go-serial/serial"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

var (
	traceFormat   string
	traceBaudrate uint32
	traceChannels string
	serialPort    string
	serialBaud    uint
	inputPath     string
	inputKind     string
	outputPath    string
	showStats     bool

	decodeText    bool
	decodeChannel int
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Frame captured trace data into Orbflow",
}

var traceRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trace pipeline over a capture source",
	Long: `Run the trace pipeline: decode the capture, demultiplex TPIU frames,
split packets and write COBS encoded Orbflow super-frames to the output.

Sources:
  --serial PORT    SWO bytes from a UART (SWO formats only)
  --input FILE     a capture file; --kind selects what it holds:
                     samples  raw SWO pin samples, one per byte
                     bytes    SWO bytes as a UART would deliver them
                     frames   16 byte parallel TPIU frames

The pipeline stops on interrupt, or shortly after the end of an input file.

Examples:
  orbtrace trace run --serial /dev/ttyACM1 --format swo-nrz-tpiu -o capture.of
  orbtrace trace run --input swo.bin --kind bytes --format swo-nrz --stats`,
	Args: cobra.NoArgs,
	RunE: runTraceRun,
}

var traceDecodeCmd = &cobra.Command{
	Use:   "decode [file]",
	Short: "Print the packets of an Orbflow stream",
	Long: `Decode an Orbflow stream from a file, or stdin when no file is given, and
print one line per packet. Frames with a bad checksum are reported and
skipped.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTraceDecode,
}

var traceFormatsCmd = &cobra.Command{
	Use:   "formats",
	Short: "List the trace input formats",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var fs []trace.Format
		for v := 0; v < 0x100; v++ {
			if f := trace.Format(v); f.Valid() {
				fs = append(fs, f)
			}
		}
		sort.Slice(fs, func(i, j int) bool { return fs[i] < fs[j] })
		for _, f := range fs {
			fmt.Printf("0x%02X  %s\n", uint8(f), f)
		}
	},
}

func init() {
	rootCmd.AddCommand(traceCmd)
	traceCmd.AddCommand(traceRunCmd, traceDecodeCmd, traceFormatsCmd)

	f := traceRunCmd.Flags()
	f.StringVarP(&traceFormat, "format", "f", "", "trace format (default from config)")
	f.Uint32Var(&traceBaudrate, "baudrate", 0, "SWO baudrate in bit/s (default from config)")
	f.StringVar(&traceChannels, "channels", "", `channels to keep, e.g. "1,2,8-15" (default from config)`)
	f.StringVar(&serialPort, "serial", "", "serial port delivering SWO bytes")
	f.UintVar(&serialBaud, "serial-baud", 0, "serial port baudrate (default: the SWO baudrate)")
	f.StringVarP(&inputPath, "input", "i", "", "capture file")
	f.StringVar(&inputKind, "kind", "bytes", "capture file contents (samples, bytes, frames)")
	f.StringVarP(&outputPath, "output", "o", "-", `Orbflow output file, "-" for stdout`)
	f.BoolVar(&showStats, "stats", false, "print the pipeline counters when done")

	traceDecodeCmd.Flags().BoolVarP(&decodeText, "text", "t", false, "print packet data as text")
	traceDecodeCmd.Flags().IntVarP(&decodeChannel, "channel", "c", -1, "only print this channel")
}

func runTraceRun(cmd *cobra.Command, args []string) error {
	tc := cfg.Trace
	if cmd.Flags().Changed("format") {
		tc.Format = traceFormat
	}
	if cmd.Flags().Changed("baudrate") {
		tc.Baudrate = traceBaudrate
	}
	if cmd.Flags().Changed("channels") {
		tc.Channels = traceChannels
	}

	format, err := trace.ParseFormat(tc.Format)
	if err != nil {
		return err
	}
	channels, err := tpiu.ParseChannels(tc.Channels)
	if err != nil {
		return err
	}
	if tc.Baudrate == 0 {
		return fmt.Errorf("invalid baudrate 0")
	}
	if (serialPort == "") == (inputPath == "") {
		return fmt.Errorf("exactly one of --serial and --input is required")
	}
	if serialPort != "" && !format.IsSWO() {
		return fmt.Errorf("--serial needs an SWO format, not %s", format)
	}

	var out io.Writer = os.Stdout
	if outputPath != "-" {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		out = f
	}

	core := trace.New(out,
		trace.WithLogger(log),
		trace.WithChannels(channels),
		trace.WithFIFODepth(tc.FIFODepth),
		trace.WithPacketizer(tc.MaxPacket, tc.IdleTimeout),
		trace.WithSuperFrame(tc.SuperframeInterval, tc.SuperframeThreshold))
	if err := core.SetFormat(format); err != nil {
		return err
	}
	core.SetBaudrate(tc.Baudrate)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- core.Run(ctx) }()

	var srcErr error
	if serialPort != "" {
		baud := serialBaud
		if baud == 0 {
			baud = uint(tc.Baudrate)
		}
		srcErr = readSerial(ctx, core, serialPort, baud)
	} else {
		srcErr = readInput(ctx, core, inputPath, inputKind)
		if srcErr == nil {
			// Let the idle timeouts flush the tail of the capture.
			select {
			case <-time.After(tc.IdleTimeout + 2*tc.SuperframeInterval + 10*trace.DefaultTick):
			case <-ctx.Done():
			}
		}
	}
	cancel()

	if err := <-runErr; err != nil {
		return err
	}
	if srcErr != nil && !errors.Is(srcErr, context.Canceled) {
		return srcErr
	}

	if showStats {
		data, err := yaml.Marshal(core.Stats())
		if err != nil {
			return err
		}
		w := os.Stdout
		if outputPath == "-" {
			w = os.Stderr
		}
		fmt.Fprint(w, string(data))
	}
	return nil
}

// readSerial feeds SWO bytes from a UART until ctx is done.
func readSerial(ctx context.Context, core *trace.Core, port string, baud uint) error {
	options := serial.OpenOptions{
		PortName:        port,
		BaudRate:        baud,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
	}
	p, err := serial.Open(options)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", port, err)
	}

	// Closing the port unblocks the read below.
	stop := context.AfterFunc(ctx, func() { p.Close() })
	defer func() {
		if stop() {
			p.Close()
		}
	}()

	log.WithField("prefix", "trace").Infof("reading SWO from %s at %d baud", port, baud)
	buf := make([]byte, 4096)
	for {
		n, err := p.Read(buf)
		if n > 0 {
			core.PushSWOBytes(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read %s: %w", port, err)
		}
	}
}

// readInput feeds a capture file into the pipeline.
func readInput(ctx context.Context, core *trace.Core, path, kind string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	var push func([]byte) []byte
	switch strings.ToLower(kind) {
	case "samples":
		push = func(b []byte) []byte { core.PushSamples(b); return nil }
	case "bytes":
		push = func(b []byte) []byte { core.PushSWOBytes(b); return nil }
	case "frames":
		push = func(b []byte) []byte {
			var frames []tpiu.Frame
			for len(b) >= tpiu.FrameSize {
				var fr tpiu.Frame
				copy(fr[:], b)
				frames = append(frames, fr)
				b = b[tpiu.FrameSize:]
			}
			core.PushFrames(frames)
			return b
		}
	default:
		return fmt.Errorf("unknown input kind %q (want samples, bytes or frames)", kind)
	}

	buf := make([]byte, 4096)
	var rest []byte
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := f.Read(buf)
		if n > 0 {
			rest = push(append(rest, buf[:n]...))
		}
		if errors.Is(err, io.EOF) {
			if len(rest) > 0 {
				log.WithField("prefix", "trace").Warnf("dropped %d trailing byte(s) of a partial frame", len(rest))
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
	}
}

func runTraceDecode(cmd *cobra.Command, args []string) error {
	var r io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	dec := orbflow.NewDecoder(r)
	var packets, bad int
	for {
		p, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, orbflow.ErrCOBS) || errors.Is(err, orbflow.ErrChecksum) {
			bad++
			log.WithField("prefix", "orbflow").Warn(err)
			continue
		}
		if err != nil {
			return fmt.Errorf("decode: %w", err)
		}

		packets++
		if decodeChannel >= 0 && int(p.Channel) != decodeChannel {
			continue
		}
		if decodeText {
			fmt.Printf("ch %3d  %q\n", p.Channel, p.Data)
		} else {
			fmt.Printf("ch %3d  %s\n", p.Channel, hexBytes(p.Data))
		}
	}

	fmt.Printf("%d packet(s), %d bad frame(s)\n", packets, bad)
	return nil
}
