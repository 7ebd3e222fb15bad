package trace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OpenTraceLab/orbtrace/pkg/orbflow"
	"github.com/OpenTraceLab/orbtrace/pkg/stream"
	"github.com/OpenTraceLab/orbtrace/pkg/swo"
	"github.com/OpenTraceLab/orbtrace/pkg/tpiu"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultFIFODepth is the size of each capture FIFO, in frames for
	// parallel trace and in bytes for SWO.
	DefaultFIFODepth = 8192
	// DefaultTick is how often the idle timeouts are checked.
	DefaultTick = 10 * time.Millisecond
	// DefaultStatsInterval is how often overruns are reported.
	DefaultStatsInterval = time.Second

	stageDepth = 16
)

// Core is the trace pipeline. Inputs may be pushed from any goroutine while Run
// is active; data pushed while the format does not match the input is ignored.
type Core struct {
	log *logrus.Entry
	out io.Writer
	now func() time.Time

	tick          time.Duration
	statsInterval time.Duration
	filter        *tpiu.ChannelFilter
	maxPacket     int
	idleTimeout   time.Duration
	interval      time.Duration
	threshold     int

	mu       sync.Mutex
	format   Format
	baudrate uint32
	decoder  *swo.Decoder
	decoded  []byte

	resync atomic.Bool

	traceMon  stream.Monitor
	swoMon    stream.Monitor
	traceFIFO *stream.FIFO[tpiu.Frame]
	swoFIFO   *stream.FIFO[byte]
	fifoDepth int

	indMu   sync.Mutex
	traceInd monitorIndicators
	swoInd   monitorIndicators
}

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the logger for pipeline events.
func WithLogger(l *logrus.Logger) Option {
	return func(c *Core) { c.log = l.WithField("prefix", "trace") }
}

// WithClock replaces time.Now for timeouts and indicators.
func WithClock(now func() time.Time) Option {
	return func(c *Core) { c.now = now }
}

// WithTick sets the idle timeout polling period.
func WithTick(d time.Duration) Option {
	return func(c *Core) { c.tick = d }
}

func WithStatsInterval(d time.Duration) Option {
	return func(c *Core) { c.statsInterval = d }
}

// WithChannels restricts the channels passed through the demultiplexer.
func WithChannels(f *tpiu.ChannelFilter) Option {
	return func(c *Core) { c.filter = f }
}

func WithFIFODepth(n int) Option {
	return func(c *Core) { c.fifoDepth = n }
}

// WithPacketizer sets the maximum packet size and the idle timeout that ends a
// packet.
func WithPacketizer(maxSize int, idle time.Duration) Option {
	return func(c *Core) { c.maxPacket, c.idleTimeout = maxSize, idle }
}

// WithSuperFrame sets the super-frame flush interval and byte threshold.
func WithSuperFrame(interval time.Duration, threshold int) Option {
	return func(c *Core) { c.interval, c.threshold = interval, threshold }
}

// New creates a pipeline writing Orbflow super-frames to out. The format
// starts out as FormatOff.
func New(out io.Writer, opts ...Option) *Core {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	c := &Core{
		log:           quiet.WithField("prefix", "trace"),
		out:           out,
		now:           time.Now,
		tick:          DefaultTick,
		statsInterval: DefaultStatsInterval,
		maxPacket:     tpiu.MaxPacketSize,
		idleTimeout:   tpiu.DefaultTimeout,
		interval:      orbflow.DefaultInterval,
		threshold:     orbflow.DefaultThreshold,
		fifoDepth:     DefaultFIFODepth,
		decoder:       swo.NewDecoder(swo.Manchester),
		traceInd:      newMonitorIndicators(),
		swoInd:        newMonitorIndicators(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.filter == nil {
		c.filter = tpiu.NewChannelFilter()
	}
	c.traceFIFO = stream.NewFIFO[tpiu.Frame](c.fifoDepth, &c.traceMon)
	c.swoFIFO = stream.NewFIFO[byte](c.fifoDepth, &c.swoMon)
	return c
}

// SetFormat selects the input format. TPIU sync is dropped and must be
// reacquired.
func (c *Core) SetFormat(f Format) error {
	if !f.Valid() {
		return fmt.Errorf("trace: unknown format 0x%02X", uint8(f))
	}

	c.mu.Lock()
	c.format = f
	if f.IsSWO() {
		c.decoder.SetEncoding(f.Encoding())
	}
	c.mu.Unlock()

	c.resync.Store(true)
	c.log.Infof("input format %s", f)
	return nil
}

func (c *Core) Format() Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.format
}

// SetBaudrate loads the NRZ bit length for baud.
func (c *Core) SetBaudrate(baud uint32) {
	bitLength := swo.BitLength(baud)

	c.mu.Lock()
	c.baudrate = baud
	c.decoder.SetBitLength(bitLength)
	c.mu.Unlock()

	c.log.Infof("baudrate %d (bit length %d)", baud, bitLength)
}

func (c *Core) Baudrate() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baudrate
}

// PushSamples decodes 2x oversampled SWO line samples, one per byte, into the
// SWO capture FIFO.
func (c *Core) PushSamples(samples []byte) {
	c.mu.Lock()
	if !c.format.IsSWO() {
		c.mu.Unlock()
		return
	}
	c.decoded = c.decoder.Decode(c.decoded[:0], samples)
	c.swoFIFO.PushAll(c.decoded)
	c.mu.Unlock()

	c.swoMon.AddClock(uint64(len(samples)))
}

// PushFrames queues TPIU frames captured from the parallel trace port.
func (c *Core) PushFrames(frames []tpiu.Frame) {
	if !c.Format().IsParallel() {
		return
	}
	c.traceMon.AddClock(uint64(len(frames)))
	c.traceFIFO.PushAll(frames)
}

// PushSWOBytes queues SWO bytes that were already decoded by an external UART.
func (c *Core) PushSWOBytes(data []byte) {
	if !c.Format().IsSWO() {
		return
	}
	c.swoMon.AddClock(uint64(len(data)))
	c.swoFIFO.PushAll(data)
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Format        Format              `yaml:"format" json:"format"`
	Baudrate      uint32              `yaml:"baudrate" json:"baudrate"`
	Trace         stream.MonitorStats `yaml:"trace" json:"trace"`
	SWO           stream.MonitorStats `yaml:"swo" json:"swo"`
	FramingErrors uint64              `yaml:"framing_errors" json:"framing_errors"`
}

func (c *Core) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Format:        c.format,
		Baudrate:      c.baudrate,
		Trace:         c.traceMon.Stats(),
		SWO:           c.swoMon.Stats(),
		FramingErrors: c.decoder.FramingErrors(),
	}
}

// Indicators is the state of the status LEDs.
type Indicators struct {
	Overrun bool
	Data    bool
	Clock   bool
}

type monitorIndicators struct {
	overrun, data, clock *stream.Indicator
}

func newMonitorIndicators() monitorIndicators {
	return monitorIndicators{
		overrun: stream.NewIndicator(stream.DefaultHold),
		data:    stream.NewIndicator(stream.DefaultHold),
		clock:   stream.NewIndicator(stream.DefaultHold),
	}
}

func (m monitorIndicators) update(s stream.MonitorStats, now time.Time) Indicators {
	return Indicators{
		Overrun: m.overrun.Update(s.Lost, now),
		Data:    m.data.Update(s.Total, now),
		Clock:   m.clock.Update(s.Clock, now),
	}
}

// Indicators samples the monitors at now. Each LED stays lit for
// stream.DefaultHold after its counter last moved. The LEDs follow the
// monitor of the active format; SWO modes have no clock LED.
func (c *Core) Indicators(now time.Time) Indicators {
	format := c.Format()
	t, s := c.traceMon.Stats(), c.swoMon.Stats()

	c.indMu.Lock()
	defer c.indMu.Unlock()
	ti, si := c.traceInd.update(t, now), c.swoInd.update(s, now)
	switch {
	case format.IsParallel():
		return ti
	case format.IsSWO():
		si.Clock = false
		return si
	}
	return Indicators{}
}

// Run moves captured data through the pipeline until ctx is cancelled or the
// output fails. Only one Run may be active at a time.
func (c *Core) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	packets := make(chan []stream.Token, stageDepth)
	frames := make(chan []byte, stageDepth)

	var (
		wg      sync.WaitGroup
		sinkErr error
	)
	wg.Add(4)
	go func() {
		defer wg.Done()
		defer close(packets)
		c.runDemux(ctx, packets)
	}()
	go func() {
		defer wg.Done()
		defer close(frames)
		c.runFramer(ctx, packets, frames)
	}()
	go func() {
		defer wg.Done()
		if sinkErr = c.runSink(frames); sinkErr != nil {
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		c.runStats(ctx)
	}()

	c.log.Info("pipeline running")
	wg.Wait()
	c.log.Info("pipeline stopped")

	if sinkErr != nil {
		return sinkErr
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runDemux drains the capture FIFOs into channel tagged packets.
func (c *Core) runDemux(ctx context.Context, out chan<- []stream.Token) {
	packetizer := &tpiu.Packetizer{MaxSize: c.maxPacket, Timeout: c.idleTimeout}
	demux := tpiu.NewDemux(c.filter, packetizer)
	var syncer tpiu.Sync

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	var (
		frames []tpiu.Frame
		data   []byte
		toks   []stream.Token
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.traceFIFO.Ready():
		case <-c.swoFIFO.Ready():
		case <-ticker.C:
		}

		now := c.now()
		if c.resync.Swap(false) {
			syncer.ResetSync()
			demux.Reset()
		}

		toks = toks[:0]
		frames = c.traceFIFO.Drain(frames[:0], c.traceFIFO.Cap())
		for _, f := range frames {
			toks = demux.PutFrame(toks, f, now)
		}

		data = c.swoFIFO.Drain(data[:0], c.swoFIFO.Cap())
		if len(data) > 0 {
			if c.Format().IsTPIU() {
				frames = syncer.PutAll(frames[:0], data)
				for _, f := range frames {
					toks = demux.PutFrame(toks, f, now)
				}
			} else {
				toks = demux.PutBypass(toks, data, now)
			}
		}

		toks = demux.Tick(toks, now)
		if len(toks) == 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case out <- append([]stream.Token(nil), toks...):
		}
	}
}

// runFramer encodes packets and cuts the encoded stream into super-frames.
func (c *Core) runFramer(ctx context.Context, in <-chan []stream.Token, out chan<- []byte) {
	enc := orbflow.NewEncoder(&orbflow.SuperFramer{Interval: c.interval, Threshold: c.threshold})

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	var (
		toks  []stream.Token
		frame []byte
	)
	for {
		select {
		case <-ctx.Done():
			return
		case pkts, ok := <-in:
			if !ok {
				return
			}
			toks = enc.Put(toks[:0], pkts, c.now())
		case <-ticker.C:
			toks = enc.Tick(toks[:0], c.now())
		}

		for _, t := range toks {
			frame = append(frame, t.Data)
			if !t.Last {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- frame:
			}
			frame = nil
		}
	}
}

// runSink writes one super-frame per call to the output.
func (c *Core) runSink(in <-chan []byte) error {
	for frame := range in {
		if _, err := c.out.Write(frame); err != nil {
			return fmt.Errorf("trace: write super-frame: %w", err)
		}
		c.log.Debugf("super-frame %d bytes", len(frame))
	}
	return nil
}

// runStats reports overruns and framing errors once per stats interval.
func (c *Core) runStats(ctx context.Context) {
	ticker := time.NewTicker(c.statsInterval)
	defer ticker.Stop()

	var last Stats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s := c.Stats()
		if n := s.Trace.Lost - last.Trace.Lost; n > 0 {
			c.log.Warnf("trace FIFO overrun: %d frames lost", n)
		}
		if n := s.SWO.Lost - last.SWO.Lost; n > 0 {
			c.log.Warnf("SWO FIFO overrun: %d bytes lost", n)
		}
		if n := s.FramingErrors - last.FramingErrors; n > 0 {
			c.log.Warnf("SWO framing errors: %d", n)
		}
		last = s
	}
}
