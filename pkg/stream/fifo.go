package stream

import (
	"sync"
	"sync/atomic"
	"time"
)

// Monitor counts the traffic offered to a capture boundary. Total counts every
// element pushed, Lost the ones that had to be discarded and Clock the capture
// clock ticks seen, whether or not they carried data.
type Monitor struct {
	total atomic.Uint64
	lost  atomic.Uint64
	clock atomic.Uint64
}

// MonitorStats is a point-in-time copy of a Monitor.
type MonitorStats struct {
	Total uint64 `yaml:"total" json:"total"`
	Lost  uint64 `yaml:"lost" json:"lost"`
	Clock uint64 `yaml:"clock" json:"clock"`
}

func (m *Monitor) AddTotal(n uint64) { m.total.Add(n) }
func (m *Monitor) AddLost(n uint64)  { m.lost.Add(n) }
func (m *Monitor) AddClock(n uint64) { m.clock.Add(n) }

func (m *Monitor) Stats() MonitorStats {
	return MonitorStats{
		Total: m.total.Load(),
		Lost:  m.lost.Load(),
		Clock: m.clock.Load(),
	}
}

// FIFO is a bounded queue that never blocks the producer. When full, pushing
// discards the oldest element.
type FIFO[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int
	n     int
	ready chan struct{}
	mon   *Monitor
}

// NewFIFO creates a FIFO holding at most depth elements. mon may be nil.
func NewFIFO[T any](depth int, mon *Monitor) *FIFO[T] {
	if depth < 1 {
		depth = 1
	}
	if mon == nil {
		mon = &Monitor{}
	}
	return &FIFO[T]{
		buf:   make([]T, depth),
		ready: make(chan struct{}, 1),
		mon:   mon,
	}
}

// Push appends v and reports whether an older element was dropped for it.
func (f *FIFO[T]) Push(v T) (dropped bool) {
	f.mu.Lock()
	if f.n == len(f.buf) {
		f.head = (f.head + 1) % len(f.buf)
		f.n--
		dropped = true
	}
	f.buf[(f.head+f.n)%len(f.buf)] = v
	f.n++
	f.mu.Unlock()

	f.mon.AddTotal(1)
	if dropped {
		f.mon.AddLost(1)
	}
	f.signal()
	return dropped
}

// PushAll pushes every element of vs and returns how many were dropped.
func (f *FIFO[T]) PushAll(vs []T) int {
	lost := 0
	f.mu.Lock()
	for _, v := range vs {
		if f.n == len(f.buf) {
			f.head = (f.head + 1) % len(f.buf)
			f.n--
			lost++
		}
		f.buf[(f.head+f.n)%len(f.buf)] = v
		f.n++
	}
	f.mu.Unlock()

	f.mon.AddTotal(uint64(len(vs)))
	f.mon.AddLost(uint64(lost))
	if len(vs) > 0 {
		f.signal()
	}
	return lost
}

func (f *FIFO[T]) signal() {
	select {
	case f.ready <- struct{}{}:
	default:
	}
}

// Pop removes the oldest element.
func (f *FIFO[T]) Pop() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var zero T
	if f.n == 0 {
		return zero, false
	}
	v := f.buf[f.head]
	f.buf[f.head] = zero
	f.head = (f.head + 1) % len(f.buf)
	f.n--
	return v, true
}

// Drain removes up to limit elements, oldest first, appending them to dst.
func (f *FIFO[T]) Drain(dst []T, limit int) []T {
	f.mu.Lock()
	defer f.mu.Unlock()

	var zero T
	for ; f.n > 0 && limit > 0; limit-- {
		dst = append(dst, f.buf[f.head])
		f.buf[f.head] = zero
		f.head = (f.head + 1) % len(f.buf)
		f.n--
	}
	return dst
}

// Reset discards the queued elements without counting them as lost.
func (f *FIFO[T]) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	var zero T
	for i := range f.buf {
		f.buf[i] = zero
	}
	f.head, f.n = 0, 0
}

func (f *FIFO[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *FIFO[T]) Cap() int { return len(f.buf) }

// Ready delivers a value after elements were pushed. Wakeups coalesce, so a
// consumer must drain the FIFO before waiting again.
func (f *FIFO[T]) Ready() <-chan struct{} { return f.ready }

func (f *FIFO[T]) Monitor() *Monitor { return f.mon }

// Indicator turns a changing counter into a visible pulse: it reports true
// for Hold after the last time the watched value changed.
type Indicator struct {
	Hold time.Duration

	last  uint64
	until time.Time
}

// DefaultHold is the time an indicator stays lit after activity.
const DefaultHold = 100 * time.Millisecond

func NewIndicator(hold time.Duration) *Indicator {
	return &Indicator{Hold: hold}
}

// Update samples v at now and returns the indicator state.
func (i *Indicator) Update(v uint64, now time.Time) bool {
	if v != i.last {
		i.last = v
		i.until = now.Add(i.Hold)
	}
	return now.Before(i.until)
}
