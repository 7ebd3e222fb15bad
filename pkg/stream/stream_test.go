package stream

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestPacket(t *testing.T) {
	got := Packet(1, 2, 3)
	want := []Token{{Data: 1, First: true}, {Data: 2}, {Data: 3, Last: true}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Packet() mismatch (-want +got):\n%s", diff)
	}

	single := Packet(9)
	if !single[0].First || !single[0].Last {
		t.Errorf("Packet(9) = %v, want first and last", single)
	}
}

func TestSplitPackets(t *testing.T) {
	toks := append(Packet(1, 2), Packet(3)...)
	toks = append(toks, Token{Data: 4})

	got := SplitPackets(toks)
	want := [][]byte{{1, 2}, {3}, {4}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SplitPackets() mismatch (-want +got):\n%s", diff)
	}
}

func TestFIFO_DropOldest(t *testing.T) {
	f := NewFIFO[int](3, nil)

	for i := 1; i <= 3; i++ {
		if f.Push(i) {
			t.Fatalf("Push(%d) dropped with room left", i)
		}
	}
	if !f.Push(4) {
		t.Errorf("Push(4) on a full FIFO did not drop")
	}
	if lost := f.PushAll([]int{5, 6}); lost != 2 {
		t.Errorf("PushAll() lost = %d, want 2", lost)
	}

	got := f.Drain(nil, 10)
	if diff := cmp.Diff([]int{4, 5, 6}, got); diff != "" {
		t.Errorf("Drain() mismatch (-want +got):\n%s", diff)
	}

	stats := f.Monitor().Stats()
	if stats.Total != 6 || stats.Lost != 3 {
		t.Errorf("Stats() = %+v, want total 6 lost 3", stats)
	}
}

func TestFIFO_PopAndReady(t *testing.T) {
	f := NewFIFO[byte](4, nil)
	if _, ok := f.Pop(); ok {
		t.Fatalf("Pop() on empty FIFO returned a value")
	}

	f.PushAll([]byte{0xAA, 0xBB})
	select {
	case <-f.Ready():
	default:
		t.Fatalf("Ready() not signalled after push")
	}

	if v, ok := f.Pop(); !ok || v != 0xAA {
		t.Errorf("Pop() = %X, %t; want AA", v, ok)
	}
	if f.Len() != 1 {
		t.Errorf("Len() = %d, want 1", f.Len())
	}

	f.Reset()
	if f.Len() != 0 || f.Monitor().Stats().Lost != 0 {
		t.Errorf("Reset() left len %d, lost %d", f.Len(), f.Monitor().Stats().Lost)
	}
}

func TestIndicator(t *testing.T) {
	t0 := time.Unix(0, 0)
	ind := NewIndicator(DefaultHold)

	tests := []struct {
		value uint64
		at    time.Duration
		want  bool
	}{
		{0, 0, false},
		{1, 10 * time.Millisecond, true},
		{1, 100 * time.Millisecond, true},
		{1, 110 * time.Millisecond, false},
		{2, 120 * time.Millisecond, true},
		{3, 200 * time.Millisecond, true},
		{3, 300 * time.Millisecond, false},
	}

	for _, tt := range tests {
		if got := ind.Update(tt.value, t0.Add(tt.at)); got != tt.want {
			t.Errorf("Update(%d, +%v) = %t, want %t", tt.value, tt.at, got, tt.want)
		}
	}
}
