package session

import (
	"image"
	"testing"

	"github.com/terava/loupe/media"
)

func testImage() *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, 4, 4))
}

func indicesOf(frames []media.ResizedFrame) []uint64 {
	out := make([]uint64, len(frames))
	for i, f := range frames {
		out[i] = f.TotalIndex
	}
	return out
}

func TestCollectorInOrderPassThrough(t *testing.T) {
	t.Parallel()

	c := newCollector(&Stats{})
	for i := uint64(0); i < 5; i++ {
		out := c.add(i, testImage())
		if len(out) != 1 || out[0].TotalIndex != i {
			t.Fatalf("index %d: got %v", i, indicesOf(out))
		}
	}
}

func TestCollectorReordersStalledFrame(t *testing.T) {
	t.Parallel()

	// Frame 37 stalls in its worker while 38 and 39 finish first. The
	// collector holds them back and releases all three in order once 37
	// lands.
	stats := &Stats{}
	c := newCollector(stats)

	for i := uint64(35); i < 37; i++ {
		if out := c.add(i, testImage()); len(out) != 1 {
			t.Fatalf("index %d: expected immediate emit", i)
		}
	}

	if out := c.add(38, testImage()); len(out) != 0 {
		t.Fatalf("early 38: expected hold, got %v", indicesOf(out))
	}
	if out := c.add(39, testImage()); len(out) != 0 {
		t.Fatalf("early 39: expected hold, got %v", indicesOf(out))
	}

	out := c.add(37, testImage())
	want := []uint64{37, 38, 39}
	got := indicesOf(out)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if n := stats.LateDrops.Load(); n != 0 {
		t.Fatalf("late drops = %d, want 0", n)
	}
	if n := stats.CatchUps.Load(); n != 0 {
		t.Fatalf("catch-ups = %d, want 0", n)
	}
}

func TestCollectorDropsLateFrame(t *testing.T) {
	t.Parallel()

	stats := &Stats{}
	c := newCollector(stats)

	c.add(0, testImage())
	c.add(1, testImage())

	if out := c.add(0, testImage()); len(out) != 0 {
		t.Fatalf("late frame emitted: %v", indicesOf(out))
	}
	if n := stats.LateDrops.Load(); n != 1 {
		t.Fatalf("late drops = %d, want 1", n)
	}
}

func TestCollectorCatchesUpAfterLostFrame(t *testing.T) {
	t.Parallel()

	// Index 0 never arrives. After disorderBudget out-of-order arrivals
	// the collector abandons it so the encoder is not starved.
	stats := &Stats{}
	c := newCollector(stats)

	for i := uint64(1); i < uint64(disorderBudget); i++ {
		if out := c.add(i, testImage()); len(out) != 0 {
			t.Fatalf("index %d: emitted before budget exhausted: %v", i, indicesOf(out))
		}
	}

	out := c.add(uint64(disorderBudget), testImage())
	got := indicesOf(out)
	if len(got) != disorderBudget {
		t.Fatalf("emitted %v, want indices 1..%d", got, disorderBudget)
	}
	for i, idx := range got {
		if idx != uint64(i+1) {
			t.Fatalf("emitted %v, want indices 1..%d", got, disorderBudget)
		}
	}
	if n := stats.CatchUps.Load(); n != 1 {
		t.Fatalf("catch-ups = %d, want 1", n)
	}
}

func TestCollectorFlushOrdersTrailingFrames(t *testing.T) {
	t.Parallel()

	c := newCollector(&Stats{})
	c.add(0, testImage())
	c.add(3, testImage())
	c.add(2, testImage())
	c.add(5, testImage())

	got := indicesOf(c.flush())
	want := []uint64{2, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("flush = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("flush = %v, want %v", got, want)
		}
	}
	if out := c.flush(); len(out) != 0 {
		t.Fatalf("second flush not empty: %v", indicesOf(out))
	}
}
