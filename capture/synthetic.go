package capture

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/terava/loupe/media"
)

// SyntheticSource generates a deterministic moving test pattern: a bright
// square orbiting a shaded background, advancing with every captured
// frame. It paces itself to the configured frame rate and optionally
// simulates capture latency, which makes it usable both in unit tests
// (zero latency, no pacing) and in demo runs standing in for a real
// screen.
type SyntheticSource struct {
	size    media.LogicalSize
	fps     int
	latency time.Duration
	counter *atomic.Uint64
	last    time.Time
}

// NewSyntheticSource returns a pattern source of the given size. fps <= 0
// disables pacing, latency <= 0 disables the simulated capture delay.
func NewSyntheticSource(size media.LogicalSize, fps int, latency time.Duration) *SyntheticSource {
	return &SyntheticSource{size: size, fps: fps, latency: latency, counter: &atomic.Uint64{}}
}

// SyntheticFactory returns a Factory whose sources share one frame
// counter, so frames captured by parallel workers carry distinct indices.
func SyntheticFactory(size media.LogicalSize, fps int, latency time.Duration) Factory {
	shared := &atomic.Uint64{}
	return func() (Source, error) {
		s := NewSyntheticSource(size, fps, latency)
		s.counter = shared
		return s, nil
	}
}

// ScreenSize implements Source.
func (s *SyntheticSource) ScreenSize() media.LogicalSize { return s.size }

// Capture implements Source.
func (s *SyntheticSource) Capture(ctx context.Context) (media.Frame, error) {
	if s.fps > 0 {
		interval := time.Second / time.Duration(s.fps)
		if wait := interval - time.Since(s.last); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return media.Frame{}, ctx.Err()
			}
		}
		s.last = time.Now()
	}
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return media.Frame{}, ctx.Err()
		}
	}

	idx := s.counter.Add(1) - 1
	start := time.Now()
	pixels := renderPattern(s.size.Width, s.size.Height, idx)

	return media.Frame{
		CaptureIndex: idx,
		CaptureTime:  time.Since(start),
		WallTime:     time.Now(),
		PixelData:    pixels,
		Width:        s.size.Width,
		Height:       s.size.Height,
		Format:       media.PixelFormatARGB8888,
	}, nil
}

// Close implements Source.
func (s *SyntheticSource) Close() error { return nil }

// renderPattern draws frame idx of the pattern: a horizontal gradient
// background with a white 64px square whose position advances 4px per
// frame and wraps.
func renderPattern(w, h int, idx uint64) []byte {
	const square = 64
	pixels := make([]byte, w*h*4)

	sx := int(idx*4) % max(w-square, 1)
	sy := int(idx*2) % max(h-square, 1)

	for y := 0; y < h; y++ {
		row := y * w * 4
		for x := 0; x < w; x++ {
			o := row + x*4
			if x >= sx && x < sx+square && y >= sy && y < sy+square {
				pixels[o] = 0xFF   // A
				pixels[o+1] = 0xFF // R
				pixels[o+2] = 0xFF // G
				pixels[o+3] = 0xFF // B
			} else {
				pixels[o] = 0xFF
				pixels[o+1] = byte(x * 255 / w)
				pixels[o+2] = byte(y * 255 / h)
				pixels[o+3] = byte(idx)
			}
		}
	}
	return pixels
}

// SyntheticCursor emits a cursor orbiting the screen center, matching the
// pattern square's motion so demo runs exercise the tracker.
type SyntheticCursor struct {
	size     media.LogicalSize
	interval time.Duration
}

// NewSyntheticCursor samples at the given interval.
func NewSyntheticCursor(size media.LogicalSize, interval time.Duration) *SyntheticCursor {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &SyntheticCursor{size: size, interval: interval}
}

// Run implements CursorMonitor.
func (c *SyntheticCursor) Run(ctx context.Context, out chan<- media.CursorPosition) error {
	defer close(out)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	step := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pos := media.CursorPosition{
				X:            (c.size.Width/4 + step*7) % c.size.Width,
				Y:            (c.size.Height/4 + step*3) % c.size.Height,
				OutputWidth:  c.size.Width,
				OutputHeight: c.size.Height,
			}
			step++
			select {
			case out <- pos:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
