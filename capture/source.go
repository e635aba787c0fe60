// Package capture defines the contracts between the recording session
// and the platform screen-capture layer, plus a deterministic synthetic
// source for tests and demo runs. The real Wayland frame producer lives
// behind the xdg-desktop-portal handshake in portal.go; the session never
// links against compositor code directly.
package capture

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/terava/loupe/media"
)

// Source produces raw frames from one screen. Capture blocks until a
// frame is ready or ctx is cancelled. A Source is owned by exactly one
// capture worker; workers needing parallel capture open one Source each
// through a Factory.
type Source interface {
	// ScreenSize reports the logical size of the captured output.
	ScreenSize() media.LogicalSize

	// Capture grabs the next frame.
	Capture(ctx context.Context) (media.Frame, error)

	Close() error
}

// Factory opens an independent Source for one capture worker.
type Factory func() (Source, error)

// CursorMonitor streams sampled cursor positions. Implementations close
// out when the monitor ends.
type CursorMonitor interface {
	Run(ctx context.Context, out chan<- media.CursorPosition) error
}

// probeCache memoizes mean capture times per screen so repeated session
// starts skip the probe.
var probeCache = struct {
	sync.Mutex
	byScreen map[string]time.Duration
}{byScreen: make(map[string]time.Duration)}

// MeanCaptureTime measures the average time one Capture call takes by
// grabbing samples frames from a fresh Source. The result is cached
// per screen name for the life of the process; the session sizes its
// capture worker pool from it.
func MeanCaptureTime(ctx context.Context, screenName string, factory Factory, samples int) (time.Duration, error) {
	probeCache.Lock()
	if d, ok := probeCache.byScreen[screenName]; ok {
		probeCache.Unlock()
		return d, nil
	}
	probeCache.Unlock()

	if samples < 1 {
		samples = 1
	}

	src, err := factory()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	start := time.Now()
	for i := 0; i < samples; i++ {
		if _, err := src.Capture(ctx); err != nil {
			return 0, err
		}
	}
	mean := time.Since(start) / time.Duration(samples)

	probeCache.Lock()
	probeCache.byScreen[screenName] = mean
	probeCache.Unlock()

	return mean, nil
}

// WorkerCount sizes the capture pool so that staggered workers sustain
// the target frame rate: ceil(meanCapture / frameInterval) * 2, at least
// one.
func WorkerCount(meanCapture time.Duration, fps int) int {
	if fps <= 0 {
		return 1
	}
	n := int(math.Ceil(meanCapture.Seconds() * float64(fps)))
	if n < 1 {
		n = 1
	}
	return n * 2
}
