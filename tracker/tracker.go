// Package tracker turns a stream of raw cursor samples into a stream of
// crop rectangles. A small state machine decides when to zoom in on the
// cursor, pan the locked region, or zoom back out to the full screen, and
// every transition is emitted as a frame-paced interpolation so the
// downstream processor never sees a jump cut.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/terava/loupe/media"
)

// Config carries the closed set of tracker tunables.
type Config struct {
	// FPS is the emission cadence in hertz.
	FPS int

	// ScreenSize is the monitor's logical size.
	ScreenSize media.LogicalSize

	// TargetSize is the locked (zoomed-in) region size. Must not exceed
	// ScreenSize in either dimension.
	TargetSize media.LogicalSize

	// DebounceRadius suppresses zoom-in re-triggers while the cursor stays
	// within this many pixels of the last zoom-in trigger point.
	DebounceRadius float64

	// StableRadius is the disc around the stable anchor inside which the
	// cursor still counts as stable.
	StableRadius float64

	// FastMovingDuration is how long the cursor must sit idle after a
	// burst of movement before a zoom-in may fire.
	FastMovingDuration time.Duration

	// ZoomTransitionDuration is the wall-clock length of a zoom animation.
	ZoomTransitionDuration time.Duration

	// RepositionEdgeThreshold is the fraction of the locked region's
	// width/height, in [0, 0.5], that forms the edge band triggering a
	// reposition.
	RepositionEdgeThreshold float64

	// RepositionTransitionDuration is the wall-clock length of a
	// reposition animation.
	RepositionTransitionDuration time.Duration

	// MaxStableRegionDuration is how long the region may stay locked on a
	// stable cursor before zooming back out.
	MaxStableRegionDuration time.Duration

	ZoomInTransition  Easing
	ZoomOutTransition Easing
}

func (c Config) validate() error {
	if c.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %d", c.FPS)
	}
	if c.ScreenSize.Width <= 0 || c.ScreenSize.Height <= 0 {
		return fmt.Errorf("invalid screen size %dx%d", c.ScreenSize.Width, c.ScreenSize.Height)
	}
	if c.TargetSize.Width <= 0 || c.TargetSize.Height <= 0 {
		return fmt.Errorf("invalid target size %dx%d", c.TargetSize.Width, c.TargetSize.Height)
	}
	if c.TargetSize.Width > c.ScreenSize.Width || c.TargetSize.Height > c.ScreenSize.Height {
		return errors.New("target size exceeds screen size")
	}
	if c.RepositionEdgeThreshold < 0 || c.RepositionEdgeThreshold > 0.5 {
		return fmt.Errorf("reposition edge threshold %v outside [0, 0.5]", c.RepositionEdgeThreshold)
	}
	return nil
}

// Tracker is the cursor-follow state machine. Create one with New and
// drive it with Run; it is not safe for concurrent use.
type Tracker struct {
	cfg Config
	log *slog.Logger

	current media.Rectangle

	lastCursor     media.CursorPosition
	hasCursor      bool
	lastCursorTime time.Time

	stableAnchor media.CursorPosition
	hasStable    bool
	stableSince  time.Time

	debounceAnchor media.CursorPosition
	hasDebounce    bool

	lastEdge EdgeState

	// pending holds the precomputed remainder of an in-flight transition,
	// drained one rectangle per emission tick.
	pending []media.Rectangle
}

// New validates the configuration and returns a tracker whose first
// emission will be the full-screen rectangle.
func New(cfg Config, logger *slog.Logger) (*Tracker, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("cursor tracker config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:     cfg,
		log:     logger.With("component", "cursor-tracker"),
		current: media.FullScreen(cfg.ScreenSize),
	}, nil
}

// Run consumes cursor samples and emits exactly one crop rectangle per
// frame tick on out, starting with the full screen. It returns when ctx is
// cancelled or the sample channel closes, closing out on the way.
func (t *Tracker) Run(ctx context.Context, samples <-chan media.CursorPosition, out chan<- media.Rectangle) error {
	defer close(out)

	if !t.send(ctx, out, t.current) {
		return nil
	}

	interval := time.Second / time.Duration(t.cfg.FPS)
	wake := time.NewTicker(interval / 2)
	defer wake.Stop()

	nextEmit := time.Now().Add(interval)

	for {
		select {
		case <-ctx.Done():
			return nil

		case pos, ok := <-samples:
			if !ok {
				t.log.Info("cursor sample channel closed, stopping tracker")
				return nil
			}
			if !t.inBounds(pos) {
				continue
			}
			t.lastCursor = pos
			t.hasCursor = true
			t.lastCursorTime = time.Now()

		case now := <-wake.C:
			if now.Before(nextEmit) {
				continue
			}
			nextEmit = nextEmit.Add(interval)
			if !t.send(ctx, out, t.step(now)) {
				return nil
			}
		}
	}
}

// send delivers one rectangle, giving up on cancellation. A false return
// means the receiver is gone and Run should exit cleanly.
func (t *Tracker) send(ctx context.Context, out chan<- media.Rectangle, r media.Rectangle) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// inBounds accepts samples on the screen including its exact edges.
func (t *Tracker) inBounds(pos media.CursorPosition) bool {
	return pos.X >= 0 && pos.Y >= 0 &&
		pos.X <= t.cfg.ScreenSize.Width && pos.Y <= t.cfg.ScreenSize.Height
}

// step advances the state machine by one frame tick and returns the
// rectangle to emit for it.
func (t *Tracker) step(now time.Time) media.Rectangle {
	if len(t.pending) > 0 {
		t.current = t.pending[0]
		t.pending = t.pending[1:]
		return t.current
	}

	if !t.hasCursor {
		return t.current
	}

	switch {
	case t.shouldZoomOut(now):
		t.log.Debug("zooming out", "from", t.current)
		t.pending = t.sizeTransition(t.cfg.ScreenSize, t.cfg.ZoomOutTransition)
		t.hasStable = false
		t.hasDebounce = false
		t.lastCursorTime = time.Time{}
		t.lastEdge = EdgeNone

	case t.shouldZoomIn(now):
		t.log.Debug("zooming in", "cursor_x", t.lastCursor.X, "cursor_y", t.lastCursor.Y)
		t.pending = t.sizeTransition(t.cfg.TargetSize, t.cfg.ZoomInTransition)
		t.stableAnchor = t.lastCursor
		t.hasStable = true
		t.stableSince = now
		t.debounceAnchor = t.lastCursor
		t.hasDebounce = true
		t.lastEdge = classifyRegion(t.pending[len(t.pending)-1], t.cfg.ScreenSize)

	case t.shouldReposition():
		target := t.centeredOnCursor(t.cfg.TargetSize)
		t.log.Debug("repositioning", "to_x", target.X, "to_y", target.Y)
		t.pending = t.panTransition(target)
		t.stableAnchor = t.lastCursor
		t.stableSince = now
		t.lastEdge = classifyRegion(target, t.cfg.ScreenSize)

	default:
		// A cursor drifting out of the stable disc restarts the
		// stability clock at its new position.
		if t.hasStable && !t.cursorStable() {
			t.stableAnchor = t.lastCursor
			t.stableSince = now
		}
		return t.current
	}

	t.current = t.pending[0]
	t.pending = t.pending[1:]
	return t.current
}

func (t *Tracker) shouldZoomOut(now time.Time) bool {
	return t.current.Size() == t.cfg.TargetSize &&
		t.hasStable &&
		now.Sub(t.stableSince) >= t.cfg.MaxStableRegionDuration &&
		t.cursorStable()
}

func (t *Tracker) shouldZoomIn(now time.Time) bool {
	if t.lastCursorTime.IsZero() {
		return false
	}
	return t.current.Size() == t.cfg.ScreenSize &&
		now.Sub(t.lastCursorTime) >= t.cfg.FastMovingDuration &&
		!t.cursorDebounced()
}

func (t *Tracker) shouldReposition() bool {
	if t.current.Size() != t.cfg.TargetSize || t.cfg.RepositionEdgeThreshold <= 0 {
		return false
	}
	touch := classifyCursorTouch(t.lastCursor, t.current, t.cfg.RepositionEdgeThreshold)
	return repositionPermitted(touch, t.lastEdge)
}

func (t *Tracker) cursorStable() bool {
	if !t.hasStable {
		return false
	}
	return withinDisc(t.lastCursor, t.stableAnchor, t.cfg.StableRadius)
}

func (t *Tracker) cursorDebounced() bool {
	if !t.hasDebounce {
		return false
	}
	return withinDisc(t.lastCursor, t.debounceAnchor, t.cfg.DebounceRadius)
}

func withinDisc(p, anchor media.CursorPosition, radius float64) bool {
	dx := float64(p.X - anchor.X)
	dy := float64(p.Y - anchor.Y)
	return dx*dx+dy*dy <= radius*radius
}

// sizeTransition precomputes a zoom animation from the current size to
// toSize, every frame centered on the cursor at trigger time. The last
// frame is exactly the target rectangle.
func (t *Tracker) sizeTransition(toSize media.LogicalSize, easing Easing) []media.Rectangle {
	total := transitionFrames(t.cfg.ZoomTransitionDuration, t.cfg.FPS)
	from := t.current.Size()
	regions := make([]media.Rectangle, 0, total+1)

	for frame := 1; frame <= total; frame++ {
		p := easing.Apply(float64(frame) / float64(total))
		size := media.LogicalSize{
			Width:  lerp(from.Width, toSize.Width, p),
			Height: lerp(from.Height, toSize.Height, p),
		}
		regions = append(regions, t.centeredOnCursor(size))
	}

	final := t.centeredOnCursor(toSize)
	if len(regions) == 0 || regions[len(regions)-1] != final {
		regions = append(regions, final)
	}
	return regions
}

// panTransition precomputes a same-size slide from the current rectangle
// to target using the ease-in-out curve.
func (t *Tracker) panTransition(target media.Rectangle) []media.Rectangle {
	total := transitionFrames(t.cfg.RepositionTransitionDuration, t.cfg.FPS)
	regions := make([]media.Rectangle, 0, total+1)

	for frame := 1; frame <= total; frame++ {
		p := easingEaseInOut.Apply(float64(frame) / float64(total))
		r := media.NewRectangle(
			lerp(t.current.X, target.X, p),
			lerp(t.current.Y, target.Y, p),
			target.Width, target.Height,
			t.cfg.ScreenSize,
		)
		regions = append(regions, r)
	}

	if len(regions) == 0 || regions[len(regions)-1] != target {
		regions = append(regions, target)
	}
	return regions
}

func (t *Tracker) centeredOnCursor(size media.LogicalSize) media.Rectangle {
	return media.NewRectangle(
		t.lastCursor.X-size.Width/2,
		t.lastCursor.Y-size.Height/2,
		size.Width, size.Height,
		t.cfg.ScreenSize,
	)
}

func transitionFrames(d time.Duration, fps int) int {
	n := int(math.Ceil(d.Seconds() * float64(fps)))
	if n < 1 {
		n = 1
	}
	return n
}

func lerp(from, to int, p float64) int {
	return from + int(float64(to-from)*p)
}
