package tracker

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/terava/loupe/media"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func baseConfig() Config {
	return Config{
		FPS:                          30,
		ScreenSize:                   media.LogicalSize{Width: 1920, Height: 1080},
		TargetSize:                   media.LogicalSize{Width: 400, Height: 300},
		DebounceRadius:               0,
		StableRadius:                 30,
		FastMovingDuration:           200 * time.Millisecond,
		ZoomTransitionDuration:       800 * time.Millisecond,
		RepositionEdgeThreshold:      0.1,
		RepositionTransitionDuration: 400 * time.Millisecond,
		MaxStableRegionDuration:      3 * time.Second,
		ZoomInTransition:             EasingLinear,
		ZoomOutTransition:            EasingLinear,
	}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero fps", func(c *Config) { c.FPS = 0 }},
		{"zero screen", func(c *Config) { c.ScreenSize = media.LogicalSize{} }},
		{"zero target", func(c *Config) { c.TargetSize = media.LogicalSize{} }},
		{"target wider than screen", func(c *Config) { c.TargetSize.Width = 2000 }},
		{"edge threshold above half", func(c *Config) { c.RepositionEdgeThreshold = 0.6 }},
	}
	for _, tc := range cases {
		cfg := baseConfig()
		tc.mutate(&cfg)
		if _, err := New(cfg, testLogger()); err == nil {
			t.Errorf("%s: expected config error", tc.name)
		}
	}

	if _, err := New(baseConfig(), testLogger()); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestFirstEmissionIsFullScreen(t *testing.T) {
	t.Parallel()

	tr, err := New(baseConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	samples := make(chan media.CursorPosition)
	out := make(chan media.Rectangle, 16)

	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Run(ctx, samples, out)
	}()

	select {
	case first := <-out:
		if first != media.FullScreen(baseConfig().ScreenSize) {
			t.Errorf("first emission %+v, want full screen", first)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial emission")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tracker did not stop on cancel")
	}
}

func TestSampleChannelCloseStopsTracker(t *testing.T) {
	t.Parallel()

	tr, err := New(baseConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	samples := make(chan media.CursorPosition)
	out := make(chan media.Rectangle, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Run(context.Background(), samples, out)
	}()

	close(samples)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tracker did not stop when sample channel closed")
	}
	// Output must be closed too.
	for range out {
	}
}

func TestCancelUnblocksStalledReceiver(t *testing.T) {
	t.Parallel()

	tr, err := New(baseConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	samples := make(chan media.CursorPosition)
	// Unbuffered output with nobody reading: every emission blocks.
	out := make(chan media.Rectangle)

	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Run(ctx, samples, out)
	}()

	// Take the initial emission, then stop reading while ticks keep
	// producing rectangles.
	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatal("no initial emission")
	}
	time.Sleep(100 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tracker did not exit while an emission was blocked")
	}
}

func TestOutOfBoundsSamplesDiscarded(t *testing.T) {
	t.Parallel()

	tr, err := New(baseConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		x, y int
		want bool
	}{
		{0, 0, true},
		{1920, 1080, true}, // exactly the edge
		{1921, 500, false}, // one pixel beyond
		{500, 1081, false},
		{-1, 500, false},
		{500, -1, false},
	}
	for _, tc := range cases {
		got := tr.inBounds(media.CursorPosition{X: tc.x, Y: tc.y})
		if got != tc.want {
			t.Errorf("inBounds(%d, %d) = %v, want %v", tc.x, tc.y, got, tc.want)
		}
	}
}

func TestZoomTransitionFrameCount(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	tr, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	tr.lastCursor = media.CursorPosition{X: 960, Y: 540}
	tr.hasCursor = true

	frames := tr.sizeTransition(cfg.TargetSize, EasingLinear)

	want := 24 // ceil(0.8s * 30fps)
	if len(frames) != want {
		t.Fatalf("transition length %d, want %d", len(frames), want)
	}

	final := frames[len(frames)-1]
	if final.Size() != cfg.TargetSize {
		t.Errorf("final frame size %+v, want %+v", final.Size(), cfg.TargetSize)
	}
	if final.X != 960-200 || final.Y != 540-150 {
		t.Errorf("final frame not centered on cursor: %+v", final)
	}

	// Widths shrink monotonically under linear easing.
	for i := 1; i < len(frames); i++ {
		if frames[i].Width > frames[i-1].Width {
			t.Fatalf("width grew at frame %d: %d -> %d", i, frames[i-1].Width, frames[i].Width)
		}
	}
}

func TestTransitionClampedAtScreenCorner(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	tr, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	tr.lastCursor = media.CursorPosition{X: 10, Y: 10}
	tr.hasCursor = true

	for _, r := range tr.sizeTransition(cfg.TargetSize, EasingEaseOut) {
		if r.X < 0 || r.Y < 0 || r.X+r.Width > 1920 || r.Y+r.Height > 1080 {
			t.Fatalf("frame escapes screen bounds: %+v", r)
		}
	}
}

func TestTargetEqualToScreenStaysFullScreen(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.TargetSize = cfg.ScreenSize
	tr, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	tr.lastCursor = media.CursorPosition{X: 300, Y: 300}
	tr.hasCursor = true
	tr.lastCursorTime = now.Add(-time.Second)

	full := media.FullScreen(cfg.ScreenSize)
	for i := 0; i < 60; i++ {
		if got := tr.step(now.Add(time.Duration(i) * 33 * time.Millisecond)); got != full {
			t.Fatalf("step %d emitted %+v, want full screen", i, got)
		}
	}
}

// TestZoomCycle replays the no-input scenario with scaled-down durations:
// silence, then rapid motion, then a stationary cursor re-sent on a slow
// heartbeat. The region must lock onto the cursor, release after the
// stability window, and lock again.
func TestZoomCycle(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.FPS = 50
	cfg.FastMovingDuration = 60 * time.Millisecond
	cfg.ZoomTransitionDuration = 200 * time.Millisecond
	cfg.MaxStableRegionDuration = 300 * time.Millisecond
	cfg.RepositionEdgeThreshold = 0 // repositioning is off for this scenario

	tr, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	samples := make(chan media.CursorPosition, 64)
	out := make(chan media.Rectangle, 4096)

	type emission struct {
		at   time.Time
		rect media.Rectangle
	}
	var (
		mu   sync.Mutex
		seen []emission
	)
	collectDone := make(chan struct{})
	go func() {
		defer close(collectDone)
		for r := range out {
			mu.Lock()
			seen = append(seen, emission{at: time.Now(), rect: r})
			mu.Unlock()
		}
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		tr.Run(ctx, samples, out)
	}()

	start := time.Now()

	// Phase 1: silence.
	time.Sleep(200 * time.Millisecond)

	// Phase 2: rapid motion. Samples arrive far more often than
	// FastMovingDuration, so zoom-in must stay suppressed.
	motionEnd := time.Now().Add(150 * time.Millisecond)
	i := 0
	for time.Now().Before(motionEnd) {
		samples <- media.CursorPosition{X: 200 + i*13%1500, Y: 200 + i*7%800}
		i++
		time.Sleep(10 * time.Millisecond)
	}
	motionEndAt := time.Now()

	// Phase 3: stationary cursor on a slow heartbeat for two full
	// lock/release cycles.
	stable := media.CursorPosition{X: 1060, Y: 590}
	heartbeatEnd := time.Now().Add(1800 * time.Millisecond)
	for time.Now().Before(heartbeatEnd) {
		samples <- stable
		time.Sleep(100 * time.Millisecond)
	}

	cancel()
	<-runDone
	<-collectDone

	mu.Lock()
	defer mu.Unlock()

	if len(seen) == 0 {
		t.Fatal("no emissions")
	}

	full := media.FullScreen(cfg.ScreenSize)
	if seen[0].rect != full {
		t.Fatalf("first emission %+v, want full screen", seen[0].rect)
	}

	// No zoom during silence or fast motion (allow the trigger delay
	// after the last motion sample).
	quietUntil := motionEndAt.Add(cfg.FastMovingDuration / 2)
	for _, e := range seen {
		if e.at.Before(quietUntil) && e.rect.Size() != cfg.ScreenSize {
			t.Fatalf("zoomed at t=%v during motion phase: %+v",
				e.at.Sub(start), e.rect)
		}
	}

	// Walk the emission log: locked, then full screen, then locked again.
	phase := 0
	for _, e := range seen {
		switch phase {
		case 0:
			if e.rect.Size() == cfg.TargetSize {
				phase = 1
			}
		case 1:
			if e.rect.Size() == cfg.ScreenSize {
				phase = 2
			}
		case 2:
			if e.rect.Size() == cfg.TargetSize {
				phase = 3
			}
		}
	}
	if phase != 3 {
		t.Fatalf("zoom cycle incomplete: reached phase %d of 3 (%d emissions)", phase, len(seen))
	}

	// While locked the region is centered on the stationary cursor.
	for _, e := range seen {
		if e.rect.Size() == cfg.TargetSize {
			wantX, wantY := stable.X-cfg.TargetSize.Width/2, stable.Y-cfg.TargetSize.Height/2
			if e.rect.X != wantX || e.rect.Y != wantY {
				t.Fatalf("locked region %+v not centered on cursor (%d, %d)", e.rect, wantX, wantY)
			}
			break
		}
	}
}

func TestRepositionPanKeepsSize(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	tr, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	// Locked region in the middle, cursor in its left edge band.
	tr.current = media.Rectangle{X: 700, Y: 400, Width: 400, Height: 300}
	tr.lastCursor = media.CursorPosition{X: 710, Y: 550}
	tr.hasCursor = true
	tr.lastEdge = EdgeNone

	if !tr.shouldReposition() {
		t.Fatal("cursor in edge band did not trigger reposition")
	}

	target := tr.centeredOnCursor(cfg.TargetSize)
	frames := tr.panTransition(target)
	if len(frames) != 12 { // ceil(0.4s * 30fps)
		t.Fatalf("pan length %d, want 12", len(frames))
	}
	for i, r := range frames {
		if r.Size() != cfg.TargetSize {
			t.Fatalf("frame %d changed size: %+v", i, r)
		}
	}
	if frames[len(frames)-1] != target {
		t.Errorf("pan did not converge: %+v, want %+v", frames[len(frames)-1], target)
	}
}

func TestRepositionSuppressedOnSameEdge(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	tr, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	// Region snapped to the left screen edge; cursor touching the
	// region's left band must not re-trigger.
	tr.current = media.Rectangle{X: 0, Y: 400, Width: 400, Height: 300}
	tr.lastCursor = media.CursorPosition{X: 5, Y: 550}
	tr.hasCursor = true
	tr.lastEdge = EdgeLeft

	if tr.shouldReposition() {
		t.Error("reposition re-triggered toward the snapped edge")
	}

	// The right band is motion away from the snap and is permitted.
	tr.lastCursor = media.CursorPosition{X: 395, Y: 550}
	if !tr.shouldReposition() {
		t.Error("reposition away from the snapped edge was suppressed")
	}
}

func TestEdgeClassification(t *testing.T) {
	t.Parallel()

	screen := media.LogicalSize{Width: 1920, Height: 1080}
	cases := []struct {
		rect media.Rectangle
		want EdgeState
	}{
		{media.Rectangle{X: 500, Y: 400, Width: 400, Height: 300}, EdgeNone},
		{media.Rectangle{X: 0, Y: 400, Width: 400, Height: 300}, EdgeLeft},
		{media.Rectangle{X: 1520, Y: 400, Width: 400, Height: 300}, EdgeRight},
		{media.Rectangle{X: 500, Y: 0, Width: 400, Height: 300}, EdgeTop},
		{media.Rectangle{X: 500, Y: 780, Width: 400, Height: 300}, EdgeBottom},
		{media.Rectangle{X: 0, Y: 0, Width: 400, Height: 300}, EdgeTopLeft},
		{media.Rectangle{X: 1520, Y: 780, Width: 400, Height: 300}, EdgeBottomRight},
	}
	for _, tc := range cases {
		if got := classifyRegion(tc.rect, screen); got != tc.want {
			t.Errorf("classifyRegion(%+v) = %v, want %v", tc.rect, got, tc.want)
		}
	}
}

func TestRepositionPermitted(t *testing.T) {
	t.Parallel()

	cases := []struct {
		touch, last EdgeState
		want        bool
	}{
		{EdgeNone, EdgeNone, false},
		{EdgeLeft, EdgeNone, true},
		{EdgeLeft, EdgeLeft, false},
		{EdgeRight, EdgeLeft, true},
		{EdgeTopLeft, EdgeTopLeft, false},
		{EdgeTopRight, EdgeTopLeft, true},
		{EdgeLeft, EdgeTopLeft, true},
	}
	for _, tc := range cases {
		if got := repositionPermitted(tc.touch, tc.last); got != tc.want {
			t.Errorf("repositionPermitted(%v, %v) = %v, want %v", tc.touch, tc.last, got, tc.want)
		}
	}
}

func TestEasing(t *testing.T) {
	t.Parallel()

	for _, e := range []Easing{EasingLinear, EasingEaseIn, EasingEaseOut, easingEaseInOut} {
		if got := e.Apply(-0.5); got != 0 {
			t.Errorf("%v.Apply(-0.5) = %v, want 0", e, got)
		}
		if got := e.Apply(1.5); got != 1 {
			t.Errorf("%v.Apply(1.5) = %v, want 1", e, got)
		}
		prev := 0.0
		for p := 0.0; p <= 1.0; p += 0.05 {
			v := e.Apply(p)
			if v < prev {
				t.Errorf("%v not monotonic at p=%v", e, p)
			}
			prev = v
		}
	}

	if ParseEasing("ease-in") != EasingEaseIn || ParseEasing("ease-out") != EasingEaseOut {
		t.Error("ParseEasing mapped named curves incorrectly")
	}
	if ParseEasing("anything-else") != EasingLinear {
		t.Error("ParseEasing default is not linear")
	}
}
