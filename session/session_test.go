package session

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/terava/loupe/capture"
	"github.com/terava/loupe/media"
	"github.com/terava/loupe/tracker"
)

// fakeEncoder stands in for x264 so lifecycle tests stay deterministic
// and run without the codec.
type fakeEncoder struct {
	mu      sync.Mutex
	encoded int
	closed  bool
}

func (e *fakeEncoder) Headers() []byte {
	return []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xC0, 0x1F, 0xF4, 0x02, 0x80, 0x2D, 0xC8,
		0x00, 0x00, 0x00, 0x01, 0x68, 0xCB, 0x83, 0xCB, 0x20,
	}
}

func (e *fakeEncoder) Encode(img image.Image) (media.EncodedFrame, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.encoded
	e.encoded++
	return media.EncodedFrame{
		Data:        []byte{0x00, 0x00, 0x00, 0x01, 0x41, byte(n)},
		IsKeyframe:  n%30 == 0,
		TimestampMS: int64(n) * 33,
	}, true, nil
}

func (e *fakeEncoder) Flush() ([]media.EncodedFrame, error) { return nil, nil }

func (e *fakeEncoder) AnnexB() bool { return true }

func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEncoder) stats() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.encoded, e.closed
}

func testSessionConfig(enc *fakeEncoder) Config {
	size := media.LogicalSize{Width: 64, Height: 48}
	return Config{
		ScreenName: "synthetic-0",
		ScreenSize: size,
		FPS:        30,
		Resolution: media.ResolutionOriginal,
		Source:     capture.SyntheticFactory(size, 30, time.Millisecond),
		Encoder:    enc,
	}
}

func newTestSession(t *testing.T, enc *fakeEncoder) *Session {
	t.Helper()
	s, err := New(testSessionConfig(enc), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSessionConfigValidation(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.DiscardHandler)

	cfg := testSessionConfig(&fakeEncoder{})
	cfg.Source = nil
	if _, err := New(cfg, log); err == nil {
		t.Fatal("expected error for missing source")
	}

	cfg = testSessionConfig(&fakeEncoder{})
	cfg.FPS = 0
	if _, err := New(cfg, log); err == nil {
		t.Fatal("expected error for zero fps")
	}

	cfg = testSessionConfig(&fakeEncoder{})
	cfg.ScreenSize = media.LogicalSize{}
	if _, err := New(cfg, log); err == nil {
		t.Fatal("expected error for empty screen size")
	}
}

func TestSessionRecordsAndStops(t *testing.T) {
	t.Parallel()

	enc := &fakeEncoder{}
	s := newTestSession(t, enc)

	if got := s.Status(); got != StatusIdle {
		t.Fatalf("status = %v, want idle", got)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.Status(); got != StatusRecording {
		t.Fatalf("status = %v, want recording", got)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}

	time.Sleep(300 * time.Millisecond)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := s.Status(); got != StatusStopped {
		t.Fatalf("status = %v, want stopped", got)
	}

	snap := s.Stats().Snapshot()
	if snap.Captured == 0 {
		t.Fatal("no frames captured")
	}
	if snap.Encoded == 0 {
		t.Fatal("no frames encoded")
	}

	encoded, closed := enc.stats()
	if encoded == 0 {
		t.Fatal("encoder never called")
	}
	if !closed {
		t.Fatal("encoder not closed on shutdown")
	}
}

func TestSessionStopIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, &fakeEncoder{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	// Two stops racing within milliseconds must both succeed, with the
	// second simply waiting for the first shutdown to finish.
	var firstErr, secondErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		firstErr = s.Stop()
	}()
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		secondErr = s.Stop()
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stops did not complete within 1s")
	}

	if firstErr != nil || secondErr != nil {
		t.Fatalf("stop errors: %v, %v", firstErr, secondErr)
	}
	if got := s.Status(); got != StatusStopped {
		t.Fatalf("status = %v, want stopped", got)
	}
}

func TestSessionStopBeforeStart(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, &fakeEncoder{})
	if err := s.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop = %v, want ErrNotRunning", err)
	}
}

func TestSessionStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, &fakeEncoder{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	cancel()

	done := make(chan error, 1)
	go func() { done <- s.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("session did not stop after context cancel")
	}
	if got := s.Status(); got != StatusStopped {
		t.Fatalf("status = %v, want stopped", got)
	}
}

func TestAudioTeeForwardsFlushAfterCancel(t *testing.T) {
	t.Parallel()

	mixed := make(chan media.AudioBlock, 4)
	cfg := testSessionConfig(&fakeEncoder{})
	cfg.MixedAudio = mixed
	cfg.AudioSampleRate = 44100
	cfg.AudioChannels = 2
	s, err := New(cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Blocks the mixer flushes during finalize, after the stop signal,
	// must still reach the sinks before the tee closes them.
	mixed <- media.AudioBlock{Samples: []float32{0.1}, SampleRate: 44100, Channels: 2}
	mixed <- media.AudioBlock{Samples: []float32{0.2}, SampleRate: 44100, Channels: 2}
	close(mixed)

	out := make(chan media.AudioBlock, 4)
	s.audioTee(ctx, []chan media.AudioBlock{out})

	var got []media.AudioBlock
	for block := range out {
		got = append(got, block)
	}
	if len(got) != 2 {
		t.Fatalf("forwarded %d blocks, want 2", len(got))
	}
	if got[0].Samples[0] != 0.1 || got[1].Samples[0] != 0.2 {
		t.Fatalf("blocks out of order: %v", got)
	}
}

func TestSessionCursorTrackingUpdatesCrop(t *testing.T) {
	t.Parallel()

	// With a tracker wired the processing pool reads whatever rectangle
	// the tracker last published; this exercises the wiring end to end
	// without asserting specific crop values.
	enc := &fakeEncoder{}
	cfg := testSessionConfig(enc)
	cfg.Cursor = capture.NewSyntheticCursor(cfg.ScreenSize, 5*time.Millisecond)
	cfg.Tracker = &tracker.Config{
		FPS:                          cfg.FPS,
		ScreenSize:                   cfg.ScreenSize,
		TargetSize:                   media.LogicalSize{Width: 32, Height: 24},
		DebounceRadius:               4,
		StableRadius:                 4,
		FastMovingDuration:           10 * time.Millisecond,
		ZoomTransitionDuration:       20 * time.Millisecond,
		RepositionEdgeThreshold:      0.2,
		RepositionTransitionDuration: 20 * time.Millisecond,
		MaxStableRegionDuration:      50 * time.Millisecond,
	}

	s, err := New(cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if encoded, _ := enc.stats(); encoded == 0 {
		t.Fatal("no frames encoded with tracking enabled")
	}
}
