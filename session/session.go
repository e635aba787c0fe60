// Package session orchestrates one recording: capture workers, the
// order-preserving processing pipeline, the video encoder, and the
// fan-out to the MP4, WHEP, and RTMP sinks, with loss accounting at
// every bounded channel.
package session

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/terava/loupe/capture"
	"github.com/terava/loupe/codec"
	"github.com/terava/loupe/media"
	"github.com/terava/loupe/mp4"
	"github.com/terava/loupe/rtmp"
	"github.com/terava/loupe/tracker"
	"github.com/terava/loupe/whep"
)

// processingWorkers is the crop/resize pool size.
const processingWorkers = 3

// probeSamples is the default mean-capture-time probe count.
const probeSamples = 3

// Config assembles one recording session. Source is required; every
// sink and the cursor-follow crop are optional.
type Config struct {
	ScreenName string
	ScreenSize media.LogicalSize
	FPS        int
	Resolution media.Resolution

	Source capture.Factory

	// Cursor and Tracker together enable the adaptive crop; with either
	// nil the full screen is encoded.
	Cursor  capture.CursorMonitor
	Tracker *tracker.Config

	// Encoder overrides the default x264 encoder; tests inject fakes
	// here.
	Encoder codec.VideoEncoder

	MP4  *mp4.Sink
	WHEP *whep.Broadcaster
	RTMP *rtmp.Publisher

	// MixedAudio is the mixer's output; nil records video only. The
	// producer must close it after its final flush.
	MixedAudio      <-chan media.AudioBlock
	AudioSampleRate int
	AudioChannels   int
}

func (c *Config) validate() error {
	if c.Source == nil {
		return fmt.Errorf("session: capture source is required")
	}
	if c.FPS <= 0 {
		return fmt.Errorf("session: fps must be positive, got %d", c.FPS)
	}
	if c.ScreenSize.Width <= 0 || c.ScreenSize.Height <= 0 {
		return fmt.Errorf("session: invalid screen size %dx%d", c.ScreenSize.Width, c.ScreenSize.Height)
	}
	return nil
}

// indexedFrame is a raw frame stamped with its dense total index by the
// forward worker.
type indexedFrame struct {
	index uint64
	frame media.Frame
}

// processedFrame is one pool output awaiting reordering.
type processedFrame struct {
	index uint64
	img   *image.RGBA
}

// Session is the orchestrator. Start spawns the workers; Stop (or
// context cancellation) walks the shutdown ladder: capture drains
// forward, forward drains the pool, the collector flushes, the encoder
// flushes, and every sink receives its End marker before the session
// reports Stopped.
type Session struct {
	cfg   Config
	log   *slog.Logger
	stats *Stats

	encW, encH int

	status   atomic.Int32
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
	runErr   error

	crop atomic.Value // media.Rectangle
}

// New validates the configuration. Nothing runs until Start.
func New(cfg Config, logger *slog.Logger) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	w, h := cfg.Resolution.Dimensions(cfg.ScreenSize.Width, cfg.ScreenSize.Height)

	s := &Session{
		cfg:   cfg,
		log:   logger.With("component", "session"),
		stats: &Stats{},
		encW:  w,
		encH:  h,
		done:  make(chan struct{}),
	}
	s.crop.Store(media.FullScreen(cfg.ScreenSize))
	return s, nil
}

// Stats exposes the live counters.
func (s *Session) Stats() *Stats { return s.stats }

// Status reports the session state.
func (s *Session) Status() Status { return Status(s.status.Load()) }

// EncodeSize returns the encoder output dimensions.
func (s *Session) EncodeSize() (int, int) { return s.encW, s.encH }

// Start performs all fallible setup, then launches the workers. Setup
// failures abort before any worker is spawned.
func (s *Session) Start(ctx context.Context) error {
	if !s.status.CompareAndSwap(int32(StatusIdle), int32(StatusRecording)) {
		return ErrAlreadyRunning
	}

	enc := s.cfg.Encoder
	if enc == nil {
		var err error
		enc, err = codec.NewX264(codec.X264Options{
			Width:  s.encW,
			Height: s.encH,
			FPS:    s.cfg.FPS,
		})
		if err != nil {
			s.status.Store(int32(StatusIdle))
			return fmt.Errorf("session: open encoder: %w", err)
		}
	}

	var opusEnc *codec.OpusEncoder
	if s.cfg.WHEP != nil && s.cfg.MixedAudio != nil {
		var err error
		opusEnc, err = codec.NewOpus(s.cfg.AudioSampleRate, s.cfg.AudioChannels)
		if err != nil {
			enc.Close()
			s.status.Store(int32(StatusIdle))
			return fmt.Errorf("session: open opus encoder: %w", err)
		}
	}

	mean, err := capture.MeanCaptureTime(ctx, s.cfg.ScreenName, s.cfg.Source, probeSamples)
	if err != nil {
		enc.Close()
		s.status.Store(int32(StatusIdle))
		return fmt.Errorf("session: probe capture time: %w", err)
	}
	workers := capture.WorkerCount(mean, s.cfg.FPS)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.log.Info("session starting",
		"screen", s.cfg.ScreenName,
		"capture_workers", workers,
		"mean_capture_ms", mean.Milliseconds(),
		"encode_size", fmt.Sprintf("%dx%d", s.encW, s.encH),
		"fps", s.cfg.FPS)

	go s.run(runCtx, enc, opusEnc, workers)
	return nil
}

// Stop signals shutdown and waits for the ladder to complete. Safe to
// call more than once; every call waits and returns the same result.
func (s *Session) Stop() error {
	if s.Status() == StatusIdle {
		return ErrNotRunning
	}
	s.stopOnce.Do(func() {
		s.log.Info("stop requested")
		s.cancel()
	})
	<-s.done
	return s.runErr
}

// Wait blocks until the session finishes without requesting a stop.
func (s *Session) Wait() error {
	<-s.done
	return s.runErr
}

func (s *Session) run(ctx context.Context, enc codec.VideoEncoder, opusEnc *codec.OpusEncoder, workers int) {
	defer close(s.done)
	defer s.status.Store(int32(StatusStopped))

	captureCh := make(chan media.Frame, media.CaptureBufferSize)
	dispatchCh := make(chan indexedFrame, media.DispatchBufferSize)
	collectCh := make(chan processedFrame, media.DispatchBufferSize)
	encoderCh := make(chan media.ResizedFrame, media.EncoderBufferSize)

	s.startTracking(ctx)

	// Sink workers first, so fan-out never blocks on an unstarted
	// consumer.
	var sinks errgroup.Group
	var mp4Video, rtmpVideo, whepVideo chan media.SinkFrame
	var mp4Audio, rtmpAudio, whepAudio chan media.AudioBlock
	var mp4Done, rtmpDone chan struct{}

	if s.cfg.MP4 != nil {
		mp4Video = make(chan media.SinkFrame, media.SinkBufferSize)
		mp4Done = make(chan struct{})
		if s.cfg.MixedAudio != nil {
			mp4Audio = make(chan media.AudioBlock, media.AudioBufferSize)
		}
		sinks.Go(func() error {
			defer close(mp4Done)
			return s.cfg.MP4.Run(context.Background(), mp4Video, mp4Audio)
		})
	}
	if s.cfg.RTMP != nil {
		rtmpVideo = make(chan media.SinkFrame, media.SinkBufferSize)
		rtmpDone = make(chan struct{})
		if s.cfg.MixedAudio != nil {
			rtmpAudio = make(chan media.AudioBlock, media.AudioBufferSize)
		}
		sinks.Go(func() error {
			defer close(rtmpDone)
			return s.cfg.RTMP.Run(context.Background(), rtmpVideo, rtmpAudio)
		})
	}
	if s.cfg.WHEP != nil {
		whepVideo = make(chan media.SinkFrame, media.SinkBufferSize)
		if s.cfg.MixedAudio != nil {
			whepAudio = make(chan media.AudioBlock, media.AudioBufferSize)
		}
		sinks.Go(func() error {
			s.whepVideoWorker(whepVideo)
			return nil
		})
		if whepAudio != nil {
			sinks.Go(func() error {
				s.whepAudioWorker(whepAudio, opusEnc)
				return nil
			})
		}
	}

	if s.cfg.MixedAudio != nil {
		go s.audioTee(ctx, []chan media.AudioBlock{mp4Audio, rtmpAudio, whepAudio})
	}

	// Capture workers, staggered so capture times interleave.
	interval := time.Second / time.Duration(s.cfg.FPS)
	var wgCapture sync.WaitGroup
	for i := 0; i < workers; i++ {
		wgCapture.Add(1)
		go func(i int) {
			defer wgCapture.Done()
			s.captureWorker(ctx, i, interval, captureCh)
		}(i)
	}
	go func() {
		wgCapture.Wait()
		close(captureCh)
	}()

	// Forward worker: stamp the dense total index.
	go func() {
		defer close(dispatchCh)
		var index uint64
		for frame := range captureCh {
			dispatchCh <- indexedFrame{index: index, frame: frame}
			index++
		}
	}()

	// Processing pool.
	var wgPool sync.WaitGroup
	for i := 0; i < processingWorkers; i++ {
		wgPool.Add(1)
		go func() {
			defer wgPool.Done()
			for item := range dispatchCh {
				crop := s.crop.Load().(media.Rectangle)
				img := processFrame(item.frame, crop, s.encW, s.encH)
				collectCh <- processedFrame{index: item.index, img: img}
			}
		}()
	}
	go func() {
		wgPool.Wait()
		close(collectCh)
	}()

	// Collector: restore order, then feed the encoder with drop-on-full.
	go func() {
		defer close(encoderCh)
		col := newCollector(s.stats)
		emit := func(frames []media.ResizedFrame) {
			for _, f := range frames {
				select {
				case encoderCh <- f:
				default:
					s.stats.LostEncode.Add(1)
				}
			}
		}
		for item := range collectCh {
			emit(col.add(item.index, item.img))
		}
		emit(col.flush())
	}()

	s.encoderWorker(enc, encoderCh, sinkSet{
		mp4:      mp4Video,
		mp4Done:  mp4Done,
		rtmp:     rtmpVideo,
		rtmpDone: rtmpDone,
		whep:     whepVideo,
	})

	s.runErr = sinks.Wait()

	snap := s.stats.Snapshot()
	s.log.Info("session stopped",
		"captured", snap.Captured,
		"encoded", snap.Encoded,
		"lost_capture", snap.LostCapture,
		"lost_encode", snap.LostEncode,
		"late_drops", snap.LateDrops,
		"catch_ups", snap.CatchUps)
}

// startTracking wires the cursor monitor through the tracker into the
// shared crop rectangle. Without both pieces the crop stays full screen.
func (s *Session) startTracking(ctx context.Context) {
	if s.cfg.Cursor == nil || s.cfg.Tracker == nil {
		return
	}

	tr, err := tracker.New(*s.cfg.Tracker, s.log)
	if err != nil {
		s.log.Error("cursor tracker disabled", "error", err)
		return
	}

	samples := make(chan media.CursorPosition, media.UserBufferSize)
	rects := make(chan media.Rectangle, media.UserBufferSize)

	go func() {
		if err := s.cfg.Cursor.Run(ctx, samples); err != nil && ctx.Err() == nil {
			s.log.Error("cursor monitor failed", "error", err)
		}
	}()
	go func() {
		if err := tr.Run(ctx, samples, rects); err != nil && ctx.Err() == nil {
			s.log.Error("cursor tracker failed", "error", err)
		}
	}()
	go func() {
		for r := range rects {
			s.crop.Store(r)
		}
	}()
}

// captureWorker pulls frames from its own source until cancellation.
func (s *Session) captureWorker(ctx context.Context, id int, interval time.Duration, out chan<- media.Frame) {
	// Stagger start so worker capture times interleave.
	select {
	case <-time.After(time.Duration(id) * interval):
	case <-ctx.Done():
		return
	}

	src, err := s.cfg.Source()
	if err != nil {
		s.log.Error("capture worker failed to open source", "worker", id, "error", err)
		return
	}
	defer src.Close()

	log := s.log.With("worker", id)
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := src.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("capture failed", "error", err)
			continue
		}
		frame.ThreadID = id
		s.stats.Captured.Add(1)

		select {
		case out <- frame:
		default:
			s.stats.LostCapture.Add(1)
		}
	}
}

// sinkSet carries the per-sink video channels through the encoder
// worker.
type sinkSet struct {
	mp4      chan media.SinkFrame
	mp4Done  <-chan struct{}
	rtmp     chan media.SinkFrame
	rtmpDone <-chan struct{}
	whep     chan media.SinkFrame
}

// encoderWorker drains ordered frames through the encoder and fans the
// output to every sink, headers first.
func (s *Session) encoderWorker(enc codec.VideoEncoder, in <-chan media.ResizedFrame, sinks sinkSet) {
	defer enc.Close()

	headers := media.EncodedFrame{
		Data:             enc.Headers(),
		IsKeyframe:       true,
		IsSequenceHeader: true,
	}
	if len(headers.Data) > 0 {
		s.fanOut(headers, sinks)
	}

	windowStart := time.Now()
	windowFrames := 0

	for rf := range in {
		frame, ok, err := enc.Encode(rf.Image)
		if err != nil {
			s.stats.EncodeErrors.Add(1)
			s.log.Warn("encode failed", "index", rf.TotalIndex, "error", err)
			continue
		}
		if !ok {
			continue
		}
		s.stats.Encoded.Add(1)
		s.fanOut(frame, sinks)

		windowFrames++
		if elapsed := time.Since(windowStart); elapsed >= time.Second {
			s.stats.SetFPS(float64(windowFrames) / elapsed.Seconds())
			windowStart = time.Now()
			windowFrames = 0
		}
	}

	flushed, err := enc.Flush()
	if err != nil {
		s.log.Warn("encoder flush failed", "error", err)
	}
	for _, f := range flushed {
		s.stats.Encoded.Add(1)
		s.fanOut(f, sinks)
	}

	// End markers, then channel close as the hard backstop.
	for _, ch := range []chan media.SinkFrame{sinks.mp4, sinks.rtmp, sinks.whep} {
		if ch == nil {
			continue
		}
		select {
		case ch <- media.EndFrame():
		default:
		}
		close(ch)
	}
}

// fanOut delivers one encoded frame to every sink under each sink's drop
// policy: MP4 and WHEP drop on full, RTMP blocks for sequence headers
// and keyframes so GOPs stay decodable.
func (s *Session) fanOut(f media.EncodedFrame, sinks sinkSet) {
	body := media.BodyFrame(f)
	protected := f.IsKeyframe || f.IsSequenceHeader

	if sinks.mp4 != nil {
		if protected {
			select {
			case sinks.mp4 <- body:
			case <-sinks.mp4Done:
			}
		} else {
			select {
			case sinks.mp4 <- body:
			default:
				s.stats.LostMP4.Add(1)
			}
		}
	}

	if sinks.rtmp != nil {
		if protected {
			select {
			case sinks.rtmp <- body:
			case <-sinks.rtmpDone:
			}
		} else {
			select {
			case sinks.rtmp <- body:
			default:
				s.stats.LostRTMP.Add(1)
			}
		}
	}

	if sinks.whep != nil {
		select {
		case sinks.whep <- body:
		default:
			s.stats.LostWHEP.Add(1)
		}
	}
}

// whepVideoWorker pushes frames to the broadcaster, skipping all work
// while nobody is watching.
func (s *Session) whepVideoWorker(in <-chan media.SinkFrame) {
	bc := s.cfg.WHEP
	for f := range in {
		if f.Kind == media.VideoFrameEnd {
			return
		}
		if bc.PeerCount() == 0 {
			continue
		}
		if err := bc.WriteVideo(f.Frame); err != nil {
			s.log.Debug("whep video write failed", "error", err)
		}
	}
}

// whepAudioWorker Opus-encodes mixed blocks for the broadcaster. Encode
// work is skipped entirely with zero peers; the encoder's pending tail
// carries partial frames across blocks.
func (s *Session) whepAudioWorker(in <-chan media.AudioBlock, enc *codec.OpusEncoder) {
	bc := s.cfg.WHEP
	for block := range in {
		if bc.PeerCount() == 0 {
			continue
		}
		packets, err := enc.Encode(block.Samples)
		if err != nil {
			s.log.Debug("opus encode failed", "error", err)
			continue
		}
		for _, p := range packets {
			if err := bc.WriteAudio(p); err != nil {
				s.log.Debug("whep audio write failed", "error", err)
			}
		}
	}
}

// audioTee copies mixer output to every audio-consuming sink with
// drop-on-full, closing the sink channels when the mixer finishes. The
// mixer closes its output channel after flushing, so the tee keeps
// forwarding past cancellation until that flush has been delivered.
func (s *Session) audioTee(ctx context.Context, outs []chan media.AudioBlock) {
	defer func() {
		for _, ch := range outs {
			if ch != nil {
				close(ch)
			}
		}
	}()

	forward := func(block media.AudioBlock) {
		for _, ch := range outs {
			if ch == nil {
				continue
			}
			select {
			case ch <- block:
			default:
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			for block := range s.cfg.MixedAudio {
				forward(block)
			}
			return
		case block, ok := <-s.cfg.MixedAudio:
			if !ok {
				return
			}
			forward(block)
		}
	}
}
