package audio

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jfreymuth/pulse"

	"github.com/terava/loupe/media"
)

// SourceConfig configures one PulseAudio capture source.
type SourceConfig struct {
	// Device is the PulseAudio source ID; empty selects the default
	// device (for the speaker source, the default sink's monitor).
	Device string

	// SampleRate is the requested capture rate; the server resamples.
	SampleRate int

	// Stereo requests two channels instead of one.
	Stereo bool

	// Gain, Gate, and Levels are optional hot-path hooks.
	Gain   *Gain
	Gate   *Gate
	Levels chan<- float32
}

// CaptureSource records from a PulseAudio source and pushes float32
// blocks into a mixer track channel. Sends never block; a full channel
// drops the block and counts it.
type CaptureSource struct {
	log    *slog.Logger
	client *pulse.Client
	stream *pulse.RecordStream

	spec  media.TrackSpec
	out   chan<- []float32
	gain  *Gain
	gate  *Gate
	meter *Meter

	dropped atomic.Uint64
}

// NewMicSource opens the configured (or default) input device.
func NewMicSource(cfg SourceConfig, out chan<- []float32, logger *slog.Logger) (*CaptureSource, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName("loupe"))
	if err != nil {
		return nil, fmt.Errorf("connect pulseaudio: %w", err)
	}

	var src *pulse.Source
	if cfg.Device != "" {
		src, err = client.SourceByID(cfg.Device)
	} else {
		src, err = client.DefaultSource()
	}
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve input source: %w", err)
	}

	return newCaptureSource(client, src, cfg, out, "mic-source", logger)
}

// NewSpeakerSource opens the monitor of the default sink (or of the
// configured device), capturing whatever the system is playing.
func NewSpeakerSource(cfg SourceConfig, out chan<- []float32, logger *slog.Logger) (*CaptureSource, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName("loupe"))
	if err != nil {
		return nil, fmt.Errorf("connect pulseaudio: %w", err)
	}

	monitorID := cfg.Device
	if monitorID == "" {
		sink, err := client.DefaultSink()
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("resolve default sink: %w", err)
		}
		monitorID = sink.ID() + ".monitor"
	}

	src, err := client.SourceByID(monitorID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve monitor source %q: %w", monitorID, err)
	}

	return newCaptureSource(client, src, cfg, out, "speaker-source", logger)
}

func newCaptureSource(client *pulse.Client, src *pulse.Source, cfg SourceConfig, out chan<- []float32, component string, logger *slog.Logger) (*CaptureSource, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if logger == nil {
		logger = slog.Default()
	}

	channels := 1
	chanOpt := pulse.RecordMono
	if cfg.Stereo {
		channels = 2
		chanOpt = pulse.RecordStereo
	}

	s := &CaptureSource{
		log:    logger.With("component", component),
		client: client,
		spec: media.TrackSpec{
			SampleRate:    cfg.SampleRate,
			Channels:      channels,
			SampleFormat:  media.SampleFormatFloat32,
			BitsPerSample: 32,
		},
		out:  out,
		gain: cfg.Gain,
		gate: cfg.Gate,
	}
	if cfg.Levels != nil {
		s.meter = NewMeter(cfg.Levels, 0.4)
	}

	stream, err := client.NewRecord(pulse.Float32Writer(s.consume),
		pulse.RecordSource(src),
		pulse.RecordSampleRate(cfg.SampleRate),
		chanOpt,
		pulse.RecordLatency(0.1),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open record stream on %q: %w", src.ID(), err)
	}
	s.stream = stream

	s.log.Info("capture source opened",
		"device", src.ID(),
		"sample_rate", cfg.SampleRate,
		"channels", channels)
	return s, nil
}

// consume is the record callback. It owns the gate -> gain -> meter
// ordering so a closed gate mutes before amplification.
func (s *CaptureSource) consume(p []float32) (int, error) {
	block := make([]float32, len(p))
	copy(block, p)

	if s.gate != nil {
		s.gate.Process(block)
	}
	if s.gain != nil {
		s.gain.Apply(block)
	}
	if s.meter != nil {
		s.meter.Observe(block)
	}

	select {
	case s.out <- block:
	default:
		s.dropped.Add(1)
	}
	return len(p), nil
}

// Spec returns the track spec to register with the mixer.
func (s *CaptureSource) Spec() media.TrackSpec { return s.spec }

// Dropped returns how many blocks were discarded on a full track channel.
func (s *CaptureSource) Dropped() uint64 { return s.dropped.Load() }

// Start begins capture.
func (s *CaptureSource) Start() { s.stream.Start() }

// Close stops the stream, closes the mixer track channel, and releases
// the PulseAudio connection.
func (s *CaptureSource) Close() {
	s.stream.Stop()
	s.stream.Close()
	s.client.Close()
	close(s.out)
	s.log.Info("capture source closed", "dropped_blocks", s.dropped.Load())
}
