// Package mixer combines any number of registered audio tracks into a
// single stream at a fixed target sample rate. Tracks may arrive at
// different rates, channel counts, and sample formats; the mixer aligns
// them in one-second blocks, resamples, folds channels, and fans the
// result out to a WAV file, a live channel, or both.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/terava/loupe/media"
)

const (
	// blockSeconds is the alignment unit: every mix pass consumes this
	// much audio from each track.
	blockSeconds = 1

	// padAfterSeconds bounds how far ahead the fastest track may run
	// before lagging tracks are padded with silence.
	padAfterSeconds = 3

	// maxTrackChannels caps per-track channel count; anything wider is
	// downmixed at registration.
	maxTrackChannels = 2

	defaultPollInterval = 250 * time.Millisecond
)

// Config holds the mixer-wide settings. At least one of WAVPath and
// Output must be set.
type Config struct {
	// TargetSampleRate is the output rate in hertz.
	TargetSampleRate int

	// MonoOutput folds the final mix down to a single channel.
	MonoOutput bool

	// WAVPath, when non-empty, enables the file sink.
	WAVPath string

	// Output, when non-nil, receives mixed blocks. Sends never block; a
	// full channel drops the block and logs.
	Output chan<- media.AudioBlock

	// ChannelSize is the per-track input channel capacity.
	ChannelSize int

	// PollInterval is how often Run drains inputs and attempts a mix
	// pass.
	PollInterval time.Duration
}

type track struct {
	spec     media.TrackSpec
	channels int // clamped to maxTrackChannels
	in       chan []float32
	buf      []float32
	closed   bool
}

// perBlock returns the sample count of one alignment block for this
// track, always a whole number of frames.
func (t *track) perBlock() int {
	return t.spec.SampleRate * t.channels * blockSeconds
}

// Mixer aligns and mixes registered tracks. Register every track with
// AddTrack before calling Run; the mixer is not safe for concurrent use
// beyond the track input channels.
type Mixer struct {
	cfg    Config
	log    *slog.Logger
	tracks []*track

	maxChannels int
	wav         *wavSink
	dropped     uint64
}

// New validates the configuration and returns an empty mixer.
func New(cfg Config, logger *slog.Logger) (*Mixer, error) {
	if cfg.TargetSampleRate <= 0 {
		return nil, fmt.Errorf("invalid target sample rate %d", cfg.TargetSampleRate)
	}
	if cfg.WAVPath == "" && cfg.Output == nil {
		return nil, errors.New("mixer needs at least one sink")
	}
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = media.AudioBufferSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mixer{
		cfg:         cfg,
		log:         logger.With("component", "audio-mixer"),
		maxChannels: 1,
	}, nil
}

// AddTrack registers a track and returns its input channel. Producers
// push raw interleaved samples as float32 values; for integer formats the
// values are the unscaled integers and the mixer normalizes them. Close
// the channel when the track ends.
func (m *Mixer) AddTrack(spec media.TrackSpec) chan<- []float32 {
	if spec.Channels > maxTrackChannels {
		m.log.Warn("clamping track channel count", "channels", spec.Channels)
	}
	t := &track{
		spec:     spec,
		channels: min(spec.Channels, maxTrackChannels),
		in:       make(chan []float32, m.cfg.ChannelSize),
	}
	if t.channels < 1 {
		t.channels = 1
	}
	if t.channels > m.maxChannels {
		m.maxChannels = t.channels
	}
	t.buf = make([]float32, 0, t.perBlock()*padAfterSeconds)
	m.tracks = append(m.tracks, t)

	m.log.Info("track registered",
		"sample_rate", spec.SampleRate,
		"channels", spec.Channels,
		"format", spec.SampleFormat)
	return t.in
}

// Run drains track inputs and mixes aligned blocks until ctx is
// cancelled, then flushes the remaining partial data and finalizes the
// sinks.
func (m *Mixer) Run(ctx context.Context) error {
	if len(m.tracks) == 0 {
		return errors.New("no tracks registered")
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.drain()
			m.flush()
			err := m.closeSinks()
			m.log.Info("mixer stopped", "dropped_blocks", m.dropped)
			return err
		case <-ticker.C:
			m.drain()
			m.mixReady()
		}
	}
}

// drain empties every track's input channel into its FIFO, converting
// integer samples to float in [-1, 1].
func (m *Mixer) drain() {
	for _, t := range m.tracks {
		if t.in == nil {
			continue
		}
		for {
			select {
			case samples, ok := <-t.in:
				if !ok {
					// A disconnected track contributes silence
					// from here on.
					m.log.Warn("track input closed", "sample_rate", t.spec.SampleRate)
					t.closed = true
					t.in = nil
				} else {
					t.buf = append(t.buf, convertToFloat(samples, t.spec)...)
				}
			default:
			}
			if t.in == nil {
				break
			}
			if len(t.in) == 0 {
				break
			}
		}
	}
}

// mixReady emits aligned blocks while every track can supply one. A track
// that stays short while another buffers padAfterSeconds of audio is
// padded with silence so one stalled source cannot dam the mix.
func (m *Mixer) mixReady() {
	for {
		allReady := true
		anyLive := false
		maxBuffered := 0
		for _, t := range m.tracks {
			per := t.perBlock()
			if len(t.buf) < per && !t.closed {
				allReady = false
			}
			if !t.closed || len(t.buf) > 0 {
				anyLive = true
			}
			if s := len(t.buf) / per; s > maxBuffered {
				maxBuffered = s
			}
		}
		if !anyLive {
			return
		}

		if !allReady {
			if maxBuffered < padAfterSeconds {
				return
			}
			m.log.Warn("padding lagging track with silence", "buffered_blocks", maxBuffered)
		}

		if !m.mixBlock(false) {
			return
		}
	}
}

// mixBlock pops one block from every track, mixes, and writes the sinks.
// In flush mode short tracks contribute whatever remains instead of being
// padded. Returns false when no track produced samples.
func (m *Mixer) mixBlock(flush bool) bool {
	type popped struct {
		t       *track
		samples []float32
	}
	var parts []popped

	for _, t := range m.tracks {
		per := t.perBlock()
		n := per
		if flush && len(t.buf) < per {
			// Whole frames only.
			n = len(t.buf) / t.channels * t.channels
		}
		if n == 0 {
			continue
		}
		if len(t.buf) < n {
			t.buf = append(t.buf, make([]float32, n-len(t.buf))...)
		}

		block := t.buf[:n]
		resampled := Resample(block, t.spec.SampleRate, m.cfg.TargetSampleRate, t.channels)
		out := make([]float32, len(resampled))
		copy(out, resampled)
		t.buf = t.buf[:copy(t.buf, t.buf[n:])]

		parts = append(parts, popped{t: t, samples: out})
	}

	if len(parts) == 0 {
		return false
	}

	// Unify channel counts, then mix by per-sample average.
	mixLen := 0
	for i := range parts {
		if parts[i].t.channels == 1 && m.maxChannels > 1 {
			parts[i].samples = monoToStereo(parts[i].samples)
		}
		if len(parts[i].samples) > mixLen {
			mixLen = len(parts[i].samples)
		}
	}

	mixed := make([]float32, mixLen)
	for _, p := range parts {
		for i, s := range p.samples {
			mixed[i] += s
		}
	}
	if len(parts) > 1 {
		for i := range mixed {
			mixed[i] /= float32(len(parts))
		}
	}

	outChannels := m.maxChannels
	if m.cfg.MonoOutput && m.maxChannels > 1 {
		mixed = stereoToMono(mixed)
		outChannels = 1
	}

	if len(m.tracks) > 1 {
		normalizePeak(mixed)
	}

	m.write(mixed, outChannels)
	return true
}

// flush pushes the remaining partial buffers through the same pipeline.
func (m *Mixer) flush() {
	for m.mixBlock(true) {
	}
}

func (m *Mixer) write(samples []float32, channels int) {
	if m.cfg.WAVPath != "" {
		if err := m.writeWAV(samples, channels); err != nil {
			m.log.Error("wav sink write failed", "error", err)
		}
	}

	if m.cfg.Output != nil {
		block := media.AudioBlock{
			Samples:    samples,
			SampleRate: m.cfg.TargetSampleRate,
			Channels:   channels,
			Timestamp:  time.Now(),
		}
		select {
		case m.cfg.Output <- block:
		default:
			m.dropped++
			m.log.Warn("output channel full, dropping mixed block")
		}
	}
}

func (m *Mixer) writeWAV(samples []float32, channels int) error {
	if m.wav == nil {
		f, err := os.Create(m.cfg.WAVPath)
		if err != nil {
			return fmt.Errorf("create wav file: %w", err)
		}
		m.wav = newWAVSink(f, m.cfg.TargetSampleRate, channels, m.cfg.MonoOutput)
	}
	return m.wav.write(samples)
}

func (m *Mixer) closeSinks() error {
	if m.cfg.Output != nil {
		close(m.cfg.Output)
	}
	if m.wav == nil {
		return nil
	}
	if err := m.wav.close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}

// convertToFloat maps raw samples into [-1, 1]. Integer-format tracks
// deliver unscaled integer values; dividing by 2^(bits-1) normalizes
// them.
func convertToFloat(samples []float32, spec media.TrackSpec) []float32 {
	if spec.SampleFormat.IsFloat() {
		return samples
	}
	bits := spec.BitsPerSample
	if bits == 0 {
		bits = spec.SampleFormat.BitsPerSample()
	}
	scale := float32(int64(1) << (bits - 1))
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = s / scale
	}
	return out
}

func monoToStereo(in []float32) []float32 {
	out := make([]float32, 0, len(in)*2)
	for _, s := range in {
		out = append(out, s, s)
	}
	return out
}

func stereoToMono(in []float32) []float32 {
	out := make([]float32, 0, (len(in)+1)/2)
	for i := 0; i+1 < len(in); i += 2 {
		out = append(out, (in[i]+in[i+1])/2)
	}
	if len(in)%2 == 1 {
		out = append(out, in[len(in)-1])
	}
	return out
}

// normalizePeak rescales in place when the peak exceeds full scale.
func normalizePeak(samples []float32) {
	var peak float32
	for _, s := range samples {
		if a := abs32(s); a > peak {
			peak = a
		}
	}
	if peak > 1 {
		for i := range samples {
			samples[i] /= peak
		}
	}
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
