// Package mp4 writes the encoded session output to a fragmented MP4
// file: one avc1 video track and, when audio is enabled, one mp4a track
// AAC-encoded inside the sink. Fragments are cut at keyframe boundaries
// so every segment starts decodable.
package mp4

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/terava/loupe/codec"
	"github.com/terava/loupe/h264"
	"github.com/terava/loupe/media"
)

const (
	videoTimescale = 90000
	aacFrameLength = 1024
)

// Config selects the output path and stream shapes.
type Config struct {
	Path string
	FPS  int

	// AnnexBInput marks the video stream as start-code framed; the sink
	// converts to length prefixes.
	AnnexBInput bool

	// AudioEnabled adds the mp4a track fed from the mixed audio channel.
	AudioEnabled    bool
	AudioSampleRate int
	AudioChannels   int
}

// Sink is the MP4 fan-out worker.
type Sink struct {
	cfg  Config
	log  *slog.Logger
	file *os.File

	init         *mp4.InitSegment
	videoTrackID uint32
	audioTrackID uint32
	initWritten  bool

	aacEnc *codec.AACEncoder

	seq          uint32
	videoPending []mp4.FullSample
	audioPending []mp4.FullSample
	videoTime    uint64
	audioTime    uint64
}

// NewSink creates the output file. Track descriptors are completed when
// the sequence header arrives.
func NewSink(cfg Config, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Create(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("create mp4 file: %w", err)
	}

	s := &Sink{
		cfg:  cfg,
		log:  logger.With("component", "mp4-sink"),
		file: f,
	}

	if cfg.AudioEnabled {
		s.aacEnc, err = codec.NewAAC(cfg.AudioSampleRate, cfg.AudioChannels)
		if err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

// Run consumes the video and audio channels until the End marker (or
// channel close), then finalizes the file. audio may be nil.
func (s *Sink) Run(ctx context.Context, video <-chan media.SinkFrame, audio <-chan media.AudioBlock) error {
	defer s.file.Close()

	for {
		select {
		case <-ctx.Done():
			return s.finish()

		case frame, ok := <-video:
			if !ok || frame.Kind == media.VideoFrameEnd {
				return s.finish()
			}
			if err := s.onVideo(frame.Frame); err != nil {
				s.log.Error("video sample failed", "error", err)
			}

		case block, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			if err := s.onAudio(block); err != nil {
				s.log.Error("audio sample failed", "error", err)
			}
		}
	}
}

func (s *Sink) onVideo(f media.EncodedFrame) error {
	data := f.Data
	if s.cfg.AnnexBInput {
		data = h264.AnnexBToAVCC(data)
	}

	if f.IsSequenceHeader {
		return s.setupTracks(f.Data)
	}
	if !s.initWritten {
		// Body before headers: drop rather than write an undecodable
		// file.
		return fmt.Errorf("video frame before sequence header")
	}

	// A keyframe closes the previous fragment so each one starts with
	// an IDR.
	if f.IsKeyframe && len(s.videoPending) > 0 {
		if err := s.writeSegment(); err != nil {
			return err
		}
	}

	flags := mp4.NonSyncSampleFlags
	if f.IsKeyframe {
		flags = mp4.SyncSampleFlags
	}

	dur := uint32(videoTimescale / max(s.cfg.FPS, 1))
	s.videoPending = append(s.videoPending, mp4.FullSample{
		Sample: mp4.Sample{
			Flags: flags,
			Dur:   dur,
			Size:  uint32(len(data)),
		},
		DecodeTime: s.videoTime,
		Data:       data,
	})
	s.videoTime += uint64(dur)
	return nil
}

func (s *Sink) onAudio(block media.AudioBlock) error {
	if s.aacEnc == nil {
		return nil
	}
	frames, err := s.aacEnc.Encode(block.Samples)
	if err != nil {
		return err
	}
	for _, data := range frames {
		s.audioPending = append(s.audioPending, mp4.FullSample{
			Sample: mp4.Sample{
				Flags: mp4.SyncSampleFlags,
				Dur:   aacFrameLength,
				Size:  uint32(len(data)),
			},
			DecodeTime: s.audioTime,
			Data:       data,
		})
		s.audioTime += aacFrameLength
	}
	return nil
}

// setupTracks builds the init segment from the Annex-B headers blob and
// writes it.
func (s *Sink) setupTracks(annexbHeaders []byte) error {
	if s.initWritten {
		return nil
	}

	sps, pps := h264.ExtractParameterSets(annexbHeaders)
	if sps == nil || pps == nil {
		return fmt.Errorf("sequence header missing SPS or PPS")
	}

	s.init = mp4.CreateEmptyInit()

	s.init.AddEmptyTrack(videoTimescale, "video", "und")
	videoTrak := s.init.Moov.Traks[0]
	s.videoTrackID = videoTrak.Tkhd.TrackID
	if err := videoTrak.SetAVCDescriptor("avc1", [][]byte{sps}, [][]byte{pps}, true); err != nil {
		return fmt.Errorf("avc descriptor: %w", err)
	}

	if s.cfg.AudioEnabled {
		s.init.AddEmptyTrack(uint32(s.cfg.AudioSampleRate), "audio", "und")
		audioTrak := s.init.Moov.Traks[1]
		s.audioTrackID = audioTrak.Tkhd.TrackID
		if err := audioTrak.SetAACDescriptor(2, s.cfg.AudioSampleRate); err != nil {
			return fmt.Errorf("aac descriptor: %w", err)
		}
	}

	if err := s.init.Encode(s.file); err != nil {
		return fmt.Errorf("write init segment: %w", err)
	}
	s.initWritten = true

	info, _ := h264.ParseSPS(sps)
	s.log.Info("mp4 tracks initialized",
		"width", info.Width, "height", info.Height,
		"audio", s.cfg.AudioEnabled)
	return nil
}

// writeSegment flushes pending samples as one fragment per track.
func (s *Sink) writeSegment() error {
	if !s.initWritten {
		return nil
	}

	if len(s.videoPending) > 0 {
		s.seq++
		frag, err := mp4.CreateFragment(s.seq, s.videoTrackID)
		if err != nil {
			return fmt.Errorf("create video fragment: %w", err)
		}
		for _, sample := range s.videoPending {
			frag.AddFullSample(sample)
		}
		if err := frag.Encode(s.file); err != nil {
			return fmt.Errorf("write video fragment: %w", err)
		}
		s.videoPending = s.videoPending[:0]
	}

	if len(s.audioPending) > 0 {
		s.seq++
		frag, err := mp4.CreateFragment(s.seq, s.audioTrackID)
		if err != nil {
			return fmt.Errorf("create audio fragment: %w", err)
		}
		for _, sample := range s.audioPending {
			frag.AddFullSample(sample)
		}
		if err := frag.Encode(s.file); err != nil {
			return fmt.Errorf("write audio fragment: %w", err)
		}
		s.audioPending = s.audioPending[:0]
	}

	return nil
}

// finish flushes buffered samples and closes the encoder.
func (s *Sink) finish() error {
	err := s.writeSegment()
	if s.aacEnc != nil {
		s.aacEnc.Close()
	}
	if err != nil {
		s.log.Error("final segment write failed", "error", err)
		return err
	}
	s.log.Info("mp4 finalized",
		"video_duration_s", float64(s.videoTime)/videoTimescale,
		"path", s.cfg.Path)
	return nil
}
