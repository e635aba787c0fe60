package rtmp

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/terava/loupe/codec"
	"github.com/terava/loupe/h264"
	"github.com/terava/loupe/media"
)

// wire is the transport surface the publisher drives. Client implements
// it; tests substitute a recording fake.
type wire interface {
	SendVideo(timestamp uint32, data []byte, keyframe, sequenceHeader bool) error
	SendAudio(timestamp uint32, data []byte, sequenceHeader bool) error
	Buffered() int
	Service() error
	Close() error
}

const (
	idleSleep      = time.Millisecond
	congestedSleep = 10 * time.Millisecond
)

// Publisher is the RTMP fan-out worker: it AAC-encodes the mixed audio,
// converts video to length-prefix form, and enforces the
// keyframe-preserving drop policy in front of the wire.
type Publisher struct {
	cfg  Config
	log  *slog.Logger
	wire wire

	aacEnc *codec.AACEncoder

	queue     []media.SinkFrame
	dropped   atomic.Uint64
	aacFrames int64
}

// NewPublisher dials the server and prepares the audio encoder.
func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	client, err := Dial(cfg, logger)
	if err != nil {
		return nil, err
	}
	return newPublisher(cfg, client, logger)
}

func newPublisher(cfg Config, w wire, logger *slog.Logger) (*Publisher, error) {
	cfg.applyDefaults()
	p := &Publisher{
		cfg:  cfg,
		log:  logger.With("component", "rtmp-publisher"),
		wire: w,
	}

	if cfg.AudioEnabled {
		enc, err := codec.NewAAC(cfg.AudioSampleRate, cfg.AudioChannels)
		if err != nil {
			w.Close()
			return nil, err
		}
		p.aacEnc = enc
	}
	return p, nil
}

// Dropped returns the count of video frames discarded by the backlog
// policy.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// Run forwards media until the End marker or context cancellation, then
// disconnects. audio may be nil.
func (p *Publisher) Run(ctx context.Context, video <-chan media.SinkFrame, audio <-chan media.AudioBlock) error {
	defer p.close()

	if p.aacEnc != nil {
		if err := p.wire.SendAudio(0, p.aacEnc.Config(), true); err != nil {
			return fmt.Errorf("send AAC sequence header: %w", err)
		}
	}

	for {
		if err := p.wire.Service(); err != nil {
			return err
		}

		// A full write buffer pauses encoding input; only ACK traffic
		// is serviced until the server catches up.
		if p.wire.Buffered() > p.cfg.MaxWriteBuffer {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(congestedSleep):
			}
			continue
		}

		idle := true

		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame, ok := <-video:
			if !ok || frame.Kind == media.VideoFrameEnd {
				return p.finish(audio)
			}
			p.enqueue(frame, video)
			idle = false

		case block, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			if err := p.sendAudioBlock(block); err != nil {
				p.log.Error("audio send failed", "error", err)
			}
			idle = false

		default:
		}

		end, err := p.dequeue()
		if err != nil {
			return err
		}
		if end {
			return p.finish(audio)
		}

		if idle && len(p.queue) == 0 {
			time.Sleep(idleSleep)
		}
	}
}

// enqueue adds the frame and drains whatever else the channel holds, so
// the backlog policy sees the true queue depth.
func (p *Publisher) enqueue(frame media.SinkFrame, video <-chan media.SinkFrame) {
	p.queue = append(p.queue, frame)
	for {
		select {
		case f, ok := <-video:
			if !ok || f.Kind == media.VideoFrameEnd {
				// Terminal marker goes to the tail; dequeue stops there.
				p.queue = append(p.queue, media.EndFrame())
				return
			}
			p.queue = append(p.queue, f)
		default:
			return
		}
	}
}

// dequeue sends queued frames, fast-forwarding to the next keyframe when
// the backlog exceeds the limit. Sequence headers and keyframes are
// never dropped. Reports whether the End marker was reached.
func (p *Publisher) dequeue() (bool, error) {
	for len(p.queue) > 0 {
		head := p.queue[0]
		if head.Kind == media.VideoFrameEnd {
			p.queue = nil
			return true, nil
		}

		if len(p.queue) > p.cfg.MaxFrameBacklog && !p.protected(head) {
			n := p.dropToKeyframe()
			p.dropped.Add(uint64(n))
			p.log.Info("dropped frames to next keyframe",
				"dropped", n, "backlog", len(p.queue), "total_dropped", p.Dropped())
			continue
		}

		p.queue = p.queue[1:]
		if err := p.sendVideoFrame(head.Frame); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (p *Publisher) protected(f media.SinkFrame) bool {
	return f.Frame.IsKeyframe || f.Frame.IsSequenceHeader
}

// dropToKeyframe discards frames from the queue head until a protected
// frame (or the End marker) is next; returns the number dropped.
func (p *Publisher) dropToKeyframe() int {
	n := 0
	for len(p.queue) > 0 {
		head := p.queue[0]
		if head.Kind == media.VideoFrameEnd || p.protected(head) {
			break
		}
		p.queue = p.queue[1:]
		n++
	}
	return n
}

func (p *Publisher) sendVideoFrame(f media.EncodedFrame) error {
	ts := uint32(f.TimestampMS)

	if f.IsSequenceHeader {
		record := h264.BuildDecoderConfigFromHeaders(f.Data)
		if record == nil {
			return fmt.Errorf("sequence header without SPS/PPS")
		}
		return p.wire.SendVideo(0, record, true, true)
	}

	return p.wire.SendVideo(ts, h264.AnnexBToAVCC(f.Data), f.IsKeyframe, false)
}

func (p *Publisher) sendAudioBlock(block media.AudioBlock) error {
	if p.aacEnc == nil {
		return nil
	}

	frames, err := p.aacEnc.Encode(block.Samples)
	if err != nil {
		return err
	}

	for _, frame := range frames {
		// Each AAC frame covers 1024 PCM frames.
		ts := uint32(p.aacFrames * 1024 * 1000 / int64(p.cfg.AudioSampleRate))
		if err := p.wire.SendAudio(ts, frame, false); err != nil {
			return err
		}
		p.aacFrames++
	}
	return nil
}

// finish drains the queue and any trailing audio, then lets the deferred
// close disconnect.
func (p *Publisher) finish(audio <-chan media.AudioBlock) error {
	if _, err := p.dequeue(); err != nil {
		return err
	}
	if audio != nil {
		for {
			select {
			case block, ok := <-audio:
				if !ok {
					return p.wire.Service()
				}
				if err := p.sendAudioBlock(block); err != nil {
					p.log.Error("audio send failed", "error", err)
				}
			default:
				return p.wire.Service()
			}
		}
	}
	return p.wire.Service()
}

func (p *Publisher) close() {
	if p.aacEnc != nil {
		p.aacEnc.Close()
	}
	if err := p.wire.Close(); err != nil {
		p.log.Debug("close failed", "error", err)
	}
	p.log.Info("rtmp disconnected", "dropped_frames", p.Dropped())
}
