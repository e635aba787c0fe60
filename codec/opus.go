package codec

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// opusFrameMS is the packet duration; 20 ms is the WebRTC default.
const opusFrameMS = 20

// maxOpusPacket bounds one encoded packet.
const maxOpusPacket = 1500

// OpusEncoder chunks float PCM into whole Opus frames. Partial tails are
// carried across calls so no samples are lost at block boundaries.
type OpusEncoder struct {
	enc      *opus.Encoder
	channels int
	frame    int // samples per frame, all channels
	pending  []float32
}

// NewOpus opens an encoder for the given stream shape. Opus accepts
// 8/12/16/24/48 kHz input.
func NewOpus(sampleRate, channels int) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("open opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:      enc,
		channels: channels,
		frame:    sampleRate * opusFrameMS / 1000 * channels,
	}, nil
}

// SamplesPerFrame returns the whole-frame chunk size in samples across
// all channels.
func (e *OpusEncoder) SamplesPerFrame() int { return e.frame }

// Encode appends the block to the pending buffer and encodes every
// complete frame in it.
func (e *OpusEncoder) Encode(samples []float32) ([][]byte, error) {
	e.pending = append(e.pending, samples...)

	var packets [][]byte
	buf := make([]byte, maxOpusPacket)
	for len(e.pending) >= e.frame {
		n, err := e.enc.EncodeFloat32(e.pending[:e.frame], buf)
		if err != nil {
			return packets, fmt.Errorf("opus encode: %w", err)
		}
		packets = append(packets, append([]byte(nil), buf[:n]...))
		e.pending = e.pending[e.frame:]
	}
	return packets, nil
}

// Flush pads the pending tail with silence to a whole frame and encodes
// it. Call once at shutdown.
func (e *OpusEncoder) Flush() ([][]byte, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}
	pad := make([]float32, e.frame-len(e.pending))
	return e.Encode(pad)
}
