// Package media defines the frame and audio types that flow through the
// loupe recording pipeline, from screen capture through encoding and
// sink fan-out.
package media

import (
	"image"
	"time"
)

// Channel buffer sizes shared by producers and consumers across the
// pipeline. Sized to absorb jitter without excessive memory: roughly two
// seconds of video at 60 fps on the encoder path, shallower per-worker
// dispatch queues.
const (
	CaptureBufferSize  = 128
	DispatchBufferSize = 64
	EncoderBufferSize  = 128
	SinkBufferSize     = 128
	AudioBufferSize    = 1024
	UserBufferSize     = 64
)

// PixelFormat identifies the raw layout of captured pixel data.
type PixelFormat int

const (
	// PixelFormatARGB8888 is the compositor's native 32-bit layout,
	// one byte each of alpha, red, green, blue per pixel.
	PixelFormatARGB8888 PixelFormat = iota
)

// Frame is one raw captured picture as produced by a capture worker.
// It is immutable after creation and consumed exactly once by the
// processing pool, which discards it after crop and resize.
type Frame struct {
	ThreadID     int
	CaptureIndex uint64
	CaptureTime  time.Duration
	WallTime     time.Time
	PixelData    []byte
	Width        int
	Height       int
	Format       PixelFormat
}

// ResizedFrame is a processed frame ready for the encoder. TotalIndex is
// the dense monotonic sequence number assigned by the order-forward stage;
// the collector uses it to restore capture order after the parallel
// processing pool.
type ResizedFrame struct {
	TotalIndex uint64
	Image      *image.RGBA
}

// EncodedFrame is one H.264 access unit emitted by the video encoder in
// Annex-B form. Keyframe and sequence-header flags are derived by parsing
// the NAL types so each sink can apply its own drop policy.
type EncodedFrame struct {
	Data             []byte
	IsKeyframe       bool
	IsSequenceHeader bool
	TimestampMS      int64
}

// VideoFrameKind discriminates items on a sink's video channel.
type VideoFrameKind int

const (
	// VideoFrameBody carries encoded frame bytes.
	VideoFrameBody VideoFrameKind = iota
	// VideoFrameEnd is the terminal marker: the sink flushes and exits.
	VideoFrameEnd
)

// SinkFrame is the per-sink copy of the encoded video stream. End-of-stream
// is signalled in-band so every sink observes the full frame sequence
// before tearing down.
type SinkFrame struct {
	Kind  VideoFrameKind
	Frame EncodedFrame
}

// EndFrame returns the terminal sink marker.
func EndFrame() SinkFrame {
	return SinkFrame{Kind: VideoFrameEnd}
}

// BodyFrame wraps an encoded frame for a sink channel.
func BodyFrame(f EncodedFrame) SinkFrame {
	return SinkFrame{Kind: VideoFrameBody, Frame: f}
}
