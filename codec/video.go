// Package codec wraps the H.264, AAC, and Opus encoders behind small
// facades with explicit header, encode, and flush phases, so the session
// and sinks never touch encoder-library types directly.
package codec

import (
	"bytes"
	"fmt"
	"image"

	"github.com/gen2brain/x264-go"

	"github.com/terava/loupe/h264"
	"github.com/terava/loupe/media"
)

// VideoEncoder is the contract the session drives. Headers returns the
// Annex-B SPS+PPS blob once available; AnnexB reports the output framing
// so sinks know whether to convert.
type VideoEncoder interface {
	Headers() []byte
	Encode(img image.Image) (media.EncodedFrame, bool, error)
	Flush() ([]media.EncodedFrame, error)
	AnnexB() bool
	Close() error
}

// X264Options selects the encoder tuning.
type X264Options struct {
	Width   int
	Height  int
	FPS     int
	Preset  string // ultrafast .. placebo
	Tune    string // zerolatency for live sinks
	Profile string // baseline, main, high
}

// X264Encoder drives libx264 through x264-go. The library writes Annex-B
// NAL units into an io.Writer; the facade captures them per call and
// derives keyframe and header flags from the NAL types.
type X264Encoder struct {
	enc     *x264.Encoder
	buf     bytes.Buffer
	headers []byte
	fps     int
	frames  int64
}

// NewX264 opens an encoder. The parameter-set headers are captured from
// the library's initial write.
func NewX264(opts X264Options) (*X264Encoder, error) {
	if opts.Preset == "" {
		opts.Preset = "veryfast"
	}
	if opts.Tune == "" {
		opts.Tune = "zerolatency"
	}
	if opts.Profile == "" {
		opts.Profile = "high"
	}

	e := &X264Encoder{fps: opts.FPS}

	enc, err := x264.NewEncoder(&e.buf, &x264.Options{
		Width:     opts.Width,
		Height:    opts.Height,
		FrameRate: opts.FPS,
		Preset:    opts.Preset,
		Tune:      opts.Tune,
		Profile:   opts.Profile,
	})
	if err != nil {
		return nil, fmt.Errorf("open x264 encoder: %w", err)
	}
	e.enc = enc

	// libx264 emits SPS/PPS (and SEI) on open.
	e.headers = append([]byte(nil), e.buf.Bytes()...)
	e.buf.Reset()

	return e, nil
}

// Headers returns the Annex-B SPS+PPS blob.
func (e *X264Encoder) Headers() []byte { return e.headers }

// AnnexB reports that output frames are start-code framed.
func (e *X264Encoder) AnnexB() bool { return true }

// Encode submits one picture. The boolean is false when the encoder
// buffered the picture without producing output.
func (e *X264Encoder) Encode(img image.Image) (media.EncodedFrame, bool, error) {
	if err := e.enc.Encode(img); err != nil {
		return media.EncodedFrame{}, false, fmt.Errorf("x264 encode: %w", err)
	}

	if e.buf.Len() == 0 {
		return media.EncodedFrame{}, false, nil
	}

	data := append([]byte(nil), e.buf.Bytes()...)
	e.buf.Reset()

	frame := e.wrap(data)
	return frame, true, nil
}

// Flush drains delayed frames at shutdown. The library writes them as
// one blob; splitAccessUnits regroups it into per-picture frames.
func (e *X264Encoder) Flush() ([]media.EncodedFrame, error) {
	if err := e.enc.Flush(); err != nil {
		return nil, fmt.Errorf("x264 flush: %w", err)
	}

	data := e.buf.Bytes()
	e.buf.Reset()

	var out []media.EncodedFrame
	for _, au := range splitAccessUnits(data) {
		out = append(out, e.wrap(au))
	}
	return out, nil
}

// Close releases the encoder.
func (e *X264Encoder) Close() error { return e.enc.Close() }

func (e *X264Encoder) wrap(data []byte) media.EncodedFrame {
	ts := int64(0)
	if e.fps > 0 {
		ts = e.frames * 1000 / int64(e.fps)
	}
	e.frames++
	return media.EncodedFrame{
		Data:             data,
		IsKeyframe:       h264.ContainsKeyframe(data),
		IsSequenceHeader: h264.ContainsParameterSets(data),
		TimestampMS:      ts,
	}
}

// splitAccessUnits regroups a concatenated Annex-B blob into access
// units. A slice NAL (IDR or non-IDR) terminates the unit it belongs to;
// leading SPS/PPS/SEI stay attached to the following slice.
func splitAccessUnits(data []byte) [][]byte {
	units := h264.ParseAnnexB(data)
	if len(units) == 0 {
		return nil
	}

	var out [][]byte
	var current []byte
	for _, u := range units {
		current = append(current, 0, 0, 0, 1)
		current = append(current, u.Data...)
		if u.Type == h264.NALTypeIDR || u.Type == h264.NALTypeSlice {
			out = append(out, current)
			current = nil
		}
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}
