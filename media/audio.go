package media

import "time"

// SampleFormat is the on-the-wire sample encoding of an audio track as
// registered with the mixer.
type SampleFormat int

const (
	SampleFormatFloat32 SampleFormat = iota
	SampleFormatInt16
	SampleFormatInt24
	SampleFormatInt32
)

// BitsPerSample returns the sample width implied by the format.
func (f SampleFormat) BitsPerSample() int {
	switch f {
	case SampleFormatInt16:
		return 16
	case SampleFormatInt24:
		return 24
	default:
		return 32
	}
}

// IsFloat reports whether samples are IEEE float rather than scaled ints.
func (f SampleFormat) IsFloat() bool {
	return f == SampleFormatFloat32
}

// TrackSpec describes one audio track at registration time. It is bound
// once when the track is added to the mixer and immutable thereafter.
type TrackSpec struct {
	SampleRate    int
	Channels      int
	SampleFormat  SampleFormat
	BitsPerSample int
}

// AudioBlock is one chunk of interleaved float PCM from a source.
type AudioBlock struct {
	Samples    []float32
	SampleRate int
	Channels   int
	Timestamp  time.Time
}
