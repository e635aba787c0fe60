package mixer

import (
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavSink writes the mixed stream to a RIFF/WAVE file. Mono output is
// stored as 16-bit PCM, multichannel as 32-bit IEEE float. close
// finalizes the headers with the real chunk sizes.
type wavSink struct {
	file *os.File
	enc  *wav.Encoder
	mono bool
	ints *audio.IntBuffer
}

func newWAVSink(f *os.File, sampleRate, channels int, mono bool) *wavSink {
	bitDepth, format := 32, 3 // IEEE float
	if mono {
		bitDepth, format = 16, 1 // PCM
	}
	return &wavSink{
		file: f,
		enc:  wav.NewEncoder(f, sampleRate, bitDepth, channels, format),
		mono: mono,
		ints: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
			SourceBitDepth: bitDepth,
		},
	}
}

func (w *wavSink) write(samples []float32) error {
	if w.mono {
		w.ints.Data = w.ints.Data[:0]
		for _, s := range samples {
			w.ints.Data = append(w.ints.Data, int(clamp1(s)*32767))
		}
		return w.enc.Write(w.ints)
	}

	for _, s := range samples {
		if err := w.enc.WriteFrame(s); err != nil {
			return err
		}
	}
	return nil
}

func (w *wavSink) close() error {
	if err := w.enc.Close(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func clamp1(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
