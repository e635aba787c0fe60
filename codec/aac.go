package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/gen2brain/aac-go"
)

// aacBitrate is fixed at 128 kbps CBR for every sink.
const aacBitrate = 128000

// samplingFrequencyIndex maps rates to the MPEG-4 audio table.
var samplingFrequencyIndex = map[int]byte{
	96000: 0, 88200: 1, 64000: 2, 48000: 3, 44100: 4, 32000: 5,
	24000: 6, 22050: 7, 16000: 8, 12000: 9, 11025: 10, 8000: 11,
}

// AACEncoder converts float PCM blocks into raw AAC-LC frames. The
// underlying library emits an ADTS stream; the facade strips the 7-byte
// headers so sinks get raw frames plus a separate AudioSpecificConfig.
type AACEncoder struct {
	enc        *aac.Encoder
	buf        bytes.Buffer
	adtsTail   []byte
	sampleRate int
	channels   int
}

// NewAAC opens an AAC-LC encoder for the given stream shape.
func NewAAC(sampleRate, channels int) (*AACEncoder, error) {
	if _, ok := samplingFrequencyIndex[sampleRate]; !ok {
		return nil, fmt.Errorf("unsupported AAC sample rate %d", sampleRate)
	}

	e := &AACEncoder{sampleRate: sampleRate, channels: channels}
	enc, err := aac.NewEncoder(&e.buf, &aac.Options{
		SampleRate:  sampleRate,
		NumChannels: channels,
	})
	if err != nil {
		return nil, fmt.Errorf("open aac encoder: %w", err)
	}
	e.enc = enc
	return e, nil
}

// Config builds the 2-byte AudioSpecificConfig (AAC-LC) that MP4 and
// RTMP sinks send before the first frame.
func (e *AACEncoder) Config() []byte {
	const objectTypeLC = 2
	freq := samplingFrequencyIndex[e.sampleRate]
	return []byte{
		objectTypeLC<<3 | freq>>1,
		freq<<7 | byte(e.channels)<<3,
	}
}

// Encode submits one block of interleaved float PCM and returns zero or
// more complete raw AAC frames.
func (e *AACEncoder) Encode(samples []float32) ([][]byte, error) {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(clampUnit(s) * 32767)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}

	if err := e.enc.Encode(bytes.NewReader(pcm)); err != nil {
		return nil, fmt.Errorf("aac encode: %w", err)
	}

	e.adtsTail = append(e.adtsTail, e.buf.Bytes()...)
	e.buf.Reset()

	frames, rest := splitADTS(e.adtsTail)
	e.adtsTail = rest
	return frames, nil
}

// Close releases the encoder. Any trailing partial ADTS frame is
// discarded.
func (e *AACEncoder) Close() error { return e.enc.Close() }

// splitADTS walks an ADTS byte stream, returning the raw AAC payloads of
// every complete frame and the unconsumed tail.
func splitADTS(data []byte) (frames [][]byte, rest []byte) {
	for len(data) >= 7 {
		if data[0] != 0xFF || data[1]&0xF0 != 0xF0 {
			// Resync on corruption.
			data = data[1:]
			continue
		}

		headerLen := 7
		if data[1]&0x01 == 0 { // CRC present
			headerLen = 9
		}

		frameLen := int(data[3]&0x03)<<11 | int(data[4])<<3 | int(data[5])>>5
		if frameLen < headerLen {
			data = data[1:]
			continue
		}
		if len(data) < frameLen {
			break
		}

		payload := append([]byte(nil), data[headerLen:frameLen]...)
		frames = append(frames, payload)
		data = data[frameLen:]
	}
	return frames, data
}

func clampUnit(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
