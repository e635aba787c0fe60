package rtmp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// RTMP message type IDs.
const (
	msgSetChunkSize     = 1
	msgAcknowledgement  = 3
	msgUserControl      = 4
	msgWindowAckSize    = 5
	msgSetPeerBandwidth = 6
	msgAudio            = 8
	msgVideo            = 9
	msgDataAMF0         = 18
	msgCommandAMF0      = 20
)

// Chunk stream IDs used by the publisher. RTMP reserves 2 for protocol
// control; command, audio, and video each get their own so interleaved
// messages never corrupt each other's headers.
const (
	csidControl = 2
	csidCommand = 3
	csidAudio   = 4
	csidVideo   = 6
)

const (
	defaultChunkSize = 128
	outChunkSize     = 4096
)

// message is one reassembled RTMP message.
type message struct {
	typeID    uint8
	streamID  uint32
	timestamp uint32
	payload   []byte
}

// chunkWriter serializes messages into Type-0 chunks with Type-3
// continuations, appending to an external buffer.
type chunkWriter struct {
	chunkSize int
}

func newChunkWriter() *chunkWriter {
	return &chunkWriter{chunkSize: defaultChunkSize}
}

// encode appends the chunked form of one message to buf.
func (w *chunkWriter) encode(buf []byte, csid uint8, m message) []byte {
	ts := m.timestamp
	extended := ts >= 0xFFFFFF
	hdrTS := ts
	if extended {
		hdrTS = 0xFFFFFF
	}

	// Type-0 header.
	buf = append(buf, csid&0x3F)
	buf = append(buf, byte(hdrTS>>16), byte(hdrTS>>8), byte(hdrTS))
	n := len(m.payload)
	buf = append(buf, byte(n>>16), byte(n>>8), byte(n))
	buf = append(buf, m.typeID)
	buf = binary.LittleEndian.AppendUint32(buf, m.streamID)
	if extended {
		buf = binary.BigEndian.AppendUint32(buf, ts)
	}

	payload := m.payload
	for len(payload) > w.chunkSize {
		buf = append(buf, payload[:w.chunkSize]...)
		payload = payload[w.chunkSize:]
		// Type-3 continuation.
		buf = append(buf, 0xC0|csid&0x3F)
		if extended {
			buf = binary.BigEndian.AppendUint32(buf, ts)
		}
	}
	return append(buf, payload...)
}

// csState carries per-chunk-stream header fields for compressed headers.
type csState struct {
	timestamp uint32
	delta     uint32
	length    uint32
	typeID    uint8
	streamID  uint32
	partial   []byte
}

// chunkReader reassembles messages from the server's chunk stream.
type chunkReader struct {
	r         io.Reader
	chunkSize int
	streams   map[int]*csState
}

func newChunkReader(r io.Reader) *chunkReader {
	return &chunkReader{
		r:         r,
		chunkSize: defaultChunkSize,
		streams:   make(map[int]*csState),
	}
}

// setChunkSize applies a peer Set Chunk Size control message.
func (r *chunkReader) setChunkSize(n int) {
	if n > 0 {
		r.chunkSize = n
	}
}

// next reads chunks until one full message is assembled.
func (r *chunkReader) next() (message, error) {
	for {
		m, done, err := r.readChunk()
		if err != nil {
			return message{}, err
		}
		if done {
			return m, nil
		}
	}
}

func (r *chunkReader) readChunk() (message, bool, error) {
	var basic [1]byte
	if _, err := io.ReadFull(r.r, basic[:]); err != nil {
		return message{}, false, err
	}
	format := basic[0] >> 6
	csid := int(basic[0] & 0x3F)
	switch csid {
	case 0, 1:
		// 2- and 3-byte basic headers carry csid 64 and up.
		var ext [2]byte
		n := csid + 1
		if _, err := io.ReadFull(r.r, ext[:n]); err != nil {
			return message{}, false, err
		}
		csid = 64 + int(ext[0])
		if n == 2 {
			csid += int(ext[1]) * 256
		}
	}

	st := r.streams[csid]
	if st == nil {
		st = &csState{}
		r.streams[csid] = st
	}

	var hdr [11]byte
	switch format {
	case 0:
		if _, err := io.ReadFull(r.r, hdr[:11]); err != nil {
			return message{}, false, err
		}
		st.timestamp = uint32(hdr[0])<<16 | uint32(hdr[1])<<8 | uint32(hdr[2])
		st.length = uint32(hdr[3])<<16 | uint32(hdr[4])<<8 | uint32(hdr[5])
		st.typeID = hdr[6]
		st.streamID = binary.LittleEndian.Uint32(hdr[7:11])
		st.delta = 0
	case 1:
		if _, err := io.ReadFull(r.r, hdr[:7]); err != nil {
			return message{}, false, err
		}
		st.delta = uint32(hdr[0])<<16 | uint32(hdr[1])<<8 | uint32(hdr[2])
		st.length = uint32(hdr[3])<<16 | uint32(hdr[4])<<8 | uint32(hdr[5])
		st.typeID = hdr[6]
		st.timestamp += st.delta
	case 2:
		if _, err := io.ReadFull(r.r, hdr[:3]); err != nil {
			return message{}, false, err
		}
		st.delta = uint32(hdr[0])<<16 | uint32(hdr[1])<<8 | uint32(hdr[2])
		st.timestamp += st.delta
	case 3:
		if len(st.partial) == 0 {
			st.timestamp += st.delta
		}
	}

	if st.timestamp == 0xFFFFFF {
		var ext [4]byte
		if _, err := io.ReadFull(r.r, ext[:]); err != nil {
			return message{}, false, err
		}
		st.timestamp = binary.BigEndian.Uint32(ext[:])
	}

	if st.length > 1<<24 {
		return message{}, false, fmt.Errorf("rtmp: implausible message length %d", st.length)
	}

	want := int(st.length) - len(st.partial)
	if want > r.chunkSize {
		want = r.chunkSize
	}
	if want > 0 {
		chunk := make([]byte, want)
		if _, err := io.ReadFull(r.r, chunk); err != nil {
			return message{}, false, err
		}
		st.partial = append(st.partial, chunk...)
	}

	if len(st.partial) < int(st.length) {
		return message{}, false, nil
	}

	m := message{
		typeID:    st.typeID,
		streamID:  st.streamID,
		timestamp: st.timestamp,
		payload:   st.partial,
	}
	st.partial = nil
	return m, true, nil
}
