package mp4

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/terava/loupe/media"
)

// 1280x720 Baseline SPS, level 3.1, and a matching PPS.
var (
	testSPS = []byte{0x67, 0x42, 0xC0, 0x1F, 0xF4, 0x02, 0x80, 0x2D, 0xC8}
	testPPS = []byte{0x68, 0xCB, 0x83, 0xCB, 0x20}
)

func annexB(nalus ...[]byte) []byte {
	var buf bytes.Buffer
	for _, n := range nalus {
		buf.Write([]byte{0, 0, 0, 1})
		buf.Write(n)
	}
	return buf.Bytes()
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func runVideoOnly(t *testing.T, path string, frames []media.SinkFrame) {
	t.Helper()

	s, err := NewSink(Config{Path: path, FPS: 30, AnnexBInput: true}, testLogger())
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}

	video := make(chan media.SinkFrame, len(frames)+1)
	for _, f := range frames {
		video <- f
	}
	video <- media.EndFrame()

	if err := s.Run(context.Background(), video, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func decodeFile(t *testing.T, path string) *mp4.File {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	parsed, err := mp4.DecodeFile(f)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	return parsed
}

func TestSinkFragmentsAtKeyframes(t *testing.T) {
	t.Parallel()

	idr := []byte{0x65, 0x88, 0x84, 0x00}
	p := []byte{0x41, 0x9A, 0x02}

	frames := []media.SinkFrame{
		media.BodyFrame(media.EncodedFrame{Data: annexB(testSPS, testPPS), IsSequenceHeader: true}),
		media.BodyFrame(media.EncodedFrame{Data: annexB(idr), IsKeyframe: true}),
		media.BodyFrame(media.EncodedFrame{Data: annexB(p)}),
		media.BodyFrame(media.EncodedFrame{Data: annexB(p)}),
		media.BodyFrame(media.EncodedFrame{Data: annexB(idr), IsKeyframe: true}),
		media.BodyFrame(media.EncodedFrame{Data: annexB(p)}),
	}

	path := filepath.Join(t.TempDir(), "out.mp4")
	runVideoOnly(t, path, frames)

	parsed := decodeFile(t, path)
	if !parsed.IsFragmented() {
		t.Fatal("output is not fragmented")
	}
	if parsed.Init == nil || len(parsed.Init.Moov.Traks) != 1 {
		t.Fatal("init segment missing the single video track")
	}

	// First GOP flushes when the second keyframe arrives, second at End.
	var samples uint32
	var frags int
	for _, seg := range parsed.Segments {
		for _, frag := range seg.Fragments {
			frags++
			samples += frag.Moof.Traf.Trun.SampleCount()
		}
	}
	if frags != 2 {
		t.Errorf("got %d fragments, want 2", frags)
	}
	if samples != 5 {
		t.Errorf("got %d samples, want 5", samples)
	}
}

func TestSinkConvertsAnnexBToLengthPrefix(t *testing.T) {
	t.Parallel()

	idr := []byte{0x65, 0x88, 0x84, 0x00, 0x11, 0x22}
	frames := []media.SinkFrame{
		media.BodyFrame(media.EncodedFrame{Data: annexB(testSPS, testPPS), IsSequenceHeader: true}),
		media.BodyFrame(media.EncodedFrame{Data: annexB(idr), IsKeyframe: true}),
	}

	path := filepath.Join(t.TempDir(), "out.mp4")
	runVideoOnly(t, path, frames)

	parsed := decodeFile(t, path)
	if len(parsed.Segments) == 0 || len(parsed.Segments[0].Fragments) == 0 {
		t.Fatal("no fragments written")
	}

	data := parsed.Segments[0].Fragments[0].Mdat.Data
	if len(data) != 4+len(idr) {
		t.Fatalf("mdat length %d, want %d", len(data), 4+len(idr))
	}
	if got := binary.BigEndian.Uint32(data); got != uint32(len(idr)) {
		t.Errorf("length prefix %d, want %d", got, len(idr))
	}
	if !bytes.Equal(data[4:], idr) {
		t.Error("NAL payload mangled by framing conversion")
	}
}

func TestSinkVideoTiming(t *testing.T) {
	t.Parallel()

	idr := []byte{0x65, 0x88}
	frames := []media.SinkFrame{
		media.BodyFrame(media.EncodedFrame{Data: annexB(testSPS, testPPS), IsSequenceHeader: true}),
	}
	for i := 0; i < 30; i++ {
		f := media.EncodedFrame{Data: annexB(idr)}
		if i == 0 {
			f.IsKeyframe = true
		}
		frames = append(frames, media.BodyFrame(f))
	}

	path := filepath.Join(t.TempDir(), "out.mp4")
	runVideoOnly(t, path, frames)

	parsed := decodeFile(t, path)
	trun := parsed.Segments[0].Fragments[0].Moof.Traf.Trun
	if trun.SampleCount() != 30 {
		t.Fatalf("got %d samples, want 30", trun.SampleCount())
	}

	// 30 frames at 30 fps in a 90 kHz timescale is one second.
	var total uint64
	for _, s := range trun.Samples {
		total += uint64(s.Dur)
	}
	if total != videoTimescale {
		t.Errorf("fragment duration %d ticks, want %d", total, videoTimescale)
	}
}

func TestSinkRejectsUnwritablePath(t *testing.T) {
	t.Parallel()

	if _, err := NewSink(Config{Path: filepath.Join(t.TempDir(), "no", "such", "dir", "x.mp4")}, testLogger()); err == nil {
		t.Error("expected error for unwritable path")
	}
}
