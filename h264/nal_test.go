package h264

import (
	"bytes"
	"testing"
)

func annexBStream(nalus ...[]byte) []byte {
	var buf bytes.Buffer
	for _, n := range nalus {
		buf.Write([]byte{0, 0, 0, 1})
		buf.Write(n)
	}
	return buf.Bytes()
}

func TestParseAnnexBStartCodes(t *testing.T) {
	t.Parallel()

	// Mixed 3-byte and 4-byte start codes.
	data := []byte{
		0, 0, 0, 1, 0x67, 0xAA, 0xBB,
		0, 0, 1, 0x68, 0xCC,
		0, 0, 0, 1, 0x65, 0x01, 0x02, 0x03,
	}

	units := ParseAnnexB(data)
	if len(units) != 3 {
		t.Fatalf("got %d units, want 3", len(units))
	}

	wantTypes := []byte{NALTypeSPS, NALTypePPS, NALTypeIDR}
	wantLens := []int{3, 2, 4}
	for i, u := range units {
		if u.Type != wantTypes[i] {
			t.Errorf("unit %d: type %d, want %d", i, u.Type, wantTypes[i])
		}
		if len(u.Data) != wantLens[i] {
			t.Errorf("unit %d: len %d, want %d", i, len(u.Data), wantLens[i])
		}
	}
}

func TestParseAnnexBEmpty(t *testing.T) {
	t.Parallel()
	if units := ParseAnnexB(nil); units != nil {
		t.Errorf("got %v units for nil input", units)
	}
	if units := ParseAnnexB([]byte{0, 0, 1}); units != nil {
		t.Errorf("got %v units for bare start code", units)
	}
}

func TestAnnexBAVCCRoundTrip(t *testing.T) {
	t.Parallel()

	sps := []byte{0x67, 0x64, 0x00, 0x1E, 0xAC}
	pps := []byte{0x68, 0xEB, 0xE3}
	idr := append([]byte{0x65}, bytes.Repeat([]byte{0x42}, 100)...)

	annexb := annexBStream(sps, pps, idr)
	avcc := AnnexBToAVCC(annexb)

	// Length prefix of the first NAL.
	if got := avcc[3]; got != byte(len(sps)) {
		t.Errorf("first length prefix: got %d, want %d", got, len(sps))
	}

	back := AVCCToAnnexB(avcc)
	if !bytes.Equal(back, annexb) {
		t.Errorf("round trip mismatch:\n got %x\nwant %x", back, annexb)
	}
}

func TestAVCCToAnnexBTruncated(t *testing.T) {
	t.Parallel()

	// Length prefix claims more data than present: scan must stop cleanly.
	data := []byte{0, 0, 0, 10, 0x65, 0x01}
	if out := AVCCToAnnexB(data); len(out) != 0 {
		t.Errorf("got %x for truncated input, want empty", out)
	}
}

func TestKeyframeDetection(t *testing.T) {
	t.Parallel()

	key := annexBStream([]byte{0x65, 0x01, 0x02})
	inter := annexBStream([]byte{0x41, 0x01, 0x02})

	if !ContainsKeyframe(key) {
		t.Error("IDR access unit not detected as keyframe")
	}
	if ContainsKeyframe(inter) {
		t.Error("non-IDR access unit detected as keyframe")
	}

	if !KeyframeInAVCC(AnnexBToAVCC(key)) {
		t.Error("IDR not detected in AVCC framing")
	}
	if KeyframeInAVCC(AnnexBToAVCC(inter)) {
		t.Error("non-IDR detected as keyframe in AVCC framing")
	}
}

func TestContainsParameterSets(t *testing.T) {
	t.Parallel()

	headers := annexBStream([]byte{0x67, 0x64, 0x00, 0x1E}, []byte{0x68, 0xEB})
	body := annexBStream([]byte{0x41, 0x9A})

	if !ContainsParameterSets(headers) {
		t.Error("SPS+PPS blob not detected as sequence header")
	}
	if ContainsParameterSets(body) {
		t.Error("slice detected as sequence header")
	}
}

func TestExtractParameterSets(t *testing.T) {
	t.Parallel()

	sps := []byte{0x67, 0x64, 0x00, 0x1E, 0xAC}
	pps := []byte{0x68, 0xEB, 0xE3}
	gotSPS, gotPPS := ExtractParameterSets(annexBStream(sps, pps))

	if !bytes.Equal(gotSPS, sps) {
		t.Errorf("SPS: got %x, want %x", gotSPS, sps)
	}
	if !bytes.Equal(gotPPS, pps) {
		t.Errorf("PPS: got %x, want %x", gotPPS, pps)
	}
}

func TestStripStartCode(t *testing.T) {
	t.Parallel()

	if got := StripStartCode([]byte{0, 0, 0, 1, 0x67, 0xFF}); !bytes.Equal(got, []byte{0x67, 0xFF}) {
		t.Errorf("4-byte strip: got %x", got)
	}
	if got := StripStartCode([]byte{0, 0, 1, 0x68}); !bytes.Equal(got, []byte{0x68}) {
		t.Errorf("3-byte strip: got %x", got)
	}
	if got := StripStartCode([]byte{0x65, 0x01}); !bytes.Equal(got, []byte{0x65, 0x01}) {
		t.Errorf("no start code: got %x", got)
	}
}
