// Package h264 provides the byte-level H.264 plumbing the sinks share:
// Annex-B parsing, Annex-B/AVCC framing conversion, SPS/PPS extraction,
// and AVCDecoderConfigurationRecord handling.
package h264

import "encoding/binary"

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

// NALUnit is a parsed H.264 NAL unit.
type NALUnit struct {
	Type byte   // 5-bit nal_unit_type
	Data []byte // raw NAL data including the header byte, without start code
}

// ParseAnnexB scans an Annex-B byte stream for start codes and extracts
// NAL units. Both 3-byte (0x000001) and 4-byte (0x00000001) start codes
// are recognized.
func ParseAnnexB(data []byte) []NALUnit {
	var units []NALUnit
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	for idx, pos := range positions {
		if pos.dataStart >= n {
			continue
		}
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}

		nalData := data[pos.dataStart:end]
		units = append(units, NALUnit{
			Type: nalData[0] & 0x1F,
			Data: nalData,
		})
	}

	return units
}

// AnnexBToAVCC converts an Annex-B byte stream to AVCC framing: every
// start code is replaced by the 32-bit big-endian length of the NAL that
// follows it.
func AnnexBToAVCC(data []byte) []byte {
	units := ParseAnnexB(data)
	var total int
	for _, u := range units {
		total += 4 + len(u.Data)
	}

	out := make([]byte, 0, total)
	var lenBuf [4]byte
	for _, u := range units {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(u.Data)))
		out = append(out, lenBuf[:]...)
		out = append(out, u.Data...)
	}
	return out
}

// AVCCToAnnexB converts AVCC framing back to an Annex-B byte stream with
// 4-byte start codes. Truncated length prefixes terminate the scan.
func AVCCToAnnexB(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for len(data) >= 4 {
		size := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		if size <= 0 || size > len(data) {
			break
		}
		out = append(out, 0, 0, 0, 1)
		out = append(out, data[:size]...)
		data = data[size:]
	}
	return out
}

// StripStartCode removes a 3-byte or 4-byte Annex-B start code prefix.
func StripStartCode(nalu []byte) []byte {
	if len(nalu) >= 4 && nalu[0] == 0 && nalu[1] == 0 && nalu[2] == 0 && nalu[3] == 1 {
		return nalu[4:]
	}
	if len(nalu) >= 3 && nalu[0] == 0 && nalu[1] == 0 && nalu[2] == 1 {
		return nalu[3:]
	}
	return nalu
}

// ContainsKeyframe reports whether an Annex-B access unit carries an IDR
// slice.
func ContainsKeyframe(annexb []byte) bool {
	for _, u := range ParseAnnexB(annexb) {
		if u.Type == NALTypeIDR {
			return true
		}
	}
	return false
}

// ContainsParameterSets reports whether an Annex-B access unit carries
// SPS or PPS NALs, marking it as a sequence header.
func ContainsParameterSets(annexb []byte) bool {
	for _, u := range ParseAnnexB(annexb) {
		if u.Type == NALTypeSPS || u.Type == NALTypePPS {
			return true
		}
	}
	return false
}

// KeyframeInAVCC reports whether a length-prefixed access unit carries an
// IDR slice. The RTMP sink runs on AVCC payloads, so the detector must
// not assume start codes.
func KeyframeInAVCC(data []byte) bool {
	for len(data) >= 4 {
		size := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		if size <= 0 || size > len(data) {
			return false
		}
		if data[0]&0x1F == NALTypeIDR {
			return true
		}
		data = data[size:]
	}
	return false
}

// ExtractParameterSets returns the first SPS and PPS found in an Annex-B
// headers blob, without start codes. Either return may be nil if absent.
func ExtractParameterSets(annexb []byte) (sps, pps []byte) {
	for _, u := range ParseAnnexB(annexb) {
		switch u.Type {
		case NALTypeSPS:
			if sps == nil {
				sps = u.Data
			}
		case NALTypePPS:
			if pps == nil {
				pps = u.Data
			}
		}
	}
	return sps, pps
}
