package h264

import (
	"encoding/binary"
	"errors"
)

// DecoderConfig is a parsed AVCDecoderConfigurationRecord
// (ISO 14496-15 §5.2.4.1.1) restricted to the single-SPS/single-PPS form
// the encoder produces.
type DecoderConfig struct {
	Profile       byte
	ProfileCompat byte
	Level         byte
	SPS           []byte
	PPS           []byte
}

var errConfigTooShort = errors.New("AVC decoder configuration too short")

// BuildDecoderConfig serializes an AVCDecoderConfigurationRecord from raw
// SPS and PPS NAL data (without start codes). The SPS must include the
// NAL header byte (0x67).
func BuildDecoderConfig(sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}

	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf, 1)      // configurationVersion
	buf = append(buf, sps[1]) // AVCProfileIndication
	buf = append(buf, sps[2]) // profile_compatibility
	buf = append(buf, sps[3]) // AVCLevelIndication
	buf = append(buf, 0xFF)   // lengthSizeMinusOne = 3 | reserved 0xFC
	buf = append(buf, 0xE1)   // numOfSequenceParameterSets = 1 | reserved 0xE0

	buf = append(buf, byte(len(sps)>>8), byte(len(sps)))
	buf = append(buf, sps...)

	buf = append(buf, 1) // numOfPictureParameterSets
	buf = append(buf, byte(len(pps)>>8), byte(len(pps)))
	buf = append(buf, pps...)

	return buf
}

// BuildDecoderConfigFromHeaders builds the record from the encoder's
// Annex-B headers blob.
func BuildDecoderConfigFromHeaders(annexbHeaders []byte) []byte {
	sps, pps := ExtractParameterSets(annexbHeaders)
	return BuildDecoderConfig(sps, pps)
}

// ParseDecoderConfig parses a serialized AVCDecoderConfigurationRecord.
// Only the first SPS and PPS are retained.
func ParseDecoderConfig(data []byte) (DecoderConfig, error) {
	var cfg DecoderConfig
	if len(data) < 7 {
		return cfg, errConfigTooShort
	}
	if data[0] != 1 {
		return cfg, errors.New("unsupported configurationVersion")
	}
	cfg.Profile = data[1]
	cfg.ProfileCompat = data[2]
	cfg.Level = data[3]

	numSPS := int(data[5] & 0x1F)
	pos := 6
	for i := 0; i < numSPS; i++ {
		if pos+2 > len(data) {
			return cfg, errConfigTooShort
		}
		spsLen := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		if pos+spsLen > len(data) {
			return cfg, errConfigTooShort
		}
		if cfg.SPS == nil {
			cfg.SPS = append([]byte(nil), data[pos:pos+spsLen]...)
		}
		pos += spsLen
	}

	if pos >= len(data) {
		return cfg, errConfigTooShort
	}
	numPPS := int(data[pos])
	pos++
	for i := 0; i < numPPS; i++ {
		if pos+2 > len(data) {
			return cfg, errConfigTooShort
		}
		ppsLen := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		if pos+ppsLen > len(data) {
			return cfg, errConfigTooShort
		}
		if cfg.PPS == nil {
			cfg.PPS = append([]byte(nil), data[pos:pos+ppsLen]...)
		}
		pos += ppsLen
	}

	return cfg, nil
}

// Serialize re-encodes the parsed record. Parsing followed by Serialize
// is the identity on single-SPS/single-PPS records.
func (c DecoderConfig) Serialize() []byte {
	return BuildDecoderConfig(c.SPS, c.PPS)
}
