package rtmp

// FLV tag construction for the two RTMP media message payloads. Video
// carries AVC in length-prefix form, audio carries raw AAC frames; both
// are prefixed with the FLV packet headers FFmpeg-style servers expect.

const (
	flvKeyframe   = 0x17 // keyframe | AVC
	flvInterframe = 0x27 // inter frame | AVC

	flvSequenceHeader = 0x00
	flvNALU           = 0x01

	flvAACSequence = 0x00
	flvAACRaw      = 0x01

	// flvAACHeader packs [sound_format(4)][sound_rate(2)][sound_size(1)]
	// [sound_type(1)] as 10/3/1/1. For AAC the rate and channel bits are
	// fixed; decoders take the real values from the AudioSpecificConfig.
	flvAACHeader = 0xAF
)

// videoTag wraps one length-prefixed access unit:
// [frame_type|codec_id][packet_type][cts(3)][data].
func videoTag(data []byte, keyframe, sequenceHeader bool) []byte {
	first := byte(flvInterframe)
	if keyframe || sequenceHeader {
		first = flvKeyframe
	}
	packetType := byte(flvNALU)
	if sequenceHeader {
		packetType = flvSequenceHeader
	}

	tag := make([]byte, 0, 5+len(data))
	tag = append(tag, first, packetType, 0x00, 0x00, 0x00)
	return append(tag, data...)
}

// audioTag wraps one raw AAC frame or, with sequenceHeader set, the
// AudioSpecificConfig.
func audioTag(data []byte, sequenceHeader bool) []byte {
	packetType := byte(flvAACRaw)
	if sequenceHeader {
		packetType = flvAACSequence
	}

	tag := make([]byte, 0, 2+len(data))
	tag = append(tag, flvAACHeader, packetType)
	return append(tag, data...)
}
