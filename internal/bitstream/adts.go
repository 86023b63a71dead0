// ADTS framer, per spec §4.1: parses the 7-byte ADTS header, extracts
// {aac_object_type, sample_rate_index, channel_config, frame_length},
// yields raw AAC without the ADTS prefix.
package bitstream

import "github.com/AgustinSRG/live-media-core/internal/errorsx"

// ADTSHeader is the decoded fixed+variable ADTS header (no CRC support,
// matching the common MPEG-4 AAC-LC profile used by encoders this core
// targets).
type ADTSHeader struct {
	ObjectType      byte
	SampleRateIndex byte
	ChannelConfig   byte
	FrameLength     uint32 // total frame length including the 7-byte header
}

// ParseADTSFrame parses one ADTS frame from the front of buf, returning the
// header and the raw AAC payload (header stripped).
func ParseADTSFrame(buf []byte) (ADTSHeader, []byte, error) {
	if len(buf) < 7 {
		return ADTSHeader{}, nil, errorsx.Malformed(errorsx.CodeBadAmf, "truncated adts header")
	}
	if buf[0] != 0xFF || buf[1]&0xF0 != 0xF0 {
		return ADTSHeader{}, nil, errorsx.Malformed(errorsx.CodeBadAmf, "bad adts sync word")
	}

	protectionAbsent := buf[1] & 0x01
	objectType := ((buf[2] >> 6) & 0x03) + 1 // ADTS profile is objectType-1
	sampleRateIndex := (buf[2] >> 2) & 0x0F
	channelConfig := ((buf[2] & 0x01) << 2) | ((buf[3] >> 6) & 0x03)
	frameLength := (uint32(buf[3]&0x03) << 11) | (uint32(buf[4]) << 3) | (uint32(buf[5]) >> 5)

	headerLen := 7
	if protectionAbsent == 0 {
		headerLen = 9
	}
	if int(frameLength) > len(buf) || int(frameLength) < headerLen {
		return ADTSHeader{}, nil, errorsx.Malformed(errorsx.CodeBadAmf, "adts frame length out of range")
	}

	h := ADTSHeader{
		ObjectType:      objectType,
		SampleRateIndex: sampleRateIndex,
		ChannelConfig:   channelConfig,
		FrameLength:     frameLength,
	}
	return h, buf[headerLen:frameLength], nil
}

// BuildADTSHeader synthesizes a 7-byte ADTS header (no CRC) for frameLength
// total bytes (header + payload).
func BuildADTSHeader(h ADTSHeader, frameLength uint32) []byte {
	b := make([]byte, 7)
	b[0] = 0xFF
	b[1] = 0xF1 // MPEG-4, no CRC
	b[2] = ((h.ObjectType - 1) << 6) | (h.SampleRateIndex << 2) | (h.ChannelConfig >> 2)
	b[3] = ((h.ChannelConfig & 0x03) << 6) | byte((frameLength>>11)&0x03)
	b[4] = byte((frameLength >> 3) & 0xFF)
	b[5] = byte((frameLength&0x07)<<5) | 0x1F
	b[6] = 0xFC
	return b
}
