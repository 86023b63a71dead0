package bridge

// adtsFrame is one ADTS-framed AAC access unit as produced by an SRT
// MPEG-TS audio PES (internal/mpegts's StreamTypeAAC path carries raw
// ADTS, per spec §4.2's ES mapping).
type adtsFrame struct {
	profileObjectType byte // MPEG-4 audio object type (the ADTS profile field plus one)
	samplingIndex     byte
	channelConfig     byte
	raw               []byte // AAC raw data block, ADTS header stripped
}

// ParseADTS splits a run of back-to-back ADTS frames (a TS audio PES may
// carry several per access unit) into individual raw AAC frames plus the
// header fields needed to build an AudioSpecificConfig.
func ParseADTS(buf []byte) []adtsFrame {
	var out []adtsFrame
	for len(buf) >= 7 {
		if buf[0] != 0xff || buf[1]&0xf0 != 0xf0 {
			break // not sync-aligned; caller fed something other than ADTS
		}
		protectionAbsent := buf[1] & 0x01
		profile := (buf[2] >> 6) & 0x03
		samplingIndex := (buf[2] >> 2) & 0x0f
		channelConfig := ((buf[2] & 0x01) << 2) | (buf[3] >> 6)
		frameLen := (int(buf[3]&0x03) << 11) | (int(buf[4]) << 3) | int(buf[5]>>5)
		if frameLen < 7 || frameLen > len(buf) {
			break
		}
		headerLen := 7
		if protectionAbsent == 0 {
			headerLen = 9
		}
		if headerLen > frameLen {
			break
		}
		out = append(out, adtsFrame{
			profileObjectType: profile + 1, // ADTS profile is objectType-1
			samplingIndex:     samplingIndex,
			channelConfig:     channelConfig,
			raw:               append([]byte(nil), buf[headerLen:frameLen]...),
		})
		buf = buf[frameLen:]
	}
	return out
}

// buildAudioSpecificConfig encodes the 2-byte MPEG-4 AudioSpecificConfig
// FLV expects as the AAC sequence header body: object type (5 bits),
// sampling frequency index (4 bits), channel config (4 bits), then
// frameLengthFlag/dependsOnCoreCoder/extensionFlag all zero (3 bits).
func buildAudioSpecificConfig(f adtsFrame) []byte {
	v := uint16(f.profileObjectType)<<11 | uint16(f.samplingIndex)<<7 | uint16(f.channelConfig)<<3
	return []byte{byte(v >> 8), byte(v)}
}

// parseAudioSpecificConfig is buildAudioSpecificConfig's inverse, used by
// the SRT egress path to recover ADTS header fields from a cached AAC
// sequence header so later raw frames can be re-wrapped as ADTS.
func parseAudioSpecificConfig(asc []byte) (profileObjectType, samplingIndex, channelConfig byte) {
	if len(asc) < 2 {
		return 0, 0, 0
	}
	v := uint16(asc[0])<<8 | uint16(asc[1])
	profileObjectType = byte(v >> 11 & 0x1f)
	samplingIndex = byte(v >> 7 & 0x0f)
	channelConfig = byte(v >> 3 & 0x0f)
	return profileObjectType, samplingIndex, channelConfig
}

// buildADTSHeader re-wraps one raw AAC access unit with a 7-byte ADTS
// header (no CRC, protection_absent=1), the inverse of ParseADTS's
// per-frame split.
func buildADTSHeader(profileObjectType, samplingIndex, channelConfig byte, payloadLen int) []byte {
	frameLen := 7 + payloadLen
	hdr := make([]byte, 7)
	hdr[0] = 0xff
	hdr[1] = 0xf1 // MPEG-4, layer 0, protection_absent=1
	profile := profileObjectType - 1
	hdr[2] = (profile&0x03)<<6 | (samplingIndex&0x0f)<<2 | (channelConfig&0x04)>>2
	hdr[3] = (channelConfig&0x03)<<6 | byte(frameLen>>11)
	hdr[4] = byte(frameLen >> 3)
	hdr[5] = byte(frameLen&0x07)<<5 | 0x1f
	hdr[6] = 0xfc
	return hdr
}

// Audio tag sound format nibble. AAC is 10; the teacher's
// rtmp/session.go handleAudio already special-cases 10 and 13 (Opus, per
// the enhanced-FLV convention) as header-capable formats.
const (
	soundFormatAAC  = 10
	soundFormatOpus = 13

	aacPacketTypeSeqHeader = 0
	aacPacketTypeRaw       = 1
)

// audioHeaderByte packs soundFormat (4 bits) | soundRate (2 bits, fixed
// 44kHz/3) | soundSize (1 bit, 16-bit/1) | soundType (1 bit, stereo/1)
// into the first tag byte, matching the conventional 0xAF used by every
// AAC-in-FLV encoder regardless of the real sample rate (the real rate
// lives in the AudioSpecificConfig).
func audioHeaderByte(soundFormat byte) byte {
	return soundFormat<<4 | 3<<2 | 1<<1 | 1
}

// BuildAudioSequenceHeaderTag builds the FLV audio tag body carrying an
// AAC AudioSpecificConfig, from the first ADTS frame of a PES.
func BuildAudioSequenceHeaderTag(f adtsFrame) []byte {
	asc := buildAudioSpecificConfig(f)
	out := make([]byte, 2, 2+len(asc))
	out[0] = audioHeaderByte(soundFormatAAC)
	out[1] = aacPacketTypeSeqHeader
	return append(out, asc...)
}

// BuildAudioRawTag builds the FLV audio tag body for one AAC raw data
// block (ADTS header already stripped).
func BuildAudioRawTag(raw []byte) []byte {
	out := make([]byte, 2, 2+len(raw))
	out[0] = audioHeaderByte(soundFormatAAC)
	out[1] = aacPacketTypeRaw
	return append(out, raw...)
}

// BuildOpusTag builds the FLV audio tag body for one raw Opus packet,
// isHeader selecting the Opus ID-header framing the teacher's
// handleAudio recognizes via payload[1] == 0.
func BuildOpusTag(payload []byte, isHeader bool) []byte {
	out := make([]byte, 2, 2+len(payload))
	out[0] = audioHeaderByte(soundFormatOpus)
	if isHeader {
		out[1] = 0
	} else {
		out[1] = 1
	}
	return append(out, payload...)
}

// ParseAudioTag splits an audio tag body back into its sound format,
// header flag, and raw payload (ADTS-stripped AAC, or Opus bytes).
func ParseAudioTag(payload []byte) (soundFormat byte, isHeader bool, raw []byte, ok bool) {
	if len(payload) < 2 {
		return 0, false, nil, false
	}
	soundFormat = payload[0] >> 4
	isHeader = (soundFormat == soundFormatAAC || soundFormat == soundFormatOpus) && payload[1] == 0
	return soundFormat, isHeader, payload[2:], true
}
