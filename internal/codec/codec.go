// Package codec parses sequence-header configuration records (AVC
// DecoderConfigurationRecord, HEVC equivalent, AAC AudioSpecificConfig)
// and holds the codec-id tables spec §3 names ("codec id (H.264, H.265 if
// enabled, AAC, MP3, Opus)"). Ported from the teacher's av.go.
package codec

import "github.com/AgustinSRG/live-media-core/internal/bitstream"

// FLV/RTMP audio & video codec ids.
const (
	AudioCodecAAC = 10
	AudioCodecMP3 = 2
	AudioCodecOpus = 13 // not an FLV standard id; used internally for WebRTC-originated audio

	VideoCodecH264 = 7
	VideoCodecH265 = 12
)

// MPEG-TS stream type ids, per spec §4.2.
const (
	TSStreamTypeH264 = 0x1B
	TSStreamTypeH265 = 0x24
	TSStreamTypeAAC  = 0x0F
	TSStreamTypeMP3  = 0x03
)

var AACSampleRates = [16]uint32{
	96000, 88200, 64000, 48000,
	44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000,
	7350, 0, 0, 0,
}

var AACChannels = [8]uint32{0, 1, 2, 3, 4, 5, 6, 8}

// AACSpecificConfig is the decoded AudioSpecificConfig (ISO 14496-3).
type AACSpecificConfig struct {
	ObjectType    uint32
	SampleRate    uint32
	SamplingIndex byte
	ChanConfig    uint32
	Channels      uint32
	SBR           int32
	PS            int32
	ExtObjectType uint32
}

func getAudioObjectType(b *bitstream.BitReader) uint32 {
	r := b.Read(5)
	if r == 31 {
		r = b.Read(6) + 32
	}
	return r
}

func getAudioSampleRate(b *bitstream.BitReader, samplingIndex byte) uint32 {
	if samplingIndex == 0x0f {
		return b.Read(24)
	} else if int(samplingIndex) < len(AACSampleRates) {
		return AACSampleRates[samplingIndex]
	}
	return 0
}

// ReadAACSpecificConfig parses the two-byte-or-more AudioSpecificConfig
// carried in an AAC sequence header.
func ReadAACSpecificConfig(aacSequenceHeader []byte) AACSpecificConfig {
	res := AACSpecificConfig{SBR: -1, PS: -1}
	b := bitstream.NewBitReader(aacSequenceHeader)

	b.Read(16)

	res.ObjectType = getAudioObjectType(b)
	res.SamplingIndex = byte(b.Read(4))
	res.SampleRate = getAudioSampleRate(b, res.SamplingIndex)
	res.ChanConfig = b.Read(4)

	if int(res.ChanConfig) < len(AACChannels) {
		res.Channels = AACChannels[res.ChanConfig]
	}

	if res.ObjectType == 5 || res.ObjectType == 29 {
		if res.ObjectType == 29 {
			res.PS = 1
		}
		res.ExtObjectType = 5
		res.SBR = 1
		res.SamplingIndex = byte(b.Read(4))
		res.SampleRate = getAudioSampleRate(b, res.SamplingIndex)
		res.ObjectType = getAudioObjectType(b)
	}

	return res
}

// AACProfileName maps object_type to the common profile label.
func AACProfileName(info AACSpecificConfig) string {
	switch info.ObjectType {
	case 1:
		return "Main"
	case 2:
		if info.PS > 0 {
			return "HEv2"
		}
		if info.SBR > 0 {
			return "HE"
		}
		return "LC"
	case 3:
		return "SSR"
	case 4:
		return "LTP"
	case 5:
		return "SBR"
	default:
		return ""
	}
}

// H264SpecificConfig is the decoded AVCDecoderConfigurationRecord plus the
// SPS fields needed to report resolution.
type H264SpecificConfig struct {
	Width        uint32
	Height       uint32
	Profile      byte
	Compat       byte
	Level        float32
	NALULenSize  byte
	NumSPS       byte
	RefFrames    uint32
}

// ReadH264SpecificConfig parses an AVCDecoderConfigurationRecord followed
// by its first embedded SPS.
func ReadH264SpecificConfig(avcSequenceHeader []byte) H264SpecificConfig {
	var res H264SpecificConfig
	b := bitstream.NewBitReader(avcSequenceHeader)

	b.Read(48) // FLV AVC tag header + configurationVersion byte handled by caller framing

	res.Profile = byte(b.Read(8))
	res.Compat = byte(b.Read(8))
	res.Level = float32(b.Read(8))

	res.NALULenSize = (byte(b.Read(8)) & 0x03) + 1
	res.NumSPS = byte(b.Read(8)) & 0x1F

	if res.NumSPS == 0 {
		return res
	}

	b.Read(16) // SPS NAL size
	nt := b.Read(8)
	if nt != 0x67 {
		return res
	}

	profileIDC := b.Read(8)
	b.Read(8) // constraint flags
	b.Read(8) // level_idc
	b.ReadGolomb() // sps id

	if profileIDC == 100 || profileIDC == 110 || profileIDC == 122 || profileIDC == 244 ||
		profileIDC == 44 || profileIDC == 83 || profileIDC == 86 || profileIDC == 118 {
		cfIDC := b.ReadGolomb()
		if cfIDC == 3 {
			b.Read(1)
		}
		b.ReadGolomb() // bit depth luma - 8
		b.ReadGolomb() // bit depth chroma - 8
		b.Read(1)      // qpprime y zero transform bypass
		ssm := b.Read(1)
		if ssm != 0 {
			if cfIDC == 3 {
				b.Read(12)
			} else {
				b.Read(8)
			}
		}
	}

	b.ReadGolomb() // log2 max frame num

	cntType := b.ReadGolomb()
	switch cntType {
	case 0:
		b.ReadGolomb()
	case 1:
		b.Read(1)
		b.ReadGolomb()
		b.ReadGolomb()
		numRefFrames := b.ReadGolomb()
		for n := uint32(0); n < numRefFrames; n++ {
			b.ReadGolomb()
		}
	}

	res.RefFrames = b.ReadGolomb()
	b.Read(1) // gaps in frame num allowed

	width := b.ReadGolomb()
	height := b.ReadGolomb()

	frameMbsOnly := b.Read(1)
	if frameMbsOnly == 0 {
		b.Read(1)
	}
	b.Read(1) // direct 8x8 inference flag

	var cropLeft, cropRight, cropTop, cropBottom uint32
	hasCrop := b.Read(1)
	if hasCrop != 0 {
		cropLeft = b.ReadGolomb()
		cropRight = b.ReadGolomb()
		cropTop = b.ReadGolomb()
		cropBottom = b.ReadGolomb()
	}

	res.Level = res.Level / 10.0
	res.Width = (width+1)*16 - (cropLeft+cropRight)*2
	res.Height = (2-frameMbsOnly)*(height+1)*16 - (cropTop+cropBottom)*2

	return res
}

// HEVCSpecificConfig is the minimal set of fields exposed from an HEVC
// decoder configuration record: resolution, profile, level.
type HEVCSpecificConfig struct {
	Width   uint32
	Height  uint32
	Profile uint32
	Level   float32
}

type hevcSPS struct {
	widthLuma, heightLuma                        uint32
	confWinLeft, confWinRight, confWinTop, confWinBottom uint32
}

func hevcParseSPS(buf []byte) hevcSPS {
	var sps hevcSPS
	b := bitstream.NewBitReader(buf)
	numBytes := len(buf)

	b.Read(1) // forbidden_zero_bit
	b.Read(6) // nal_unit_type
	b.Read(6) // nuh_reserved_zero_6bits
	b.Read(3) // nuh_temporal_id_plus1

	rbsp := make([]byte, 0, numBytes)
	for i := 2; i < numBytes; i++ {
		if i+2 < numBytes && b.Look(24) == 0x000003 {
			rbsp = append(rbsp, byte(b.Read(8)), byte(b.Read(8)))
			i += 2
			b.Read(8) // emulation_prevention_three_byte
		} else {
			rbsp = append(rbsp, byte(b.Read(8)))
		}
	}

	rb := bitstream.NewBitReader(rbsp)
	rb.Read(4) // sps_video_parameter_set_id
	maxSubLayersMinus1 := rb.Read(3)
	rb.Read(1) // sps_temporal_id_nesting_flag

	hevcSkipProfileTierLevel(rb, maxSubLayersMinus1)

	rb.ReadGolomb() // sps_seq_parameter_set_id
	chromaFormatIDC := rb.ReadGolomb()
	if chromaFormatIDC == 3 {
		rb.Read(1)
	}
	sps.widthLuma = rb.ReadGolomb()
	sps.heightLuma = rb.ReadGolomb()
	confWinFlag := rb.Read(1)
	if confWinFlag != 0 {
		vertMult := uint32(2)
		if chromaFormatIDC >= 2 {
			vertMult = 1
		}
		horizMult := uint32(2)
		if chromaFormatIDC >= 3 {
			horizMult = 1
		}
		sps.confWinLeft = rb.ReadGolomb() * horizMult
		sps.confWinRight = rb.ReadGolomb() * horizMult
		sps.confWinTop = rb.ReadGolomb() * vertMult
		sps.confWinBottom = rb.ReadGolomb() * vertMult
	}

	return sps
}

func hevcSkipProfileTierLevel(b *bitstream.BitReader, maxSubLayersMinus1 uint32) {
	b.Read(2)  // profile_space
	b.Read(1)  // tier_flag
	b.Read(5)  // profile_idc
	b.Read(32) // profile_compatibility_flags
	b.Read(1)  // progressive_source_flag
	b.Read(1)  // interlaced_source_flag
	b.Read(1)  // non_packed_constraint_flag
	b.Read(1)  // frame_only_constraint_flag
	b.Read(32)
	b.Read(12)
	b.Read(8) // level_idc

	profilePresent := make([]byte, maxSubLayersMinus1)
	levelPresent := make([]byte, maxSubLayersMinus1)
	for i := uint32(0); i < maxSubLayersMinus1; i++ {
		profilePresent[i] = byte(b.Read(1))
		levelPresent[i] = byte(b.Read(1))
	}
	if maxSubLayersMinus1 > 0 {
		for i := maxSubLayersMinus1; i < 8; i++ {
			b.Read(2)
		}
	}
	for i := uint32(0); i < maxSubLayersMinus1; i++ {
		if profilePresent[i] != 0 {
			b.Read(2)
			b.Read(1)
			b.Read(5)
			b.Read(32)
			b.Read(1)
			b.Read(1)
			b.Read(1)
			b.Read(1)
			b.Read(32)
			b.Read(12)
		}
		if levelPresent[i] != 0 {
			b.Read(8)
		}
	}
}

// ReadHEVCSpecificConfig parses an HEVCDecoderConfigurationRecord and its
// embedded SPS (NAL unit type 33) for resolution/profile/level.
func ReadHEVCSpecificConfig(hevcSequenceHeader []byte) HEVCSpecificConfig {
	var info HEVCSpecificConfig

	if len(hevcSequenceHeader) < 5 {
		return info
	}
	h := hevcSequenceHeader[5:]
	if len(h) < 23 {
		return info
	}
	if h[0] != 1 {
		return info
	}

	generalProfileIDC := uint32(h[1]) & 0x1F
	generalLevelIDC := uint32(h[12])

	numOfArrays := int(h[22])
	p := h[23:]
	for i := 0; i < numOfArrays && len(p) >= 3; i++ {
		nalutype := p[0]
		n := (uint32(p[1]) << 8) | uint32(p[2])
		p = p[3:]
		for j := 0; j < int(n) && len(p) >= 2; j++ {
			k := (uint32(p[0]) << 8) | uint32(p[1])
			p = p[2:]
			if uint32(len(p)) < k {
				return info
			}
			if nalutype == 33 {
				sps := hevcParseSPS(p[:k])
				info.Profile = generalProfileIDC
				info.Level = float32(generalLevelIDC) / 30.0
				info.Width = sps.widthLuma - (sps.confWinLeft + sps.confWinRight)
				info.Height = sps.heightLuma - (sps.confWinTop + sps.confWinBottom)
			}
			p = p[k:]
		}
	}

	return info
}

// AVCSpecificConfig is either an H264 or HEVC decoder configuration
// record, discriminated by the FLV AVC packet's codec id nibble.
type AVCSpecificConfig struct {
	Codec uint32
	H264  H264SpecificConfig
	HEVC  HEVCSpecificConfig
}

// ReadAVCSpecificConfig reads the codec id nibble from the first byte of
// an FLV video tag body and dispatches to the matching parser.
func ReadAVCSpecificConfig(avcSequenceHeader []byte) AVCSpecificConfig {
	if len(avcSequenceHeader) == 0 {
		return AVCSpecificConfig{}
	}
	codecID := avcSequenceHeader[0] & 0x0f
	r := AVCSpecificConfig{Codec: uint32(codecID)}

	switch codecID {
	case VideoCodecH264:
		r.H264 = ReadH264SpecificConfig(avcSequenceHeader)
	case VideoCodecH265:
		r.HEVC = ReadHEVCSpecificConfig(avcSequenceHeader)
	}

	return r
}
