package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadAACSpecificConfigLC(t *testing.T) {
	// AudioSpecificConfig: object_type=2 (AAC LC), sampling_index=4 (44100),
	// channel_config=2, no extension. Bits: 00010 0100 0010 000 (padded).
	// byte0/1 are the FLV AAC tag header + AACPacketType (ignored, skipped
	// as 16 bits by ReadAACSpecificConfig), so prepend two filler bytes.
	cfg := []byte{0xAF, 0x00, 0x12, 0x10}
	info := ReadAACSpecificConfig(cfg)
	require.Equal(t, uint32(2), info.ObjectType)
	require.Equal(t, uint32(44100), info.SampleRate)
	require.Equal(t, uint32(2), info.ChanConfig)
	require.Equal(t, uint32(2), info.Channels)
	require.Equal(t, "LC", AACProfileName(info))
}

func TestReadAVCSpecificConfigDispatchesByCodec(t *testing.T) {
	hevcHeader := make([]byte, 30)
	hevcHeader[0] = VideoCodecH265
	r := ReadAVCSpecificConfig(hevcHeader)
	require.Equal(t, uint32(VideoCodecH265), r.Codec)

	h264Header := make([]byte, 16)
	h264Header[0] = VideoCodecH264
	r = ReadAVCSpecificConfig(h264Header)
	require.Equal(t, uint32(VideoCodecH264), r.Codec)
}
