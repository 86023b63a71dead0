package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AgustinSRG/live-media-core/internal/clock"
	"github.com/AgustinSRG/live-media-core/internal/rtpio"
	"github.com/AgustinSRG/live-media-core/internal/source"
)

func annexB(b ...byte) []byte {
	return append([]byte{0, 0, 0, 1}, b...)
}

func TestSplitAnnexBMultipleNALUs(t *testing.T) {
	buf := append(annexB(0x67, 0xaa), annexB(0x68, 0xbb)...)
	buf = append(buf, annexB(0x65, 0xcc, 0xdd)...)
	nalus := SplitAnnexB(buf)
	require.Len(t, nalus, 3)
	require.Equal(t, []byte{0x67, 0xaa}, nalus[0])
	require.Equal(t, []byte{0x68, 0xbb}, nalus[1])
	require.Equal(t, []byte{0x65, 0xcc, 0xdd}, nalus[2])
}

func TestBuildAnnexBRoundTrip(t *testing.T) {
	nalus := [][]byte{{0x67, 0xaa}, {0x68, 0xbb}, {0x65, 0xcc, 0xdd}}
	got := SplitAnnexB(BuildAnnexB(nalus))
	require.Equal(t, nalus, got)
}

func TestIsKeyframeNALUs(t *testing.T) {
	require.True(t, IsKeyframeNALUs([][]byte{{0x65, 1, 2}}))
	require.False(t, IsKeyframeNALUs([][]byte{{0x61, 1, 2}}))
}

func TestAVCDecoderConfigurationRecordRoundTrip(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1f, 0xaa, 0xbb}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	record := buildAVCDecoderConfigurationRecord(sps, pps)
	gotSPS, gotPPS, ok := ParseAVCDecoderConfigurationRecord(record)
	require.True(t, ok)
	require.Equal(t, sps, gotSPS)
	require.Equal(t, pps, gotPPS)
}

func TestBuildAndParseVideoTag(t *testing.T) {
	nalus := [][]byte{{0x65, 1, 2, 3}}
	tag := BuildVideoTag(nalus, true, 100)
	got, isHeader, isKey, ok := ParseVideoTag(tag)
	require.True(t, ok)
	require.False(t, isHeader)
	require.True(t, isKey)
	require.Equal(t, nalus, got)
}

func TestBuildVideoSequenceHeaderTagRoundTrip(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1f, 0xaa}
	pps := []byte{0x68, 0xce}
	tag := BuildVideoSequenceHeaderTag(sps, pps)
	got, isHeader, _, ok := ParseVideoTag(tag)
	require.True(t, ok)
	require.True(t, isHeader)
	require.Equal(t, sps, got[0])
	require.Equal(t, pps, got[1])
}

func adtsFixture(t *testing.T) []byte {
	t.Helper()
	// 7-byte ADTS header, protection_absent=1, profile=LC(1), sampling
	// index=4 (44100), channel config=2, frame length=7+3.
	raw := []byte{0xAA, 0xBB, 0xCC}
	frameLen := 7 + len(raw)
	hdr := make([]byte, 7)
	hdr[0] = 0xff
	hdr[1] = 0xf1
	hdr[2] = (1 << 6) | (4 << 2) | (2 >> 2)
	hdr[3] = byte((2&0x3)<<6) | byte(frameLen>>11)
	hdr[4] = byte(frameLen >> 3)
	hdr[5] = byte((frameLen&0x7)<<5) | 0x1f
	hdr[6] = 0xfc
	return append(hdr, raw...)
}

func TestParseADTS(t *testing.T) {
	buf := adtsFixture(t)
	frames := ParseADTS(buf)
	require.Len(t, frames, 1)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC}, frames[0].raw)
}

func TestBuildAudioTagsAndParse(t *testing.T) {
	af := ParseADTS(adtsFixture(t))[0]
	seqTag := BuildAudioSequenceHeaderTag(af)
	sf, isHeader, _, ok := ParseAudioTag(seqTag)
	require.True(t, ok)
	require.Equal(t, byte(soundFormatAAC), sf)
	require.True(t, isHeader)

	rawTag := BuildAudioRawTag(af.raw)
	sf, isHeader, raw, ok := ParseAudioTag(rawTag)
	require.True(t, ok)
	require.Equal(t, byte(soundFormatAAC), sf)
	require.False(t, isHeader)
	require.Equal(t, af.raw, raw)
}

func TestAudioSpecificConfigAndADTSHeaderRoundTrip(t *testing.T) {
	af := ParseADTS(adtsFixture(t))[0]
	asc := buildAudioSpecificConfig(af)
	objType, samplingIndex, chanConfig := parseAudioSpecificConfig(asc)
	require.Equal(t, af.profileObjectType, objType)
	require.Equal(t, af.samplingIndex, samplingIndex)
	require.Equal(t, af.channelConfig, chanConfig)

	hdr := buildADTSHeader(objType, samplingIndex, chanConfig, len(af.raw))
	rebuilt := append(hdr, af.raw...)
	frames := ParseADTS(rebuilt)
	require.Len(t, frames, 1)
	require.Equal(t, af, frames[0])
}

type fixedClock struct{ us int64 }

func (f *fixedClock) NowMicros() int64                             { return f.us }
func (f *fixedClock) After(d time.Duration) <-chan time.Time       { return time.After(d) }
func (f *fixedClock) NewTicker(d time.Duration) clock.Ticker       { return clock.New().NewTicker(d) }

var _ clock.Clock = (*fixedClock)(nil)

func TestReorderQueueInterleavesByDTS(t *testing.T) {
	clk := &fixedClock{us: 0}
	q := newReorderQueue(clk)
	q.Push(100, 1, []byte("video@100"))
	q.Push(50, 2, []byte("audio@50"))
	q.Push(150, 1, []byte("video@150"))
	clk.us = int64(reorderQueueDefaultTimeoutMs+1) * 1000

	// the most recently pushed item stays buffered: with only one item
	// left there is nothing to reorder it against yet, matching
	// srt_to_rtmp.cpp's is_ready (never ready below two buffered items).
	out := q.Drain()
	require.Len(t, out, 2)
	require.Equal(t, int64(50), out[0].dts)
	require.Equal(t, int64(100), out[1].dts)
}

func TestReorderQueueFlushesAtMaxLen(t *testing.T) {
	clk := &fixedClock{us: 0}
	q := newReorderQueue(clk)
	for i := 0; i < reorderQueueMaxLen; i++ {
		q.Push(int64(i), 0, nil)
	}
	_, ready := q.Pop()
	require.True(t, ready)
}

func TestRTPVideoIngestEmitsHeaderThenMedia(t *testing.T) {
	dp := &rtpio.Depacketizer{}
	p := rtpio.NewPacketizer(1, 96)

	sps := []byte{0x67, 0x42, 0x00, 0x1f}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	keyframe := make([]byte, 10)
	keyframe[0] = 0x65

	var sentHeader bool
	var frames []source.Frame
	for _, nalu := range [][]byte{sps, pps, keyframe} {
		for _, pkt := range p.PacketizeH264(nalu, 90000) {
			frames = append(frames, RTPVideoIngest(dp, pkt.Payload, pkt.Timestamp, &sentHeader)...)
		}
	}

	require.True(t, sentHeader)
	require.GreaterOrEqual(t, len(frames), 2)
	require.True(t, frames[0].IsHeader)
	require.True(t, frames[len(frames)-1].IsKey)
}

func TestFramePacketizeVideo(t *testing.T) {
	p := rtpio.NewPacketizer(7, 96)
	tag := BuildVideoTag([][]byte{{0x65, 1, 2, 3}}, true, 0)
	f := source.Frame{Kind: source.FrameVideo, Timestamp: 1000, Payload: tag}
	pkts := FramePacketize(f, p)
	require.Len(t, pkts, 1)
	require.Equal(t, uint32(90000), pkts[0].Timestamp)
}

func TestFramePacketizeAudio(t *testing.T) {
	p := rtpio.NewPacketizer(7, 111)
	tag := BuildOpusTag([]byte("opus-frame"), false)
	f := source.Frame{Kind: source.FrameAudio, Timestamp: 20, Payload: tag}
	pkts := FramePacketize(f, p)
	require.Len(t, pkts, 1)
	require.Equal(t, []byte("opus-frame"), pkts[0].Payload)
}
