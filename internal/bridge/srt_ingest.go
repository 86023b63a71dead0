package bridge

import (
	"github.com/AgustinSRG/live-media-core/internal/clock"
	"github.com/AgustinSRG/live-media-core/internal/config"
	"github.com/AgustinSRG/live-media-core/internal/mpegts"
	"github.com/AgustinSRG/live-media-core/internal/source"
)

// TSIngest turns a demuxed MPEG-TS elementary stream (as fed by an SRT
// connection's mpegts.Demuxer) into source.Frames published on src,
// applying the mix-correct reorder buffer from srt_to_rtmp.cpp when the
// configuration (SrtMixCorrect) enables it. One TSIngest serves one published
// stream; audio and video PIDs both flow through the same instance so
// mix-correct can interleave them.
type TSIngest struct {
	src   *source.Source
	cfg   config.Config
	vhost string

	mix *reorderQueue

	haveVideoHeader bool
	haveAudioHeader bool
}

func NewTSIngest(src *source.Source, cfg config.Config, vhost string, clk clock.Clock) *TSIngest {
	t := &TSIngest{src: src, cfg: cfg, vhost: vhost}
	if cfg.SrtMixCorrect() {
		t.mix = newReorderQueue(clk)
	}
	return t
}

// Feed processes one completed mpegts.Frame (video or audio access unit)
// and publishes the resulting FLV-shaped source.Frame(s), either directly
// or through the mix-correct reorder buffer.
func (t *TSIngest) Feed(f *mpegts.Frame) {
	switch f.StreamType {
	case mpegts.StreamTypeH264:
		t.feedVideo(f)
	case mpegts.StreamTypeAAC:
		t.feedAudio(f)
	}
}

func (t *TSIngest) feedVideo(f *mpegts.Frame) {
	dtsMs := int64(f.DTS / 90)
	ctsMs := int32(0)
	if f.PTS > f.DTS {
		ctsMs = int32((f.PTS - f.DTS) / 90)
	}

	nalus := SplitAnnexB(f.Payload)
	if len(nalus) == 0 {
		return
	}

	if !t.haveVideoHeader {
		sps, pps := ExtractParamSets(nalus)
		if sps != nil && pps != nil {
			t.publishVideo(dtsMs, BuildVideoSequenceHeaderTag(sps, pps), true, true)
			t.haveVideoHeader = true
		}
	}

	var media [][]byte
	for _, n := range nalus {
		naluType := n[0] & 0x1f
		if naluType == naluTypeSPS || naluType == naluTypePPS || naluType == naluTypeSEI {
			continue
		}
		media = append(media, n)
	}
	if len(media) == 0 {
		return
	}
	isKey := IsKeyframeNALUs(media)
	t.publishVideo(dtsMs, BuildVideoTag(media, isKey, ctsMs), false, isKey)
}

func (t *TSIngest) feedAudio(f *mpegts.Frame) {
	dtsMs := int64(f.DTS / 90)
	frames := ParseADTS(f.Payload)
	for _, af := range frames {
		if !t.haveAudioHeader {
			t.publishAudio(dtsMs, BuildAudioSequenceHeaderTag(af), true)
			t.haveAudioHeader = true
		}
		t.publishAudio(dtsMs, BuildAudioRawTag(af.raw), false)
	}
}

func (t *TSIngest) publishVideo(dtsMs int64, tag []byte, isHeader, isKey bool) {
	if t.mix == nil {
		t.src.PublishFrame(source.Frame{Kind: source.FrameVideo, Timestamp: dtsMs, IsHeader: isHeader, IsKey: isKey, Payload: tag})
		return
	}
	t.mix.Push(dtsMs, frameKindEncode(source.FrameVideo, isHeader, isKey), tag)
	t.drainMix()
}

func (t *TSIngest) publishAudio(dtsMs int64, tag []byte, isHeader bool) {
	if t.mix == nil {
		t.src.PublishFrame(source.Frame{Kind: source.FrameAudio, Timestamp: dtsMs, IsHeader: isHeader, Payload: tag})
		return
	}
	t.mix.Push(dtsMs, frameKindEncode(source.FrameAudio, isHeader, false), tag)
	t.drainMix()
}

// Flush releases every mix-correct item still ready, meant to be called
// periodically (e.g. off the 100ms shared scheduler tick) so a track that
// has gone briefly silent doesn't hold up frames already past the
// reorder timeout.
func (t *TSIngest) Flush() {
	if t.mix != nil {
		t.drainMix()
	}
}

func (t *TSIngest) drainMix() {
	for _, item := range t.mix.Drain() {
		kind, isHeader, isKey := frameKindDecode(item.kind)
		t.src.PublishFrame(source.Frame{Kind: kind, Timestamp: item.dts, IsHeader: isHeader, IsKey: isKey, Payload: item.data})
	}
}

// frameKindEncode/Decode pack source.FrameKind plus the header/key flags
// into reorderItem's plain int field, since reorder.go is deliberately
// independent of the source package.
func frameKindEncode(kind source.FrameKind, isHeader, isKey bool) int {
	v := int(kind) << 2
	if isHeader {
		v |= 0x1
	}
	if isKey {
		v |= 0x2
	}
	return v
}

func frameKindDecode(v int) (source.FrameKind, bool, bool) {
	return source.FrameKind(v >> 2), v&0x1 != 0, v&0x2 != 0
}
