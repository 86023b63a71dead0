package bridge

import (
	"github.com/AgustinSRG/live-media-core/internal/mpegts"
	"github.com/AgustinSRG/live-media-core/internal/source"
)

// TSEgress re-muxes FLV-shaped source.Frames back into MPEG-TS packets,
// the inverse of TSIngest, for an SRT "request" (pull) consumer. SPS/PPS
// from the video sequence header are cached and re-prefixed onto every
// keyframe access unit (TS/Annex-B carries parameter sets in-band, unlike
// FLV's out-of-band sequence header); the AAC AudioSpecificConfig is
// likewise cached and used to rebuild an ADTS header per raw frame.
type TSEgress struct {
	mux *mpegts.Muxer

	sps, pps []byte

	aacObjType, aacSamplingIndex, aacChanConfig byte
	haveAACConfig                               bool
}

// NewTSEgress builds a muxer declaring H.264 video and AAC audio PIDs;
// an absent track simply never receives PES packets on its PID.
func NewTSEgress() *TSEgress {
	return &TSEgress{mux: mpegts.NewMuxer(mpegts.StreamTypeH264, mpegts.StreamTypeAAC)}
}

// Feed converts one outgoing Frame into zero or more 188-byte TS packets.
func (e *TSEgress) Feed(f source.Frame) [][]byte {
	switch f.Kind {
	case source.FrameVideo:
		return e.feedVideo(f)
	case source.FrameAudio:
		return e.feedAudio(f)
	default:
		return nil
	}
}

func (e *TSEgress) feedVideo(f source.Frame) [][]byte {
	nalus, isHeader, isKey, ok := ParseVideoTag(f.Payload)
	if !ok {
		return nil
	}
	if isHeader {
		if len(nalus) == 2 {
			e.sps, e.pps = nalus[0], nalus[1]
		}
		return nil
	}

	au := nalus
	if isKey && e.sps != nil && e.pps != nil {
		au = append([][]byte{e.sps, e.pps}, nalus...)
	}

	ts := uint64(f.Timestamp) * 90 // ms to the 90kHz TS clock
	return e.mux.MuxVideo(BuildAnnexB(au), ts, ts, isKey)
}

func (e *TSEgress) feedAudio(f source.Frame) [][]byte {
	soundFormat, isHeader, raw, ok := ParseAudioTag(f.Payload)
	if !ok || soundFormat != soundFormatAAC {
		return nil // SRT egress only carries AAC; Opus has no assigned TS stream type here
	}
	if isHeader {
		e.aacObjType, e.aacSamplingIndex, e.aacChanConfig = parseAudioSpecificConfig(raw)
		e.haveAACConfig = true
		return nil
	}
	if !e.haveAACConfig {
		return nil
	}

	adts := append(buildADTSHeader(e.aacObjType, e.aacSamplingIndex, e.aacChanConfig, len(raw)), raw...)
	ts := uint64(f.Timestamp) * 90
	return e.mux.MuxAudio(adts, ts)
}
