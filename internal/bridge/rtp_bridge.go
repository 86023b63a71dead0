package bridge

import (
	"github.com/pion/rtp"

	"github.com/AgustinSRG/live-media-core/internal/rtpio"
	"github.com/AgustinSRG/live-media-core/internal/source"
)

// RTPVideoIngest reassembles one RTP payload into a FLV-shaped
// source.Frame via depack, emitting a sequence-header Frame the first
// time SPS/PPS are seen and a media Frame for every completed access
// unit. Returns nil when the payload didn't complete a NALU (e.g. a
// non-final FU-A fragment).
func RTPVideoIngest(depack *rtpio.Depacketizer, payload []byte, rtpTimestamp uint32, sentHeader *bool) []source.Frame {
	nalus := depack.PushRTP(payload)
	if len(nalus) == 0 {
		return nil
	}

	tsMs := int64(rtpTimestamp / 90)

	var out []source.Frame
	var media [][]byte
	for _, n := range nalus {
		if len(n) < 5 {
			continue
		}
		body := n[4:] // strip the 4-byte Annex-B start code Depacketizer prepends
		if len(body) == 0 {
			continue
		}
		naluType := body[0] & 0x1f
		switch naluType {
		case naluTypeSPS, naluTypePPS:
			continue // handled via the depacketizer's own SPS/PPS cache below
		default:
			media = append(media, body)
		}
	}

	sps, pps := depack.ParamSets()
	if !*sentHeader && sps != nil && pps != nil {
		out = append(out, source.Frame{
			Kind:      source.FrameVideo,
			Timestamp: tsMs,
			IsHeader:  true,
			IsKey:     true,
			Payload:   BuildVideoSequenceHeaderTag(sps, pps),
		})
		*sentHeader = true
	}

	if len(media) == 0 {
		return out
	}
	isKey := IsKeyframeNALUs(media)
	out = append(out, source.Frame{
		Kind:      source.FrameVideo,
		Timestamp: tsMs,
		IsKey:     isKey,
		Payload:   BuildVideoTag(media, isKey, 0),
	})
	return out
}

// FrameToRTPPackets converts one outgoing FLV-shaped source.Frame into
// the RTP packets to send for it, using p for sequencing/SSRC. Sequence
// headers are split into SPS/PPS and packetized as standalone NALUs so
// the peer's own Depacketizer caches them before the next keyframe,
// mirroring how rtpio.Depacketizer expects to receive them.
func FrameToRTPPackets(f source.Frame, p *rtpio.Packetizer) []*rtp.Packet {
	if f.Kind != source.FrameVideo {
		return nil
	}
	nalus, _, _, ok := ParseVideoTag(f.Payload)
	if !ok {
		return nil
	}
	ts := uint32(f.Timestamp) * 90

	var out []*rtp.Packet
	for _, n := range nalus {
		out = append(out, p.PacketizeH264(n, ts)...)
	}
	return out
}

// FramePacketize converts any outgoing FLV-shaped Frame (video or audio)
// into the RTP packets to send for it.
func FramePacketize(f source.Frame, p *rtpio.Packetizer) []*rtp.Packet {
	if f.Kind == source.FrameVideo {
		return FrameToRTPPackets(f, p)
	}
	_, _, raw, ok := ParseAudioTag(f.Payload)
	if !ok {
		return nil
	}
	return []*rtp.Packet{p.PacketizeGeneric(raw, uint32(f.Timestamp)*48)}
}
