// Package bridge wires the protocol-specific wire formats (MPEG-TS over
// SRT, RTP over WebRTC) onto the shared FLV-tag-shaped source.Frame
// convention RTMP already uses (internal/rtmp/session.go's
// handleAudio/handleVideo), so all three protocols publish into and
// consume from the same internal/source fanout without a protocol ever
// needing to know the others exist.
package bridge

import "encoding/binary"

// NALU types used by Annex-B/AVCC H.264, per ISO/IEC 14496-10 §7.3.1.
const (
	naluTypePFrame = 1
	naluTypeIDR    = 5
	naluTypeSEI    = 6
	naluTypeSPS    = 7
	naluTypePPS    = 8
)

// SplitAnnexB splits one Annex-B byte stream (0001-or-001-prefixed NALUs,
// as produced by internal/mpegts's H.264 PES payload and by
// rtpio.Depacketizer) into individual NALUs with their start codes
// stripped.
func SplitAnnexB(buf []byte) [][]byte {
	starts := findStartCodes(buf)
	if len(starts) == 0 {
		return nil
	}
	out := make([][]byte, 0, len(starts))
	for i, s := range starts {
		end := len(buf)
		if i+1 < len(starts) {
			end = starts[i+1].pos
		}
		nalu := buf[s.pos+s.len : end]
		if len(nalu) > 0 {
			out = append(out, nalu)
		}
	}
	return out
}

// BuildAnnexB is SplitAnnexB's inverse: prefixes each NALU with a 4-byte
// start code, the layout internal/mpegts's H.264 PES payload expects.
func BuildAnnexB(nalus [][]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += 4 + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

type startCode struct {
	pos, len int
}

func findStartCodes(buf []byte) []startCode {
	var out []startCode
	for i := 0; i+3 <= len(buf); i++ {
		if buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1 {
			out = append(out, startCode{pos: i, len: 3})
			i += 2
		} else if i+4 <= len(buf) && buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 0 && buf[i+3] == 1 {
			out = append(out, startCode{pos: i, len: 4})
			i += 3
		}
	}
	return out
}

// IsKeyframeNALUs reports whether nalus (one access unit) contains an IDR
// slice.
func IsKeyframeNALUs(nalus [][]byte) bool {
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		if n[0]&0x1f == naluTypeIDR {
			return true
		}
	}
	return false
}

// ExtractParamSets pulls the first SPS/PPS pair found in nalus, if any.
func ExtractParamSets(nalus [][]byte) (sps, pps []byte) {
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		switch n[0] & 0x1f {
		case naluTypeSPS:
			if sps == nil {
				sps = n
			}
		case naluTypePPS:
			if pps == nil {
				pps = n
			}
		}
	}
	return sps, pps
}

// buildAVCC re-encodes a list of NALUs (no start codes) as AVCC:
// 4-byte big-endian length prefix followed by the NALU bytes, repeated.
func buildAVCC(nalus [][]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += 4 + len(n)
	}
	out := make([]byte, 0, size)
	var lenBuf [4]byte
	for _, n := range nalus {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(n)))
		out = append(out, lenBuf[:]...)
		out = append(out, n...)
	}
	return out
}

// SplitAVCC is buildAVCC's inverse: splits a 4-byte-length-prefixed NALU
// stream (the body of a non-header AVC video tag) back into individual
// NALUs.
func SplitAVCC(buf []byte) [][]byte {
	var out [][]byte
	for len(buf) >= 4 {
		n := int(binary.BigEndian.Uint32(buf[:4]))
		buf = buf[4:]
		if n > len(buf) {
			break
		}
		out = append(out, buf[:n])
		buf = buf[n:]
	}
	return out
}

// buildAVCDecoderConfigurationRecord encodes the AVC sequence header body
// per ISO/IEC 14496-15 §5.2.4.1: version, profile/compat/level lifted
// straight from the SPS, a fixed 0xff (6 reserved bits + 2-bit NALU
// length size minus one, always 3 here) and one SPS plus one PPS.
func buildAVCDecoderConfigurationRecord(sps, pps []byte) []byte {
	out := make([]byte, 0, 11+len(sps)+len(pps))
	out = append(out, 0x01)
	if len(sps) >= 4 {
		out = append(out, sps[1], sps[2], sps[3])
	} else {
		out = append(out, 0x42, 0x00, 0x1f)
	}
	out = append(out, 0xff)    // reserved(6) + lengthSizeMinusOne(2) = 3
	out = append(out, 0xe1)    // reserved(3) + numOfSPS(5) = 1
	out = appendU16Prefixed(out, sps)
	out = append(out, 0x01) // numOfPPS
	out = appendU16Prefixed(out, pps)
	return out
}

func appendU16Prefixed(out []byte, data []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))
	out = append(out, lenBuf[:]...)
	return append(out, data...)
}

// ParseAVCDecoderConfigurationRecord extracts the (first) SPS/PPS from an
// AVCDecoderConfigurationRecord, the inverse of
// buildAVCDecoderConfigurationRecord.
func ParseAVCDecoderConfigurationRecord(buf []byte) (sps, pps []byte, ok bool) {
	if len(buf) < 6 {
		return nil, nil, false
	}
	numSPS := int(buf[5] & 0x1f)
	pos := 6
	for i := 0; i < numSPS && pos+2 <= len(buf); i++ {
		l := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
		pos += 2
		if pos+l > len(buf) {
			return nil, nil, false
		}
		if i == 0 {
			sps = buf[pos : pos+l]
		}
		pos += l
	}
	if pos >= len(buf) {
		return nil, nil, false
	}
	numPPS := int(buf[pos])
	pos++
	for i := 0; i < numPPS && pos+2 <= len(buf); i++ {
		l := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
		pos += 2
		if pos+l > len(buf) {
			return nil, nil, false
		}
		if i == 0 {
			pps = buf[pos : pos+l]
		}
		pos += l
	}
	return sps, pps, sps != nil && pps != nil
}

// Video tag codec ids and AVC packet types, FLV spec Annex E.
const (
	videoCodecAVC           = 7
	frameTypeKey            = 1
	frameTypeInter          = 2
	avcPacketTypeSeqHeader  = 0
	avcPacketTypeNALU       = 1
)

// BuildVideoSequenceHeaderTag builds the FLV video tag body (frame type |
// codec id byte, AVC packet type, 3-byte CTS, AVCDecoderConfigurationRecord)
// for an H.264 sequence header, matching the byte layout
// internal/rtmp/session.go's handleVideo already expects on Frame.Payload.
func BuildVideoSequenceHeaderTag(sps, pps []byte) []byte {
	record := buildAVCDecoderConfigurationRecord(sps, pps)
	out := make([]byte, 5, 5+len(record))
	out[0] = frameTypeKey<<4 | videoCodecAVC
	out[1] = avcPacketTypeSeqHeader
	// CTS is irrelevant for a sequence header; left zero.
	return append(out, record...)
}

// BuildVideoTag builds the FLV video tag body for one access unit's NALUs
// (SPS/PPS stripped by the caller; only slice NALUs belong here), with
// cts the presentation-minus-decode offset in the same clock as dts.
func BuildVideoTag(nalus [][]byte, isKeyframe bool, cts int32) []byte {
	frameType := byte(frameTypeInter)
	if isKeyframe {
		frameType = frameTypeKey
	}
	out := make([]byte, 5)
	out[0] = frameType<<4 | videoCodecAVC
	out[1] = avcPacketTypeNALU
	putCTS(out[2:5], cts)
	return append(out, buildAVCC(nalus)...)
}

func putCTS(b []byte, cts int32) {
	b[0] = byte(cts >> 16)
	b[1] = byte(cts >> 8)
	b[2] = byte(cts)
}

// ParseVideoTag extracts the NALUs, header/keyframe flags from a video
// tag body. For a sequence header (avcPacketType 0) it returns the SPS
// and PPS as the two NALUs.
func ParseVideoTag(payload []byte) (nalus [][]byte, isHeader, isKeyframe bool, ok bool) {
	if len(payload) < 5 {
		return nil, false, false, false
	}
	frameType := payload[0] >> 4
	avcPacketType := payload[1]
	isKeyframe = frameType == frameTypeKey
	if avcPacketType == avcPacketTypeSeqHeader {
		sps, pps, parsedOK := ParseAVCDecoderConfigurationRecord(payload[5:])
		if !parsedOK {
			return nil, true, isKeyframe, false
		}
		return [][]byte{sps, pps}, true, isKeyframe, true
	}
	return SplitAVCC(payload[5:]), false, isKeyframe, true
}
