package mpegts

import "github.com/AgustinSRG/live-media-core/internal/errorsx"

// PESFrame is one assembled elementary stream access unit with its
// presentation/decode timestamps (90kHz clock), per spec §4.2.
type PESFrame struct {
	StreamID byte
	PTS      uint64
	DTS      uint64
	// PayloadLength is PES_packet_length's declared elementary-stream byte
	// count, or 0 when unbounded (allowed for video). The demuxer uses it
	// to trim trailing TS stuffing bytes from the last packet of a frame.
	PayloadLength int
	Payload       []byte
}

// ParsePESHeader decodes a PES header from the front of buf (immediately
// following the TS payload start), returning the header size (so the
// caller can slice buf[headerSize:] as the payload-carrying remainder of
// this packet) and the timestamps. buf may be shorter than the full PES
// packet; only the header portion is required to be present.
func ParsePESHeader(buf []byte) (PESFrame, int, error) {
	if len(buf) < 6 {
		return PESFrame{}, 0, errorsx.Malformed(errorsx.CodeBadSync, "truncated pes header")
	}
	prefix := uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
	if prefix != 0x000001 {
		return PESFrame{}, 0, errorsx.Malformed(errorsx.CodeBadSync, "bad pes start code prefix")
	}
	streamID := buf[3]
	packetLength := int(buf[4])<<8 | int(buf[5])
	pos := 6

	f := PESFrame{StreamID: streamID, PayloadLength: packetLength}

	if isPlainStreamID(streamID) {
		return f, pos, nil
	}

	if len(buf) < 9 {
		return PESFrame{}, 0, errorsx.Malformed(errorsx.CodeBadSync, "truncated pes optional header")
	}
	ptsDTSFlags := (buf[pos+1] >> 6) & 0x03
	headerDataLen := int(buf[pos+2])
	optStart := pos + 3
	pos = optStart + headerDataLen

	if ptsDTSFlags == 2 {
		if len(buf) < optStart+5 {
			return PESFrame{}, 0, errorsx.Malformed(errorsx.CodeBadSync, "truncated pts")
		}
		f.PTS = readTimestamp(buf[optStart:])
		f.DTS = f.PTS
	} else if ptsDTSFlags == 3 {
		if len(buf) < optStart+10 {
			return PESFrame{}, 0, errorsx.Malformed(errorsx.CodeBadSync, "truncated pts/dts")
		}
		f.PTS = readTimestamp(buf[optStart:])
		f.DTS = readTimestamp(buf[optStart+5:])
	}

	if packetLength > 0 {
		f.PayloadLength = packetLength - 3 - headerDataLen
	} else {
		f.PayloadLength = 0 // unbounded; caller relies on the next payload_unit_start
	}

	return f, pos, nil
}

func isPlainStreamID(id byte) bool {
	switch id {
	case 188, 190, 191, 240, 241, 242, 248, 255:
		return true
	}
	return false
}

func readTimestamp(b []byte) uint64 {
	return (uint64(b[0]>>1&0x07) << 30) |
		(uint64(b[1]) << 22) |
		(uint64(b[2]>>1&0x7F) << 15) |
		(uint64(b[3]) << 7) |
		uint64(b[4]>>1&0x7F)
}

func writeTimestamp(marker byte, ts uint64) []byte {
	b := make([]byte, 5)
	b[0] = (marker << 4) | byte((ts>>30)&0x07)<<1 | 0x01
	b[1] = byte(ts >> 22)
	b[2] = byte((ts>>15)&0x7F)<<1 | 0x01
	b[3] = byte(ts >> 7)
	b[4] = byte(ts&0x7F)<<1 | 0x01
	return b
}

// BuildPESHeader encodes a PES header carrying both PTS and DTS, as
// produced for video access units with B-frame reordering (H.264/H.265);
// audio frames may pass pts==dts.
func BuildPESHeader(streamID byte, pts, dts uint64, payloadLen int) []byte {
	ts := append(writeTimestamp(0x03, pts), writeTimestamp(0x01, dts)...)

	header := make([]byte, 0, 9+len(ts))
	header = append(header, 0x00, 0x00, 0x01, streamID)

	packetLength := 3 + len(ts) + payloadLen
	if packetLength > 0xFFFF {
		packetLength = 0 // unbounded, allowed for video per spec
	}
	header = append(header, byte(packetLength>>8), byte(packetLength))

	header = append(header, 0x80)          // '10' + flags all zero
	header = append(header, 0xC0)           // PTS_DTS_flags = 11
	header = append(header, byte(len(ts)))  // PES_header_data_length
	header = append(header, ts...)
	return header
}
