// Package mpegts implements the 188-byte MPEG-2 Transport Stream framing
// shared by SRT ingest/egress: PAT/PMT section encode+decode, PES assembly
// with PTS/DTS, continuity counters, and PCR insertion. Ported from the
// struct-offset parsing style of ts_demux.cpp/.hpp (original_source) and
// the teacher's own explicit-byte-offset idiom (amf0.go, bitop.go).
package mpegts

import "github.com/AgustinSRG/live-media-core/internal/errorsx"

const (
	PacketSize = 188
	SyncByte   = 0x47

	PIDPAT  = 0x0000
	PIDNull = 0x1FFF

	StreamTypeH264 = 0x1B
	StreamTypeH265 = 0x24
	StreamTypeAAC  = 0x0F
	StreamTypeMP3  = 0x03
)

// Header is a decoded 4-byte TS packet header (adaptation field, if any,
// is handled separately by the caller via AdaptationField/length).
type Header struct {
	TransportError     bool
	PayloadUnitStart    bool
	TransportPriority   bool
	PID                 uint16
	ScramblingControl   byte
	AdaptationFieldCtrl byte // 01 payload only, 10 adaptation only, 11 both
	ContinuityCounter   byte
}

// ParseHeader decodes the 4-byte TS header from the front of pkt (which
// must be exactly PacketSize bytes starting with SyncByte).
func ParseHeader(pkt []byte) (Header, error) {
	if len(pkt) != PacketSize {
		return Header{}, errorsx.Malformed(errorsx.CodeBadSync, "ts packet must be 188 bytes")
	}
	if pkt[0] != SyncByte {
		return Header{}, errorsx.Malformed(errorsx.CodeBadSync, "ts packet missing sync byte")
	}

	h := Header{
		TransportError:      pkt[1]&0x80 != 0,
		PayloadUnitStart:    pkt[1]&0x40 != 0,
		TransportPriority:   pkt[1]&0x20 != 0,
		PID:                 (uint16(pkt[1]&0x1F) << 8) | uint16(pkt[2]),
		ScramblingControl:   (pkt[3] >> 6) & 0x03,
		AdaptationFieldCtrl: (pkt[3] >> 4) & 0x03,
		ContinuityCounter:   pkt[3] & 0x0F,
	}
	return h, nil
}

// PayloadOffset returns the byte offset into pkt where the payload begins,
// accounting for an adaptation field when present.
func PayloadOffset(pkt []byte, h Header) (int, error) {
	pos := 4
	if h.AdaptationFieldCtrl == 2 || h.AdaptationFieldCtrl == 3 {
		if pos >= len(pkt) {
			return 0, errorsx.Malformed(errorsx.CodeBadSync, "truncated adaptation field")
		}
		adaptLen := int(pkt[pos])
		pos += 1 + adaptLen
	}
	if pos > len(pkt) {
		return 0, errorsx.Malformed(errorsx.CodeBadSync, "adaptation field overruns packet")
	}
	return pos, nil
}

// BuildHeader encodes a 4-byte TS header into the front of a fresh
// PacketSize-byte packet; the caller fills in the remainder.
func BuildHeader(h Header) []byte {
	pkt := make([]byte, PacketSize)
	pkt[0] = SyncByte

	pkt[1] = byte(h.PID>>8) & 0x1F
	if h.TransportError {
		pkt[1] |= 0x80
	}
	if h.PayloadUnitStart {
		pkt[1] |= 0x40
	}
	if h.TransportPriority {
		pkt[1] |= 0x20
	}
	pkt[2] = byte(h.PID)

	pkt[3] = (h.ScramblingControl << 6) | (h.AdaptationFieldCtrl << 4) | (h.ContinuityCounter & 0x0F)
	return pkt
}

// WritePCR writes an adaptation field carrying only a PCR (no other
// optional fields) at the front of the payload area, returning the new
// payload start offset. pkt must already have its header written via
// BuildHeader with AdaptationFieldCtrl set to 3.
func WritePCR(pkt []byte, pcrBase uint64, pcrExt uint16) int {
	pkt[4] = 7 // adaptation_field_length
	pkt[5] = 0x10 // PCR_flag only
	base := pcrBase & 0x1FFFFFFFF
	pkt[6] = byte(base >> 25)
	pkt[7] = byte(base >> 17)
	pkt[8] = byte(base >> 9)
	pkt[9] = byte(base >> 1)
	pkt[10] = byte(base<<7) | 0x7E | byte((pcrExt>>8)&0x01)
	pkt[11] = byte(pcrExt)
	return 12
}

// ContinuityCounters tracks the per-PID 4-bit wrapping counter used when
// muxing a fresh TS.
type ContinuityCounters struct {
	counters map[uint16]byte
}

func NewContinuityCounters() *ContinuityCounters {
	return &ContinuityCounters{counters: make(map[uint16]byte)}
}

// Next returns the next counter value for pid and advances it (wrapping
// mod 16), per spec §4.2's continuity-counter-increment requirement.
func (c *ContinuityCounters) Next(pid uint16) byte {
	v := c.counters[pid]
	c.counters[pid] = (v + 1) & 0x0F
	return v
}
