// Package rtpio implements the RTP fast path: a TWCC-sequence extractor
// that runs before SRTP decryption, an SRTP transport wrapper with
// Secure/Semi/Plaintext variants, and FU-A packetization for WebRTC
// egress. Grounded on gtfodev-camsRelay/pkg/rtp (H.264/AAC RTP handling
// style) and pion/rtp, pion/srtp for the wire types themselves.
package rtpio

import (
	"encoding/binary"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"

	"github.com/AgustinSRG/live-media-core/internal/errorsx"
)

const (
	naluTypePFrame = 1
	naluTypeIFrame = 5
	naluTypeSPS    = 7
	naluTypePPS    = 8
	naluTypeSTAPA  = 24
	naluTypeFUA    = 28

	// maxSingleNALUSize is the MTU-aware threshold above which a NALU is
	// split into FU-A fragments instead of sent as a single NAL unit.
	maxSingleNALUSize = 1200
)

// oneByteTWCCExtensionID is the RTP header extension id this core
// negotiates for transport-wide congestion control sequence numbers, per
// the one-byte header extension form (RFC 8285 §4.2).
const oneByteTWCCExtensionID = 3

// ExtractTWCCSeq locates the TWCC sequence number in buf's RTP header
// extension, if present, without touching the (possibly still encrypted)
// payload. This must run before SRTP unprotect: padding packets can fail
// SRTP auth yet still carry a TWCC sequence that must be counted, and a
// server-generated retransmit can duplicate a port's sequence space.
func ExtractTWCCSeq(buf []byte) (seq uint16, ok bool) {
	if len(buf) < 12 {
		return 0, false
	}
	hasExtension := buf[0]&0x10 != 0
	if !hasExtension {
		return 0, false
	}
	csrcCount := int(buf[0] & 0x0f)
	extHeaderOffset := 12 + 4*csrcCount
	if len(buf) < extHeaderOffset+4 {
		return 0, false
	}

	profile := binary.BigEndian.Uint16(buf[extHeaderOffset : extHeaderOffset+2])
	extLenWords := int(binary.BigEndian.Uint16(buf[extHeaderOffset+2 : extHeaderOffset+4]))
	extBody := buf[extHeaderOffset+4:]
	extLen := extLenWords * 4
	if len(extBody) < extLen {
		return 0, false
	}
	extBody = extBody[:extLen]

	switch profile {
	case 0xBEDE: // one-byte header extensions
		return scanOneByteExtensions(extBody)
	case 0x1000: // two-byte header extensions (0x100 top bits + 0x0 low nibble variants)
		return scanTwoByteExtensions(extBody)
	default:
		return 0, false
	}
}

func scanOneByteExtensions(body []byte) (uint16, bool) {
	for i := 0; i < len(body); {
		b := body[i]
		if b == 0x00 { // padding
			i++
			continue
		}
		id := b >> 4
		length := int(b&0x0f) + 1
		i++
		if i+length > len(body) {
			return 0, false
		}
		if int(id) == oneByteTWCCExtensionID && length == 2 {
			return binary.BigEndian.Uint16(body[i : i+2]), true
		}
		i += length
	}
	return 0, false
}

func scanTwoByteExtensions(body []byte) (uint16, bool) {
	for i := 0; i+2 <= len(body); {
		id := body[i]
		length := int(body[i+1])
		i += 2
		if id == 0 {
			continue
		}
		if i+length > len(body) {
			return 0, false
		}
		if int(id) == oneByteTWCCExtensionID && length == 2 {
			return binary.BigEndian.Uint16(body[i : i+2]), true
		}
		i += length
	}
	return 0, false
}

// Transport is the SRTP variant a connection is configured with. Per spec
// §4.4 two degraded modes exist purely for testing.
type Transport interface {
	ProtectRTP(buf []byte) ([]byte, error)
	ProtectRTCP(buf []byte) ([]byte, error)
	UnprotectRTP(buf []byte) ([]byte, error)
	UnprotectRTCP(buf []byte) ([]byte, error)
}

// SecureTransport wraps pion/srtp's context, the production variant.
type SecureTransport struct {
	ctx *srtp.Context
}

func NewSecureTransport(ctx *srtp.Context) *SecureTransport { return &SecureTransport{ctx: ctx} }

func (t *SecureTransport) ProtectRTP(buf []byte) ([]byte, error) {
	out, err := t.ctx.EncryptRTP(nil, buf, nil)
	if err != nil {
		return nil, errorsx.Wrap(errorsx.CryptoFailure, errorsx.CodeSrtpAuth, "srtp protect failed", err)
	}
	return out, nil
}

func (t *SecureTransport) ProtectRTCP(buf []byte) ([]byte, error) {
	out, err := t.ctx.EncryptRTCP(nil, buf, nil)
	if err != nil {
		return nil, errorsx.Wrap(errorsx.CryptoFailure, errorsx.CodeSrtpAuth, "srtcp protect failed", err)
	}
	return out, nil
}

func (t *SecureTransport) UnprotectRTP(buf []byte) ([]byte, error) {
	out, err := t.ctx.DecryptRTP(nil, buf, nil)
	if err != nil {
		return nil, errorsx.Wrap(errorsx.CryptoFailure, errorsx.CodeSrtpAuth, "srtp unprotect failed", err)
	}
	return out, nil
}

func (t *SecureTransport) UnprotectRTCP(buf []byte) ([]byte, error) {
	out, err := t.ctx.DecryptRTCP(nil, buf, nil)
	if err != nil {
		return nil, errorsx.Wrap(errorsx.CryptoFailure, errorsx.CodeSrtpAuth, "srtcp unprotect failed", err)
	}
	return out, nil
}

// DuplexSecureTransport wraps two independent SRTP contexts, one for
// each direction, since DTLS-SRTP key export yields distinct client and
// server write keys (RFC 5764 §4.2) rather than one shared context.
type DuplexSecureTransport struct {
	read  *srtp.Context
	write *srtp.Context
}

func NewDuplexSecureTransport(readCtx, writeCtx *srtp.Context) *DuplexSecureTransport {
	return &DuplexSecureTransport{read: readCtx, write: writeCtx}
}

func (t *DuplexSecureTransport) ProtectRTP(buf []byte) ([]byte, error) {
	out, err := t.write.EncryptRTP(nil, buf, nil)
	if err != nil {
		return nil, errorsx.Wrap(errorsx.CryptoFailure, errorsx.CodeSrtpAuth, "srtp protect failed", err)
	}
	return out, nil
}

func (t *DuplexSecureTransport) ProtectRTCP(buf []byte) ([]byte, error) {
	out, err := t.write.EncryptRTCP(nil, buf, nil)
	if err != nil {
		return nil, errorsx.Wrap(errorsx.CryptoFailure, errorsx.CodeSrtpAuth, "srtcp protect failed", err)
	}
	return out, nil
}

func (t *DuplexSecureTransport) UnprotectRTP(buf []byte) ([]byte, error) {
	out, err := t.read.DecryptRTP(nil, buf, nil)
	if err != nil {
		return nil, errorsx.Wrap(errorsx.CryptoFailure, errorsx.CodeSrtpAuth, "srtp unprotect failed", err)
	}
	return out, nil
}

func (t *DuplexSecureTransport) UnprotectRTCP(buf []byte) ([]byte, error) {
	out, err := t.read.DecryptRTCP(nil, buf, nil)
	if err != nil {
		return nil, errorsx.Wrap(errorsx.CryptoFailure, errorsx.CodeSrtpAuth, "srtcp unprotect failed", err)
	}
	return out, nil
}

// SemiTransport encrypts RTCP only, leaving RTP plaintext. Test-only.
type SemiTransport struct {
	ctx *srtp.Context
}

func NewSemiTransport(ctx *srtp.Context) *SemiTransport { return &SemiTransport{ctx: ctx} }

func (t *SemiTransport) ProtectRTP(buf []byte) ([]byte, error)   { return buf, nil }
func (t *SemiTransport) UnprotectRTP(buf []byte) ([]byte, error) { return buf, nil }
func (t *SemiTransport) ProtectRTCP(buf []byte) ([]byte, error) {
	out, err := t.ctx.EncryptRTCP(nil, buf, nil)
	if err != nil {
		return nil, errorsx.Wrap(errorsx.CryptoFailure, errorsx.CodeSrtpAuth, "srtcp protect failed", err)
	}
	return out, nil
}
func (t *SemiTransport) UnprotectRTCP(buf []byte) ([]byte, error) {
	out, err := t.ctx.DecryptRTCP(nil, buf, nil)
	if err != nil {
		return nil, errorsx.Wrap(errorsx.CryptoFailure, errorsx.CodeSrtpAuth, "srtcp unprotect failed", err)
	}
	return out, nil
}

// PlaintextTransport performs no cryptographic operation. Test-only.
type PlaintextTransport struct{}

func (PlaintextTransport) ProtectRTP(buf []byte) ([]byte, error)    { return buf, nil }
func (PlaintextTransport) ProtectRTCP(buf []byte) ([]byte, error)   { return buf, nil }
func (PlaintextTransport) UnprotectRTP(buf []byte) ([]byte, error)  { return buf, nil }
func (PlaintextTransport) UnprotectRTCP(buf []byte) ([]byte, error) { return buf, nil }

// Packetizer splits H.264 Annex-B NALUs into RTP packets, using FU-A
// fragmentation for NALUs exceeding maxSingleNALUSize, mirroring the
// aggregation/fragmentation framing gtfodev-camsRelay's H264Processor
// decodes, run in reverse for egress.
type Packetizer struct {
	SSRC      uint32
	PayloadType uint8
	MTU       int
	seq       uint16
}

func NewPacketizer(ssrc uint32, pt uint8) *Packetizer {
	return &Packetizer{SSRC: ssrc, PayloadType: pt, MTU: maxSingleNALUSize}
}

// PacketizeH264 splits one Annex-B NALU (no start code) into one or more
// RTP packets at timestamp ts (90kHz clock), marker set on the final
// packet of the NALU.
func (p *Packetizer) PacketizeH264(nalu []byte, ts uint32) []*rtp.Packet {
	if len(nalu) == 0 {
		return nil
	}
	if len(nalu) <= p.MTU {
		return []*rtp.Packet{p.newPacket(nalu, ts, true)}
	}

	naluHeader := nalu[0]
	naluType := naluHeader & 0x1f
	payload := nalu[1:]

	var out []*rtp.Packet
	for len(payload) > 0 {
		chunkSize := p.MTU - 2
		if chunkSize > len(payload) {
			chunkSize = len(payload)
		}
		start := len(out) == 0
		end := chunkSize == len(payload)

		fuIndicator := (naluHeader & 0xe0) | naluTypeFUA
		fuHeader := naluType
		if start {
			fuHeader |= 0x80
		}
		if end {
			fuHeader |= 0x40
		}

		frag := make([]byte, 2+chunkSize)
		frag[0] = fuIndicator
		frag[1] = fuHeader
		copy(frag[2:], payload[:chunkSize])

		out = append(out, p.newPacket(frag, ts, end))
		payload = payload[chunkSize:]
	}
	return out
}

func (p *Packetizer) newPacket(payload []byte, ts uint32, marker bool) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    p.PayloadType,
			SequenceNumber: p.seq,
			Timestamp:      ts,
			SSRC:           p.SSRC,
		},
		Payload: payload,
	}
	p.seq++
	return pkt
}

func isKeyframeNALU(naluType byte) bool { return naluType == naluTypeIFrame }

// PacketizeGeneric wraps one opaque payload (e.g. an Opus frame) in a
// single RTP packet with the marker bit set, for codecs that need no
// NALU-aware fragmentation.
func (p *Packetizer) PacketizeGeneric(payload []byte, ts uint32) *rtp.Packet {
	return p.newPacket(payload, ts, true)
}

// Depacketizer reassembles H.264 NALUs from inbound RTP payloads (FU-A
// fragments and STAP-A aggregates), mirroring the reassembly logic of
// gtfodev-camsRelay's H264Processor. Used on the WebRTC ingest path.
type Depacketizer struct {
	fuBuf    []byte
	fuActive bool
	sps, pps []byte
}

// PushRTP feeds one RTP payload and returns zero or more complete Annex-B
// NALUs (start-code prefixed) extracted from it. SPS/PPS are cached and
// re-prepended ahead of every keyframe, since many WebRTC encoders only
// send parameter sets once at stream start.
func (d *Depacketizer) PushRTP(payload []byte) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	naluType := payload[0] & 0x1f

	switch naluType {
	case naluTypeFUA:
		return d.pushFUA(payload)
	case naluTypeSTAPA:
		return d.pushSTAPA(payload[1:])
	default:
		d.cacheParamSet(naluType, payload)
		return d.prependParamSets(naluType, payload)
	}
}

func (d *Depacketizer) pushFUA(payload []byte) [][]byte {
	if len(payload) < 2 {
		return nil
	}
	fuIndicator, fuHeader := payload[0], payload[1]
	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	naluType := fuHeader & 0x1f

	if start {
		d.fuBuf = append([]byte{}, (fuIndicator&0xe0)|naluType)
		d.fuActive = true
	}
	if !d.fuActive {
		return nil
	}
	d.fuBuf = append(d.fuBuf, payload[2:]...)

	if end {
		nalu := d.fuBuf
		d.fuBuf = nil
		d.fuActive = false
		d.cacheParamSet(naluType, nalu)
		return d.prependParamSets(naluType, nalu)
	}
	return nil
}

func (d *Depacketizer) pushSTAPA(body []byte) [][]byte {
	var out [][]byte
	for len(body) >= 2 {
		size := int(binary.BigEndian.Uint16(body[:2]))
		body = body[2:]
		if size > len(body) {
			break
		}
		nalu := body[:size]
		body = body[size:]
		naluType := nalu[0] & 0x1f
		d.cacheParamSet(naluType, nalu)
		out = append(out, d.prependParamSets(naluType, nalu)...)
	}
	return out
}

// ParamSets returns the most recently cached SPS/PPS, or nil if none has
// arrived yet.
func (d *Depacketizer) ParamSets() (sps, pps []byte) { return d.sps, d.pps }

func (d *Depacketizer) cacheParamSet(naluType byte, nalu []byte) {
	switch naluType {
	case naluTypeSPS:
		d.sps = append([]byte{}, nalu...)
	case naluTypePPS:
		d.pps = append([]byte{}, nalu...)
	}
}

func (d *Depacketizer) prependParamSets(naluType byte, nalu []byte) [][]byte {
	if naluType != naluTypeIFrame || d.sps == nil || d.pps == nil {
		return [][]byte{annexB(nalu)}
	}
	return [][]byte{annexB(d.sps), annexB(d.pps), annexB(nalu)}
}

func annexB(nalu []byte) []byte {
	out := make([]byte, 0, len(nalu)+4)
	out = append(out, 0x00, 0x00, 0x00, 0x01)
	return append(out, nalu...)
}
