package rtcpio

import (
	"sync"

	"github.com/pion/rtcp"

	"github.com/AgustinSRG/live-media-core/internal/clock"
)

const (
	twccFlushAfterPackets = 100
	twccFlushAfterCount   = 20
	twccFlushAfterUs      = 100000
)

type twccArrival struct {
	seq      uint16
	arrived  bool
	timeUs   int64
}

// TWCCResponder accumulates per-packet arrival times (fed by
// rtpio.ExtractTWCCSeq, run ahead of SRTP decryption) and periodically
// emits a TransportLayerCC feedback packet, following the responder
// shape of draft-holmer-rmcat-transport-wide-cc-extensions-01. Unlike a
// byte-level encoder, chunk/delta construction here is handed to
// pion/rtcp's own TransportLayerCC.Marshal, which performs the bit
// packing; this type only decides which chunks/deltas to build.
type TWCCResponder struct {
	mu   sync.Mutex
	clk  clock.Clock
	ssrc uint32 // media SSRC this feedback reports on
	sender uint32

	arrivals   []twccArrival
	baseSeq    uint16
	haveBase   bool
	lastFlush  int64
	fbCount    uint8
}

func NewTWCCResponder(clk clock.Clock, senderSSRC, mediaSSRC uint32) *TWCCResponder {
	return &TWCCResponder{clk: clk, sender: senderSSRC, ssrc: mediaSSRC}
}

// Push records one packet's arrival. timeUs is the local receive
// timestamp in microseconds; marker is the RTP marker bit of the packet
// that carried this TWCC sequence (used, alongside count/time, to decide
// when to flush an early feedback packet so the sender isn't starved
// waiting on a long silent period).
func (r *TWCCResponder) Push(seq uint16, timeUs int64, marker bool) *rtcp.TransportLayerCC {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.haveBase {
		r.baseSeq = seq
		r.haveBase = true
		r.lastFlush = timeUs
	}

	idx := int(seq - r.baseSeq)
	for idx >= len(r.arrivals) {
		r.arrivals = append(r.arrivals, twccArrival{})
	}
	r.arrivals[idx] = twccArrival{seq: seq, arrived: true, timeUs: timeUs}

	elapsed := timeUs - r.lastFlush
	shouldFlush := len(r.arrivals) > twccFlushAfterPackets ||
		(len(r.arrivals) >= twccFlushAfterCount && elapsed >= twccFlushAfterUs) ||
		(marker && elapsed >= 50000)
	if !shouldFlush {
		return nil
	}
	return r.buildLocked()
}

func (r *TWCCResponder) buildLocked() *rtcp.TransportLayerCC {
	if len(r.arrivals) == 0 {
		return nil
	}

	var refTimeUs int64
	for _, a := range r.arrivals {
		if a.arrived {
			refTimeUs = a.timeUs
			break
		}
	}

	pkt := &rtcp.TransportLayerCC{
		SenderSSRC:         r.sender,
		MediaSSRC:          r.ssrc,
		BaseSequenceNumber: r.baseSeq,
		PacketStatusCount:  uint16(len(r.arrivals)),
		ReferenceTime:      uint32(refTimeUs / 64000), // 64ms units, per RFC draft
		FbPktCount:         r.fbCount,
	}
	r.fbCount++

	lastTimeUs := refTimeUs
	for _, a := range r.arrivals {
		if !a.arrived {
			pkt.PacketChunks = append(pkt.PacketChunks, &rtcp.RunLengthChunk{
				PacketStatusSymbol: rtcp.TypeTCCPacketNotReceived,
				RunLength:          1,
			})
			continue
		}
		deltaUs := a.timeUs - lastTimeUs
		lastTimeUs = a.timeUs

		symbol := rtcp.TypeTCCPacketReceivedSmallDelta
		deltaTicks := deltaUs / 250
		if deltaUs < 0 || deltaTicks > 255 {
			symbol = rtcp.TypeTCCPacketReceivedLargeDelta
			pkt.RecvDeltas = append(pkt.RecvDeltas, &rtcp.RecvDelta{Type: symbol, Delta: deltaUs * 1000})
		} else {
			pkt.RecvDeltas = append(pkt.RecvDeltas, &rtcp.RecvDelta{Type: symbol, Delta: deltaTicks * 250 * 1000})
		}
		pkt.PacketChunks = append(pkt.PacketChunks, &rtcp.RunLengthChunk{
			PacketStatusSymbol: symbol,
			RunLength:          1,
		})
	}

	r.arrivals = r.arrivals[:0]
	r.haveBase = false
	return pkt
}
