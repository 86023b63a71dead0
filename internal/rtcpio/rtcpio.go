// Package rtcpio implements the compound RTCP dispatch, NACK
// sender/receiver, PLI worker, and TWCC responder that drive WebRTC
// congestion control and loss recovery. Grounded on
// other_examples' ion-sfu twcc.go (RFC draft-holmer-rmcat-transport-wide-
// cc-extensions-01 responder shape) and pion/rtcp for the wire types,
// deliberately using pion/rtcp's own TransportLayerCC builder instead of
// hand-rolling the bit-packed run-length/status-chunk encoder ion-sfu
// writes by hand.
package rtcpio

import (
	"sync"

	"github.com/pion/rtcp"

	"github.com/AgustinSRG/live-media-core/internal/clock"
	"github.com/AgustinSRG/live-media-core/internal/errorsx"
)

// Dispatch routes a decoded compound RTCP packet to the handler for its
// type. SDES, BYE and APP are accepted but ignored; everything else the
// spec names gets a callback.
type Dispatch struct {
	OnReceiverReport func(*rtcp.ReceiverReport)
	OnSenderReport   func(*rtcp.SenderReport)
	OnNACK           func(*rtcp.TransportLayerNack)
	OnTWCC           func(*rtcp.TransportLayerCC)
	OnPLI            func(*rtcp.PictureLossIndication)
	OnREMB           func(*rtcp.ReceiverEstimatedMaximumBitrate)
	OnDLRR           func(*rtcp.ExtendedReport)
}

// HandleCompound decodes buf as a compound RTCP packet and dispatches
// each contained packet. Malformed input yields a ProtocolMalformed error
// rather than a panic; callers drop the datagram and count it.
func (d *Dispatch) HandleCompound(buf []byte) error {
	packets, err := rtcp.Unmarshal(buf)
	if err != nil {
		return errorsx.Wrap(errorsx.ProtocolMalformed, errorsx.CodeBadRtcpLength, "rtcp unmarshal failed", err)
	}
	for _, pkt := range packets {
		switch p := pkt.(type) {
		case *rtcp.ReceiverReport:
			if d.OnReceiverReport != nil {
				d.OnReceiverReport(p)
			}
		case *rtcp.SenderReport:
			if d.OnSenderReport != nil {
				d.OnSenderReport(p)
			}
		case *rtcp.TransportLayerNack:
			if d.OnNACK != nil {
				d.OnNACK(p)
			}
		case *rtcp.TransportLayerCC:
			if d.OnTWCC != nil {
				d.OnTWCC(p)
			}
		case *rtcp.PictureLossIndication:
			if d.OnPLI != nil {
				d.OnPLI(p)
			}
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			if d.OnREMB != nil {
				d.OnREMB(p)
			}
		case *rtcp.ExtendedReport:
			if d.OnDLRR != nil {
				d.OnDLRR(p)
			}
		case *rtcp.SourceDescription, *rtcp.Goodbye:
			// accepted, no action taken
		}
	}
	return nil
}

const nackRingCapacity = 1024

// ringEntry caches one sent RTP packet for possible retransmission.
type ringEntry struct {
	seq   uint16
	valid bool
	data  []byte
}

// SendRing is a fixed-capacity retransmission buffer a sender keeps
// alongside its RTP send path. On NACK it looks packets up by sequence
// and hands back a copy to resend; sequences that have aged out of the
// ring are silently dropped, matching the spec's "stale retransmit
// requests are dropped, not errored" rule.
type SendRing struct {
	mu      sync.Mutex
	entries [nackRingCapacity]ringEntry
}

// Record stores a copy of data under seq, evicting whatever previously
// occupied that ring slot.
func (r *SendRing) Record(seq uint16, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := &r.entries[seq%nackRingCapacity]
	slot.seq = seq
	slot.valid = true
	slot.data = append(slot.data[:0], data...)
}

// Lookup returns a copy of the packet sent under seq, or nil if it has
// since been evicted or was never sent.
func (r *SendRing) Lookup(seq uint16) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := &r.entries[seq%nackRingCapacity]
	if !slot.valid || slot.seq != seq {
		return nil
	}
	out := make([]byte, len(slot.data))
	copy(out, slot.data)
	return out
}

// NacksFromPacket expands a TransportLayerNack's PID/BLP pairs into the
// flat list of missing sequence numbers it describes.
func NacksFromPacket(p *rtcp.TransportLayerNack) []uint16 {
	var out []uint16
	for _, pair := range p.Nacks {
		out = append(out, pair.PacketList()...)
	}
	return out
}

// gapTrack is one tracked sequence gap awaiting retry.
type gapTrack struct {
	seq         uint16
	tries       int
	firstSeenUs int64
}

// Receiver tracks inbound RTP sequence gaps and emits NACK packets on a
// retry schedule until the gap fills, max_tries elapses, or the gap's age
// exceeds max_age, per spec's NACK buffer invariant (§3) and receiver
// rule (§4.4): a gap's first NACK fires only once first-seen+rtt/2 has
// elapsed, not on the very next 20ms tick, mirroring PLIWorker's
// clock-gated rate limiting below.
type Receiver struct {
	mu         sync.Mutex
	lastSeq    uint16
	hasSeq     bool
	pending    map[uint16]*gapTrack
	ssrc       uint32
	senderSSRC uint32
	maxTries   int
	rttHalfUs  int64
	maxAgeUs   int64
	clk        clock.Clock
}

func NewReceiver(clk clock.Clock, ssrc, senderSSRC uint32, maxTries int, rttHalfUs, maxAgeUs int64) *Receiver {
	return &Receiver{
		pending:    make(map[uint16]*gapTrack),
		ssrc:       ssrc,
		senderSSRC: senderSSRC,
		maxTries:   maxTries,
		rttHalfUs:  rttHalfUs,
		maxAgeUs:   maxAgeUs,
		clk:        clk,
	}
}

// PushSeq records an arrived sequence number, detecting any gap opened
// since the last one seen. Gaps are tracked for retry; a late arrival
// that fills a tracked gap clears it.
func (r *Receiver) PushSeq(seq uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, seq)

	if !r.hasSeq {
		r.lastSeq = seq
		r.hasSeq = true
		return
	}

	diff := seq - r.lastSeq
	if diff != 0 && diff < 0x8000 { // seq is newer than lastSeq (cycle-aware)
		now := r.clk.NowMicros()
		for missing := r.lastSeq + 1; missing != seq; missing++ {
			r.pending[missing] = &gapTrack{seq: missing, firstSeenUs: now}
		}
		r.lastSeq = seq
	}
}

// Tick runs one retry pass (called off a 20ms scheduler tick) and
// returns a NACK packet for every sequence due a retry, or nil if none
// are. A gap is skipped (kept pending, not yet retried) until its age
// reaches rttHalfUs; it is dropped from tracking once its age exceeds
// maxAgeUs or its tries exceed maxTries, whichever comes first.
func (r *Receiver) Tick() *rtcp.TransportLayerNack {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.NowMicros()
	var live []uint16
	for seq, g := range r.pending {
		age := now - g.firstSeenUs
		if age > r.maxAgeUs {
			delete(r.pending, seq)
			continue
		}
		if age < r.rttHalfUs {
			continue // not due for its first retry yet
		}
		g.tries++
		if g.tries > r.maxTries {
			delete(r.pending, seq)
			continue
		}
		live = append(live, seq)
	}
	if len(live) == 0 {
		return nil
	}
	return &rtcp.TransportLayerNack{
		SenderSSRC: r.senderSSRC,
		MediaSSRC:  r.ssrc,
		Nacks:      rtcp.NackPairsFromSequenceNumbers(live),
	}
}

// PLIWorker requests a keyframe via PLI, rate-limited so a burst of
// decoder errors doesn't flood the publisher with requests.
type PLIWorker struct {
	mu       sync.Mutex
	lastSent int64
	minGapUs int64
	clk      clock.Clock
	senderSSRC, mediaSSRC uint32
}

func NewPLIWorker(clk clock.Clock, senderSSRC, mediaSSRC uint32, minGapUs int64) *PLIWorker {
	return &PLIWorker{clk: clk, senderSSRC: senderSSRC, mediaSSRC: mediaSSRC, minGapUs: minGapUs, lastSent: -minGapUs}
}

// Request returns a PLI packet to send, or nil if one was sent too
// recently per minGapUs.
func (w *PLIWorker) Request() *rtcp.PictureLossIndication {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clk.NowMicros()
	if now-w.lastSent < w.minGapUs {
		return nil
	}
	w.lastSent = now
	return &rtcp.PictureLossIndication{SenderSSRC: w.senderSSRC, MediaSSRC: w.mediaSSRC}
}
