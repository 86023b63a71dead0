package mpegts

import "github.com/AgustinSRG/live-media-core/internal/errorsx"

// Frame is a fully assembled elementary-stream access unit handed to the
// bridge layer, tagged with its mpeg-ts stream type so the caller can pick
// the AnnexB/ADTS parser.
type Frame struct {
	StreamType byte
	PID        uint16
	PTS        uint64
	DTS        uint64
	Payload    []byte
}

// Demuxer accumulates 188-byte TS packets and emits assembled PES frames,
// generalizing ts_demux::decode_unit (original_source) into a push-based
// Go API: feed packets with Feed, drain completed frames with calls to
// Feed's return value.
type Demuxer struct {
	pat PAT
	pmt PMT
	havePAT bool
	havePMT bool

	pid2type map[uint16]byte

	buffering map[uint16]*pendingFrame
}

type pendingFrame struct {
	pts, dts  uint64
	expectLen int // declared ES payload length (PES_packet_length derived); 0 = unbounded
	buf       []byte
}

func NewDemuxer() *Demuxer {
	return &Demuxer{
		pid2type:  make(map[uint16]byte),
		buffering: make(map[uint16]*pendingFrame),
	}
}

// Feed processes one 188-byte TS packet. It returns a completed Frame when
// a payload-unit-start on a tracked elementary PID closes out the previous
// access unit's buffer.
func (d *Demuxer) Feed(pkt []byte) (*Frame, error) {
	if len(pkt) != PacketSize {
		return nil, errorsx.Malformed(errorsx.CodeBadSync, "ts packet must be 188 bytes")
	}
	if pkt[0] != SyncByte {
		return nil, nil // skip non-sync-aligned bytes silently, caller should resync upstream
	}

	h, err := ParseHeader(pkt)
	if err != nil {
		return nil, err
	}
	if h.AdaptationFieldCtrl == 0 || h.AdaptationFieldCtrl == 2 {
		return nil, nil
	}

	offset, err := PayloadOffset(pkt, h)
	if err != nil {
		return nil, err
	}
	payload := pkt[offset:]

	switch {
	case h.PID == PIDPAT:
		pat, err := ParsePAT(payload)
		if err != nil {
			return nil, err
		}
		d.pat = pat
		d.havePAT = true
		return nil, nil

	case d.havePAT && h.PID == d.pat.PMTPid:
		pmt, err := ParsePMT(payload)
		if err != nil {
			return nil, err
		}
		d.pmt = pmt
		d.havePMT = true
		d.pid2type = make(map[uint16]byte, len(pmt.Streams))
		for _, s := range pmt.Streams {
			d.pid2type[s.PID] = s.StreamType
		}
		return nil, nil

	default:
		streamType, tracked := d.pid2type[h.PID]
		if !tracked {
			return nil, nil
		}
		return d.feedElementary(h, payload, streamType)
	}
}

func (d *Demuxer) feedElementary(h Header, payload []byte, streamType byte) (*Frame, error) {
	var completed *Frame

	if h.PayloadUnitStart {
		if prior, ok := d.buffering[h.PID]; ok && len(prior.buf) > 0 {
			completed = &Frame{StreamType: streamType, PID: h.PID, PTS: prior.pts, DTS: prior.dts, Payload: prior.buf}
		}

		pes, headerSize, err := ParsePESHeader(payload)
		if err != nil {
			return nil, err
		}
		dts := pes.DTS
		if dts == 0 {
			dts = pes.PTS
		}
		buf := append([]byte(nil), payload[headerSize:]...)
		p := &pendingFrame{pts: pes.PTS, dts: dts, expectLen: pes.PayloadLength, buf: buf}
		trimToExpected(p)
		d.buffering[h.PID] = p
		return completed, nil
	}

	if prior, ok := d.buffering[h.PID]; ok {
		prior.buf = append(prior.buf, payload...)
		trimToExpected(prior)
	}
	return completed, nil
}

// trimToExpected drops trailing TS stuffing bytes once a bounded-length PES
// (expectLen > 0, i.e. PES_packet_length was non-zero) has accumulated its
// full declared elementary-stream payload.
func trimToExpected(p *pendingFrame) {
	if p.expectLen > 0 && len(p.buf) > p.expectLen {
		p.buf = p.buf[:p.expectLen]
	}
}

// Flush returns the last in-progress frame for pid, if any, for use when
// the stream ends without a further payload-unit-start (e.g. connection
// close).
func (d *Demuxer) Flush(pid uint16) *Frame {
	p, ok := d.buffering[pid]
	if !ok || len(p.buf) == 0 {
		return nil
	}
	streamType := d.pid2type[pid]
	delete(d.buffering, pid)
	return &Frame{StreamType: streamType, PID: pid, PTS: p.pts, DTS: p.dts, Payload: p.buf}
}
