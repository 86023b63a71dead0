package mpegts

// Muxer packetizes elementary stream access units into 188-byte TS
// packets, inserting PAT/PMT at a fixed cadence and a PCR on the video PID
// ahead of each keyframe, matching common SRS/ffmpeg muxer cadence (this
// core has no teacher grounding for muxing since the teacher never
// produces TS; the layout mirrors the PAT/PMT encode in pat.go/pmt.go and
// the packet shapes demux.go already parses).
type Muxer struct {
	cc  *ContinuityCounters
	pat PAT
	pmt PMT

	packetsSincePSI int
	psiInterval     int
}

const (
	videoPID = 0x0100
	audioPID = 0x0101
	pmtPID   = 0x1000
)

// NewMuxer builds a single-program muxer. videoStreamType/audioStreamType
// are 0 when that elementary stream is absent.
func NewMuxer(videoStreamType, audioStreamType byte) *Muxer {
	m := &Muxer{
		cc:          NewContinuityCounters(),
		psiInterval: 50, // PAT/PMT repeated roughly twice a second at typical packet rates
		pat:         PAT{TransportStreamID: 1, ProgramNumber: defaultProgramNumber, PMTPid: pmtPID},
		pmt:         PMT{ProgramNumber: defaultProgramNumber},
	}
	m.packetsSincePSI = m.psiInterval // emit PAT/PMT ahead of the first frame
	if videoStreamType != 0 {
		m.pmt.PCRPid = videoPID
		m.pmt.Streams = append(m.pmt.Streams, StreamInfo{StreamType: videoStreamType, PID: videoPID})
	}
	if audioStreamType != 0 {
		if m.pmt.PCRPid == 0 {
			m.pmt.PCRPid = audioPID
		}
		m.pmt.Streams = append(m.pmt.Streams, StreamInfo{StreamType: audioStreamType, PID: audioPID})
	}
	return m
}

// MuxVideo packetizes one video access unit, emitting a PCR-bearing
// adaptation field on the first packet when isKeyframe is set.
func (m *Muxer) MuxVideo(payload []byte, pts, dts uint64, isKeyframe bool) [][]byte {
	return m.muxFrame(videoPID, 0xE0, payload, pts, dts, isKeyframe)
}

// MuxAudio packetizes one audio access unit (no PCR, no keyframe concept).
func (m *Muxer) MuxAudio(payload []byte, pts uint64) [][]byte {
	return m.muxFrame(audioPID, 0xC0, payload, pts, pts, false)
}

func (m *Muxer) maybeEmitPSI() [][]byte {
	if m.packetsSincePSI < m.psiInterval {
		return nil
	}
	m.packetsSincePSI = 0
	return [][]byte{
		BuildPAT(m.pat, m.cc),
		BuildPMT(m.pmt, m.cc, pmtPID),
	}
}

// muxFrame packs one PES (header + payload) across as many TS packets as
// needed. The first packet carries payload_unit_start_indicator and,
// for a keyframe video frame, a PCR-only adaptation field ahead of the PES
// header bytes.
func (m *Muxer) muxFrame(pid uint16, streamID byte, payload []byte, pts, dts uint64, withPCR bool) [][]byte {
	out := m.maybeEmitPSI()

	pes := append(BuildPESHeader(streamID, pts, dts, len(payload)), payload...)

	first := true
	for len(pes) > 0 {
		h := Header{
			PayloadUnitStart:    first,
			PID:                 pid,
			AdaptationFieldCtrl: 1,
			ContinuityCounter:   m.cc.Next(pid),
		}

		payloadStart := 4
		var pkt []byte
		if first && withPCR {
			h.AdaptationFieldCtrl = 3
			pkt = BuildHeader(h)
			payloadStart = WritePCR(pkt, dts, 0)
		} else {
			pkt = BuildHeader(h)
		}

		n := copy(pkt[payloadStart:], pes)
		for i := payloadStart + n; i < PacketSize; i++ {
			pkt[i] = 0xFF
		}

		out = append(out, pkt)
		pes = pes[n:]
		m.packetsSincePSI++
		first = false
	}

	return out
}
