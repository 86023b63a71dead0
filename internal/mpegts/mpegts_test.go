package mpegts

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPATRoundTrip(t *testing.T) {
	cc := NewContinuityCounters()
	pat := PAT{TransportStreamID: 1, ProgramNumber: 1, PMTPid: pmtPID}
	pkt := BuildPAT(pat, cc)
	require.Len(t, pkt, PacketSize)
	require.Equal(t, byte(SyncByte), pkt[0])

	h, err := ParseHeader(pkt)
	require.NoError(t, err)
	require.True(t, h.PayloadUnitStart)
	require.Equal(t, uint16(PIDPAT), h.PID)

	offset, err := PayloadOffset(pkt, h)
	require.NoError(t, err)

	got, err := ParsePAT(pkt[offset:])
	require.NoError(t, err)
	require.Equal(t, pat.ProgramNumber, got.ProgramNumber)
	require.Equal(t, pat.PMTPid, got.PMTPid)
}

func TestPMTRoundTrip(t *testing.T) {
	cc := NewContinuityCounters()
	pmt := PMT{
		ProgramNumber: 1,
		PCRPid:        videoPID,
		Streams: []StreamInfo{
			{StreamType: StreamTypeH264, PID: videoPID},
			{StreamType: StreamTypeAAC, PID: audioPID},
		},
	}
	pkt := BuildPMT(pmt, cc, pmtPID)
	h, err := ParseHeader(pkt)
	require.NoError(t, err)
	offset, err := PayloadOffset(pkt, h)
	require.NoError(t, err)

	got, err := ParsePMT(pkt[offset:])
	require.NoError(t, err)
	require.Equal(t, pmt.PCRPid, got.PCRPid)
	require.Len(t, got.Streams, 2)
	require.Equal(t, byte(StreamTypeH264), got.Streams[0].StreamType)
	require.Equal(t, uint16(audioPID), got.Streams[1].PID)
}

func TestContinuityCounterWrapsMod16(t *testing.T) {
	cc := NewContinuityCounters()
	var last byte
	for i := 0; i < 20; i++ {
		last = cc.Next(0x100)
	}
	require.Equal(t, byte(19%16), last)
}

func TestMuxThenDemuxRoundTrips(t *testing.T) {
	mux := NewMuxer(StreamTypeH264, StreamTypeAAC)
	payload := make([]byte, 400)
	for i := range payload {
		payload[i] = byte(i)
	}
	pkts := mux.MuxVideo(payload, 9000, 9000, true)
	require.NotEmpty(t, pkts)

	demux := NewDemuxer()
	var frame *Frame
	for _, p := range pkts {
		f, err := demux.Feed(p)
		require.NoError(t, err)
		if f != nil {
			frame = f
		}
	}
	if frame == nil {
		frame = demux.Flush(videoPID)
	}
	require.NotNil(t, frame)
	require.Equal(t, payload, frame.Payload)
	require.Equal(t, uint64(9000), frame.PTS)
}

func TestCRC32MPEG2KnownValue(t *testing.T) {
	// CRC-32/MPEG-2 of an empty buffer is the init value (no bytes folded).
	require.Equal(t, uint32(0xFFFFFFFF), CRC32MPEG2(nil))
}
