package rtcpio

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"

	"github.com/AgustinSRG/live-media-core/internal/clock"
)

func TestDispatchRoutesReceiverReport(t *testing.T) {
	rr := &rtcp.ReceiverReport{SSRC: 42}
	buf, err := rr.Marshal()
	require.NoError(t, err)

	var got *rtcp.ReceiverReport
	d := &Dispatch{OnReceiverReport: func(p *rtcp.ReceiverReport) { got = p }}
	require.NoError(t, d.HandleCompound(buf))
	require.NotNil(t, got)
	require.Equal(t, uint32(42), got.SSRC)
}

func TestDispatchMalformedInputIsError(t *testing.T) {
	d := &Dispatch{}
	err := d.HandleCompound([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestSendRingRecordLookupAndEviction(t *testing.T) {
	var ring SendRing
	ring.Record(10, []byte("hello"))
	require.Equal(t, []byte("hello"), ring.Lookup(10))
	require.Nil(t, ring.Lookup(11))

	// a sequence nackRingCapacity later evicts the old slot
	ring.Record(10+nackRingCapacity, []byte("world"))
	require.Nil(t, ring.Lookup(10))
	require.Equal(t, []byte("world"), ring.Lookup(10+nackRingCapacity))
}

func TestReceiverTracksGapAndRetries(t *testing.T) {
	clk := clock.New()
	r := NewReceiver(clk, 1, 2, 3, 0, 1_000_000)
	r.PushSeq(1)
	r.PushSeq(2)
	r.PushSeq(5) // opens a gap at 3, 4

	nack := r.Tick()
	require.NotNil(t, nack)
	require.Len(t, NacksFromPacket(nack), 2)

	r.PushSeq(3)
	r.PushSeq(4)
	require.Nil(t, r.Tick())
}

func TestReceiverGivesUpAfterMaxTries(t *testing.T) {
	clk := clock.New()
	r := NewReceiver(clk, 1, 2, 1, 0, 1_000_000)
	r.PushSeq(1)
	r.PushSeq(3) // gap at 2

	require.NotNil(t, r.Tick())
	require.Nil(t, r.Tick()) // exceeded maxTries, dropped
}

func TestReceiverWithholdsNackUntilRTTHalfElapsed(t *testing.T) {
	clk := clock.New()
	r := NewReceiver(clk, 1, 2, 5, 20_000, 1_000_000)
	r.PushSeq(1)
	r.PushSeq(3) // gap at 2

	require.Nil(t, r.Tick(), "must not emit before first-seen+rtt/2 elapses")

	time.Sleep(25 * time.Millisecond)
	require.NotNil(t, r.Tick(), "must emit once rtt/2 has elapsed")
}

func TestReceiverEvictsGapOlderThanMaxAge(t *testing.T) {
	clk := clock.New()
	r := NewReceiver(clk, 1, 2, 100, 0, 20_000)
	r.PushSeq(1)
	r.PushSeq(3) // gap at 2

	time.Sleep(25 * time.Millisecond)
	require.Nil(t, r.Tick(), "gap older than max_age must be evicted, not retried")
}

func TestTWCCResponderFlushesAfterPacketCount(t *testing.T) {
	clk := clock.New()
	r := NewTWCCResponder(clk, 100, 200)
	var last *rtcp.TransportLayerCC
	for i := 0; i < twccFlushAfterPackets+1; i++ {
		if p := r.Push(uint16(i), int64(i*1000), false); p != nil {
			last = p
		}
	}
	require.NotNil(t, last)
	require.Equal(t, uint32(100), last.SenderSSRC)
	require.Equal(t, uint32(200), last.MediaSSRC)
}

func TestPLIWorkerRateLimited(t *testing.T) {
	clk := clock.New()
	w := NewPLIWorker(clk, 1, 2, 1_000_000)
	first := w.Request()
	require.NotNil(t, first)
	second := w.Request()
	require.Nil(t, second)
}
