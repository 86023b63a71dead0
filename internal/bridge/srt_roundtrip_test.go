package bridge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AgustinSRG/live-media-core/internal/clock"
	"github.com/AgustinSRG/live-media-core/internal/config"
	"github.com/AgustinSRG/live-media-core/internal/mpegts"
	"github.com/AgustinSRG/live-media-core/internal/source"
)

type fakeConfig struct{}

func (fakeConfig) ListenRTMPPort() int               { return 1935 }
func (fakeConfig) RTCListenPort() int                { return 8000 }
func (fakeConfig) SRTListenPort() int                { return 10080 }
func (fakeConfig) ChunkSize() uint32                 { return 128 }
func (fakeConfig) NackEnabled(string) bool           { return false }
func (fakeConfig) NackNoCopy(string) bool            { return false }
func (fakeConfig) TwccEnabled(string) bool           { return false }
func (fakeConfig) RtcStunTimeoutMicros(string) int64 { return 0 }
func (fakeConfig) RtcToRtmp(string) bool             { return false }
func (fakeConfig) SrtMixCorrect() bool               { return false }
func (fakeConfig) SrtSeiFilter() bool                { return false }
func (fakeConfig) DropForPt(string) uint8            { return 0 }
func (fakeConfig) Realtime(string) bool              { return false }
func (fakeConfig) MwMsgs(string, bool) int           { return 1 }

var _ config.Config = fakeConfig{}

type recordingConsumer struct {
	frames []source.Frame
}

func (c *recordingConsumer) ID() string             { return "test" }
func (c *recordingConsumer) Enqueue(f source.Frame) { c.frames = append(c.frames, f) }
func (c *recordingConsumer) OnPublisherGone()       {}

// TestSRTIngestEgressRoundTrip pushes raw H.264 through a TS Muxer, into
// TSIngest via a real mpegts.Demuxer (the SRT publish path), captures the
// resulting FLV-shaped Frames on a Source, re-muxes them with TSEgress
// (the SRT request/pull path), and checks the H.264 NALUs survive the
// round trip through both bridges intact.
func TestSRTIngestEgressRoundTrip(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1f, 0xaa}
	pps := []byte{0x68, 0xce, 0x3c}
	keyframe := append([]byte{0x65}, make([]byte, 20)...)

	mux := mpegts.NewMuxer(mpegts.StreamTypeH264, 0)
	pkts := mux.MuxVideo(BuildAnnexB([][]byte{sps, pps, keyframe}), 900, 900, true)
	// a demuxer only closes out an access unit once the next one's
	// payload-unit-start arrives, so mux a trailing throwaway frame to
	// flush the one under test out of the demuxer's buffering.
	pkts = append(pkts, mux.MuxVideo([]byte{0x09, 0xf0}, 1800, 1800, false)...)

	src := source.NewSource(source.Key{Vhost: "v", App: "live", Stream: "s"}, 1<<20)
	rec := &recordingConsumer{}
	src.AttachConsumer(rec)
	require.NoError(t, src.SetPublisher("pub"))

	ingest := NewTSIngest(src, fakeConfig{}, "v", clock.New())
	demux := mpegts.NewDemuxer()
	for _, pkt := range pkts {
		f, err := demux.Feed(pkt)
		require.NoError(t, err)
		if f != nil {
			ingest.Feed(f)
		}
	}

	require.GreaterOrEqual(t, len(rec.frames), 2)
	hdr, media := rec.frames[0], rec.frames[1]
	require.True(t, hdr.IsHeader)
	require.True(t, media.IsKey)

	eg := NewTSEgress()
	var outPkts [][]byte
	outPkts = append(outPkts, eg.Feed(hdr)...)
	outPkts = append(outPkts, eg.Feed(media)...)
	// force the egress demuxer to flush this AU too.
	outPkts = append(outPkts, eg.Feed(source.Frame{Kind: source.FrameVideo, Timestamp: media.Timestamp + 10, Payload: BuildVideoTag([][]byte{{0x09, 0xf0}}, false, 0)})...)
	require.NotEmpty(t, outPkts)

	outDemux := mpegts.NewDemuxer()
	var gotNALUs [][]byte
	for _, pkt := range outPkts {
		f, err := outDemux.Feed(pkt)
		require.NoError(t, err)
		if f != nil {
			gotNALUs = append(gotNALUs, SplitAnnexB(f.Payload)...)
		}
	}

	require.Equal(t, [][]byte{sps, pps, keyframe}, gotNALUs)
}
