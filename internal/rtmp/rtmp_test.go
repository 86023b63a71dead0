package rtmp

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AgustinSRG/live-media-core/internal/bitstream"
	"github.com/AgustinSRG/live-media-core/internal/source"
)

func TestEncodeBasicHeaderRanges(t *testing.T) {
	require.Equal(t, []byte{byte(1 << 6) | 5}, EncodeBasicHeader(1, 5))

	b := EncodeBasicHeader(0, 64)
	require.Equal(t, []byte{0x00, 0x00}, b)

	b = EncodeBasicHeader(0, 64+255)
	require.Len(t, b, 3)
	require.Equal(t, byte(0x01), b[0]) // low 6 bits == 1 marks the 3-byte (2-byte little-endian cid) form
}

func TestCreateChunksSplitsAcrossChunkSize(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	p := Packet{
		Header: Header{Fmt: ChunkType0, CSID: ChannelAudio, Length: uint32(len(payload)), PacketType: TypeAudio, Timestamp: 1000},
		Payload: payload,
	}
	out := p.CreateChunks(128)
	require.NotEmpty(t, out)
	// 3 fragments of a 300-byte payload at chunk size 128 need 2 continuation headers.
	require.Greater(t, len(out), len(payload))
}

func TestCreateChunksZeroLengthPayloadNoOffByOne(t *testing.T) {
	p := Packet{Header: Header{Fmt: ChunkType0, CSID: ChannelProtocol, Length: 0, PacketType: TypeSetChunkSize}}
	out := p.CreateChunks(128)
	require.NotPanics(t, func() { _ = out })
	require.GreaterOrEqual(t, len(out), 1)
}

func TestGenerateS0S1S2PlainHandshakeFallback(t *testing.T) {
	clientSig := make([]byte, HandshakeSize)
	resp := GenerateS0S1S2(clientSig)
	require.Equal(t, byte(Version), resp[0])
	require.Len(t, resp, 1+2*HandshakeSize)
	// plain handshake echoes clientSig twice after the version byte
	require.Equal(t, clientSig, resp[1:1+HandshakeSize])
	require.Equal(t, clientSig, resp[1+HandshakeSize:])
}

func TestCommandEncodeDecodeRoundTrip(t *testing.T) {
	cmd := &Command{Name: "publish", Args: []bitstream.AMF0Value{
		bitstream.AMF0Number(3),
		bitstream.AMF0Null(),
		bitstream.AMF0String("mystream"),
		bitstream.AMF0String("live"),
	}}
	encoded := cmd.Encode()

	decoded, err := DecodeCommand(encoded)
	require.NoError(t, err)
	require.Equal(t, "publish", decoded.Name)
	require.Len(t, decoded.Args, 4)
	require.Equal(t, float64(3), decoded.Arg(0).GetDouble())
	require.Equal(t, "mystream", decoded.Arg(2).GetString())
	require.Equal(t, "live", decoded.Arg(3).GetString())
}

type recordingConsumer struct {
	frames []source.Frame
}

func (c *recordingConsumer) ID() string            { return "test" }
func (c *recordingConsumer) Enqueue(f source.Frame) { c.frames = append(c.frames, f) }
func (c *recordingConsumer) OnPublisherGone()       {}

// feedChunks drives p.CreateChunks back through Session.readChunk one
// chunk at a time, the way a real connection's read loop would.
func feedChunks(t *testing.T, s *Session, raw []byte) {
	t.Helper()
	r := bufio.NewReader(bytes.NewReader(raw))
	for {
		if _, err := r.Peek(1); err != nil {
			return
		}
		require.NoError(t, s.readChunk(r))
	}
}

// TestReadChunkRoundTripSplitMessage feeds a multi-chunk audio message
// back through readChunk and checks the consumer sees the original
// payload and timestamp intact, including the extended-timestamp case
// (Timestamp >= 0xffffff) where fmt 3 continuation chunks must repeat
// the 4-byte extended field.
func TestReadChunkRoundTripSplitMessage(t *testing.T) {
	cases := []int64{1000, 0x01000000}
	for _, ts := range cases {
		payload := make([]byte, 300)
		for i := range payload {
			payload[i] = byte(i)
		}
		payload[0] = 0xaf // AAC raw, to pass handleAudio's 2-byte minimum
		payload[1] = 0x01

		p := Packet{
			Header: Header{Fmt: ChunkType0, CSID: ChannelAudio, Length: uint32(len(payload)), PacketType: TypeAudio, Timestamp: ts},
			Payload: payload,
		}
		raw := p.CreateChunks(128)
		require.Greater(t, len(raw), len(payload))

		src := source.NewSource(source.Key{Vhost: "v", App: "live", Stream: "s"}, 1<<20)
		rec := &recordingConsumer{}
		require.NoError(t, src.SetPublisher("pub"))
		src.AttachConsumer(rec)

		s := &Session{chunks: make(map[uint32]*Packet), inChunkSize: 128, src: src}
		feedChunks(t, s, raw)

		require.Len(t, rec.frames, 1)
		require.Equal(t, payload, rec.frames[0].Payload)
		require.Equal(t, ts, rec.frames[0].Timestamp)
	}
}

func TestDataEncodeDecodeRoundTrip(t *testing.T) {
	d := &Data{Tag: "@setDataFrame", Args: []bitstream.AMF0Value{
		bitstream.AMF0String("onMetaData"),
		bitstream.AMF0Number(30),
	}}
	encoded := d.Encode()

	decoded, err := DecodeData(encoded)
	require.NoError(t, err)
	require.Equal(t, "@setDataFrame", decoded.Tag)
	require.Len(t, decoded.Args, 2)
}
