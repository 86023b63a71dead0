package rtpio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func oneByteExtHeader(id, value byte) []byte {
	buf := make([]byte, 16)
	buf[0] = 0x90 // version 2, extension bit set
	binary.BigEndian.PutUint16(buf[12:14], 0xBEDE)
	binary.BigEndian.PutUint16(buf[14:16], 1) // 1 word of extension data
	ext := []byte{(id << 4) | 1, 0x00, value, 0x00}
	return append(buf, ext...)
}

func TestExtractTWCCSeqOneByteExtension(t *testing.T) {
	buf := oneByteExtHeader(oneByteTWCCExtensionID, 0x2a)
	seq, ok := ExtractTWCCSeq(buf)
	require.True(t, ok)
	require.Equal(t, uint16(0x2a), seq)
}

func TestExtractTWCCSeqNoExtensionBit(t *testing.T) {
	buf := make([]byte, 12)
	_, ok := ExtractTWCCSeq(buf)
	require.False(t, ok)
}

func TestPacketizeH264SmallNALUSingleFragment(t *testing.T) {
	p := NewPacketizer(1234, 96)
	nalu := []byte{0x65, 0x01, 0x02, 0x03}
	pkts := p.PacketizeH264(nalu, 90000)
	require.Len(t, pkts, 1)
	require.True(t, pkts[0].Marker)
	require.Equal(t, nalu, pkts[0].Payload)
}

func TestPacketizeH264LargeNALUFragmentsFUA(t *testing.T) {
	p := NewPacketizer(1234, 96)
	p.MTU = 16
	nalu := make([]byte, 64)
	nalu[0] = 0x65 // NRI=3, type=5 (IDR)
	pkts := p.PacketizeH264(nalu, 0)
	require.Greater(t, len(pkts), 1)
	require.False(t, pkts[0].Marker)
	require.True(t, pkts[len(pkts)-1].Marker)
	require.Equal(t, byte(naluTypeFUA), pkts[0].Payload[0]&0x1f)
	require.NotZero(t, pkts[0].Payload[1]&0x80) // start bit set on first fragment
	require.NotZero(t, pkts[len(pkts)-1].Payload[1]&0x40) // end bit set on last fragment
}

func TestDepacketizerReassemblesFUA(t *testing.T) {
	p := NewPacketizer(1, 96)
	p.MTU = 16
	nalu := make([]byte, 64)
	for i := range nalu {
		nalu[i] = byte(i)
	}
	nalu[0] = 0x65
	pkts := p.PacketizeH264(nalu, 0)

	var d Depacketizer
	var got [][]byte
	for _, pkt := range pkts {
		got = append(got, d.PushRTP(pkt.Payload)...)
	}
	require.Len(t, got, 1)
	require.Equal(t, annexB(nalu), got[0])
}
