package bitstream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanAnnexBSplitsOnStartCodes(t *testing.T) {
	buf := []byte{0, 0, 0, 1, 0x67, 0xAA, 0, 0, 1, 0x68, 0xBB, 0, 0, 1, 0x65, 0xCC}
	nalus := ScanAnnexB(buf)
	require.Len(t, nalus, 3)
	require.Equal(t, byte(0x67), nalus[0][0])
	require.Equal(t, byte(0x68), nalus[1][0])
	require.Equal(t, byte(0x65), nalus[2][0])
}

func TestFilterAnnexBDropsAUD(t *testing.T) {
	aud := []byte{0x09, 0xF0}
	sps := []byte{0x67, 0xAA}
	nalus := FilterAnnexB([][]byte{aud, sps}, false, false)
	require.Len(t, nalus, 1)
	require.Equal(t, byte(0x67), nalus[0][0])
}
