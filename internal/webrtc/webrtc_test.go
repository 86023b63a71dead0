package webrtc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyRanges(t *testing.T) {
	require.Equal(t, ClassSTUN, Classify(0))
	require.Equal(t, ClassSTUN, Classify(3))
	require.Equal(t, ClassUnknown, Classify(10))
	require.Equal(t, ClassDTLS, Classify(20))
	require.Equal(t, ClassDTLS, Classify(63))
	require.Equal(t, ClassUnknown, Classify(100))
	require.Equal(t, ClassRTP, Classify(128))
	require.Equal(t, ClassRTP, Classify(191))
	require.Equal(t, ClassUnknown, Classify(255))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "established", StateEstablished.String())
	require.Equal(t, "unknown", State(99).String())
}

func TestSSRCCacheFastSlotsAndFallback(t *testing.T) {
	c := NewSSRCCache()
	c.Set(1, "audio")
	c.Set(2, "video")

	mid, ok := c.Lookup(1)
	require.True(t, ok)
	require.Equal(t, "audio", mid)

	// overflow the 3 fast slots; the 4th Set evicts the oldest slot but
	// the full map still answers it.
	c.Set(3, "a")
	c.Set(4, "b")
	mid, ok = c.Lookup(1)
	require.True(t, ok)
	require.Equal(t, "audio", mid)

	_, ok = c.Lookup(999)
	require.False(t, ok)
}

func TestRandomICEStringLength(t *testing.T) {
	s := randomICEString(8)
	require.Len(t, s, 8)
	s2 := randomICEString(8)
	require.NotEqual(t, s, s2)
}

func TestCertificateFingerprintFormat(t *testing.T) {
	cert, err := GenerateCertificate()
	require.NoError(t, err)
	fp := CertificateFingerprint(cert)
	require.Len(t, fp, 32*3-1) // 32 hex-pairs joined by ':'
}
