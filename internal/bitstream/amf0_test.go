package bitstream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAMF0RoundTripCommand(t *testing.T) {
	props := map[string]*AMF0Value{}
	n := AMF0Number(1)
	props["app"] = ptr(AMF0String("live"))
	props["flashVer"] = ptr(AMF0String("FMLE/3.0"))

	values := []AMF0Value{
		AMF0String("connect"),
		n,
		AMF0Object(props),
		AMF0Null(),
		AMF0Bool(true),
		AMF0Undefined(),
	}

	var encoded []byte
	for _, v := range values {
		encoded = append(encoded, AMF0EncodeOne(v)...)
	}

	s := NewAMFDecodingStream(encoded)
	for _, want := range values {
		got, err := s.ReadOne()
		require.NoError(t, err)
		require.Equal(t, want.Type, got.Type)
		switch want.Type {
		case AMF0TypeString:
			require.Equal(t, want.StrVal, got.StrVal)
		case AMF0TypeNumber:
			require.Equal(t, want.FloatVal, got.FloatVal)
		case AMF0TypeBool:
			require.Equal(t, want.BoolVal, got.BoolVal)
		case AMF0TypeObject:
			require.Equal(t, "live", got.GetProperty("app").GetString())
		}
	}
	require.True(t, s.IsEnded())
}

func TestAMF0TruncatedInputIsMalformed(t *testing.T) {
	s := NewAMFDecodingStream([]byte{AMF0TypeString, 0x00, 0x05, 'h', 'i'})
	_, err := s.ReadOne()
	require.Error(t, err)
}

func TestAMF0ObjectMissingEndMarker(t *testing.T) {
	buf := append([]byte{AMF0TypeObject}, amf0EncodeString("key")...)
	buf = append(buf, AMF0EncodeOne(AMF0String("value"))...)
	// no terminating empty-string + 0x09
	s := NewAMFDecodingStream(buf)
	_, err := s.ReadOne()
	require.Error(t, err)
}

func ptr(v AMF0Value) *AMF0Value { return &v }
