package errorsx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsKind(t *testing.T) {
	err := Malformed(CodeBadSync, "sync byte was 0x00")
	require.True(t, IsKind(err, ProtocolMalformed))
	require.False(t, IsKind(err, ProtocolViolation))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("short read")
	err := Wrap(ProtocolMalformed, CodeBadAmf, "truncated amf0 value", cause)
	require.ErrorIs(t, err, cause)
}

func TestErrorIsCompareKindAndCode(t *testing.T) {
	a := New(ProtocolViolation, CodeStreamBusy, "stream already published")
	b := New(ProtocolViolation, CodeStreamBusy, "different message, same taxonomy")
	require.True(t, errors.Is(a, b))

	c := New(ProtocolViolation, CodeUnknownCommand, "unrelated")
	require.False(t, errors.Is(a, c))
}
