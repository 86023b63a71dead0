// Package errorsx implements the error taxonomy shared by every protocol
// component: ProtocolMalformed, ProtocolViolation, TransportClosed,
// CryptoFailure, ResourceExhausted, Unsupported.
package errorsx

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for the purpose of session-level propagation
// decisions (drop packet vs. close connection vs. count-only).
type Kind int

const (
	// ProtocolMalformed packets are dropped; the connection is kept unless
	// the rate of malformed packets is itself abusive.
	ProtocolMalformed Kind = iota
	// ProtocolViolation closes the connection.
	ProtocolViolation
	// TransportClosed means the peer is gone or timed out.
	TransportClosed
	// CryptoFailure is counted but never propagates past the transport.
	CryptoFailure
	// ResourceExhausted is a local drop with a counter and throttled log.
	ResourceExhausted
	// Unsupported surfaces to SDP negotiation or RTMP _error.
	Unsupported
)

func (k Kind) String() string {
	switch k {
	case ProtocolMalformed:
		return "protocol_malformed"
	case ProtocolViolation:
		return "protocol_violation"
	case TransportClosed:
		return "transport_closed"
	case CryptoFailure:
		return "crypto_failure"
	case ResourceExhausted:
		return "resource_exhausted"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Code names a specific condition within a Kind, e.g. BadSync, StreamBusy.
type Code string

const (
	CodeBadSync          Code = "bad_sync"
	CodeBadChunkStart    Code = "bad_chunk_start"
	CodeBadAmf           Code = "bad_amf"
	CodeBadRtcpLength    Code = "bad_rtcp_length"
	CodeCrcMismatch      Code = "crc_mismatch"
	CodeDuplicateSsrc    Code = "duplicate_ssrc"
	CodeStreamBusy       Code = "stream_busy"
	CodeChunkSizeChanged Code = "chunk_size_changed"
	CodeUnknownCommand   Code = "unknown_command"
	CodeDtlsHandshake    Code = "dtls_handshake"
	CodeSrtpAuth         Code = "srtp_auth"
	CodeQueueOverflow    Code = "queue_overflow"
	CodeTooManyStreams   Code = "too_many_streams"
	CodeCodecNotEnabled  Code = "codec_not_enabled"
	CodeFeatureOff       Code = "feature_off"
	CodeBadStreamID      Code = "bad_streamid"
)

// Error is the concrete error type returned by every parsing function in
// this module. Parsing functions never panic on peer input; they return
// an *Error instead.
type Error struct {
	Kind  Kind
	Code  Code
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Is supports errors.Is comparisons on Kind+Code alone (the cause is
// ignored, matching the way callers branch on taxonomy not identity).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind && e.Code == other.Code
}

// New builds an Error with no wrapped cause.
func New(kind Kind, code Code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Wrap builds an Error wrapping a lower-level cause.
func Wrap(kind Kind, code Code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, cause: cause}
}

// Malformed is a convenience constructor for the common ProtocolMalformed case.
func Malformed(code Code, msg string) *Error {
	return New(ProtocolMalformed, code, msg)
}

// Violation is a convenience constructor for ProtocolViolation.
func Violation(code Code, msg string) *Error {
	return New(ProtocolViolation, code, msg)
}

// IsKind reports whether err (or something it wraps) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}
