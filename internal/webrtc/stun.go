package webrtc

import (
	"net"

	"github.com/pion/randutil"
	"github.com/pion/stun/v3"

	"github.com/AgustinSRG/live-media-core/internal/errorsx"
)

var iceCharset = []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

// randomICEString builds an ICE ufrag/password fragment the way pion's
// own ICE agent does, reusing pion/randutil instead of crypto/rand
// directly since the rest of the WebRTC stack is built on the pion
// ecosystem's own randomness helper.
func randomICEString(n int) string {
	s, err := randutil.GenerateCryptoRandomString(n, iceCharset)
	if err != nil {
		// crypto/rand failure is unrecoverable for a transport that must
		// authenticate peers; panic is consistent with pion's own agent.
		panic(err)
	}
	return s
}

// ParseStunBindingRequest decodes buf as a STUN message and reports
// whether it is a binding request, returning the message for the caller
// to build a response from (it needs the transaction ID and any
// USERNAME attribute to match local/remote ufrags).
func ParseStunBindingRequest(buf []byte) (*stun.Message, error) {
	m := &stun.Message{Raw: append([]byte(nil), buf...)}
	if err := m.Decode(); err != nil {
		return nil, errorsx.Malformed(errorsx.CodeBadSync, "stun decode failed")
	}
	if m.Type.Method != stun.MethodBinding || m.Type.Class != stun.ClassRequest {
		return nil, errorsx.Violation(errorsx.CodeBadSync, "not a stun binding request")
	}
	return m, nil
}

// BuildStunBindingSuccess builds a STUN binding success response to req,
// echoing the transaction ID and reporting addr as the XOR-mapped
// address, authenticated with localPwd (ICE-lite: the connection never
// issues its own binding requests, only answers the remote's).
func BuildStunBindingSuccess(req *stun.Message, addr *net.UDPAddr, localPwd string) ([]byte, error) {
	msg, err := stun.Build(
		stun.BindingSuccess,
		req.TransactionID,
		&stun.XORMappedAddress{IP: addr.IP, Port: addr.Port},
		stun.NewShortTermIntegrity(localPwd),
		stun.Fingerprint,
	)
	if err != nil {
		return nil, errorsx.Wrap(errorsx.ProtocolViolation, errorsx.CodeBadSync, "stun build failed", err)
	}
	return msg.Raw, nil
}

// UsernameMatches reports whether req's USERNAME attribute starts with
// "<localUfrag>:", the local half of the "<localUfrag>:<remoteUfrag>"
// pair a controlling (remote) agent sends per RFC 8445 §7.2.2; the remote
// ufrag after the colon is not checked.
func UsernameMatches(req *stun.Message, localUfrag string) bool {
	var username stun.Username
	if err := username.GetFrom(req); err != nil {
		return false
	}
	expected := localUfrag + ":"
	s := string(username)
	return len(s) >= len(expected) && s[:len(expected)] == expected
}
