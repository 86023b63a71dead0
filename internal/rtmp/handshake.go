// RTMP handshake: plain (format 0) and the complex HMAC-SHA256 digest
// handshake (formats 1/2), ported from the teacher's handshake.go.
package rtmp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
)

const (
	messageFormat0 = 0
	messageFormat1 = 1
	messageFormat2 = 2

	sigSize = 1536
	sha256DL = 32
)

var randomCrud = []byte{
	0xf0, 0xee, 0xc2, 0x4a, 0x80, 0x68, 0xbe, 0xe8,
	0x2e, 0x00, 0xd0, 0xd1, 0x02, 0x9e, 0x7e, 0x57,
	0x6e, 0xec, 0x5d, 0x2d, 0x29, 0x80, 0x6f, 0xab,
	0x93, 0xb8, 0xe6, 0x36, 0xcf, 0xeb, 0x31, 0xae,
}

const genuineFMSConst = "Genuine Adobe Flash Media Server 001"

var genuineFMSConstCrud = append([]byte(genuineFMSConst), randomCrud...)

const genuineFPConst = "Genuine Adobe Flash Player 001"

func calcHmac(message, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return h.Sum(nil)
}

func compareSignatures(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	result := true
	for j := range a {
		result = result && (a[j] == b[j])
	}
	return result
}

func getClientGenuineConstDigestOffset(buf []byte) uint32 {
	offset := uint32(buf[0]) + uint32(buf[1]) + uint32(buf[2]) + uint32(buf[3])
	return (offset % 728) + 12
}

func getServerGenuineConstDigestOffset(buf []byte) uint32 {
	offset := uint32(buf[0]) + uint32(buf[1]) + uint32(buf[2]) + uint32(buf[3])
	return (offset % 728) + 776
}

func detectClientMessageFormat(clientSig []byte) uint32 {
	sdl := getServerGenuineConstDigestOffset(clientSig[772:776])
	msg := digestMessage(clientSig, sdl)
	computed := calcHmac(msg, []byte(genuineFPConst))
	provided := clientSig[sdl : sdl+sha256DL]
	if compareSignatures(computed, provided) {
		return messageFormat2
	}

	sdl = getClientGenuineConstDigestOffset(clientSig[8:12])
	msg = digestMessage(clientSig, sdl)
	computed = calcHmac(msg, []byte(genuineFPConst))
	provided = clientSig[sdl : sdl+sha256DL]
	if compareSignatures(computed, provided) {
		return messageFormat1
	}

	return messageFormat0
}

// digestMessage builds the 1504-byte message used for the HMAC check: the
// signature with its own digest field excised, zero-padded or truncated.
func digestMessage(sig []byte, digestOffset uint32) []byte {
	msg := make([]byte, digestOffset)
	copy(msg, sig[0:digestOffset])
	msg = append(msg, sig[digestOffset+sha256DL:]...)
	return padOrTruncate(msg, sigSize-sha256DL)
}

func padOrTruncate(b []byte, n int) []byte {
	if len(b) < n {
		return append(b, make([]byte, n-len(b))...)
	}
	return b[:n]
}

func generateS1(messageFormat uint32) []byte {
	randomBytes := make([]byte, sigSize-8)
	if _, err := rand.Read(randomBytes); err != nil {
		panic(err)
	}

	handshakeBytes := []byte{0, 0, 0, 0, 1, 2, 3, 4}
	handshakeBytes = append(handshakeBytes, randomBytes...)
	handshakeBytes = padOrTruncate(handshakeBytes, sigSize)

	var serverDigestOffset uint32
	if messageFormat == messageFormat1 {
		serverDigestOffset = getClientGenuineConstDigestOffset(handshakeBytes[8:12])
	} else {
		serverDigestOffset = getClientGenuineConstDigestOffset(handshakeBytes[772:776])
	}

	msg := digestMessage(handshakeBytes, serverDigestOffset)
	h := calcHmac(msg, []byte(genuineFMSConst))
	copy(handshakeBytes[serverDigestOffset:serverDigestOffset+32], h)

	return handshakeBytes
}

func generateS2(messageFormat uint32, clientSig []byte) []byte {
	randomBytes := make([]byte, sigSize-32)
	if _, err := rand.Read(randomBytes); err != nil {
		panic(err)
	}

	var challengeKeyOffset uint32
	if messageFormat == messageFormat1 {
		challengeKeyOffset = getClientGenuineConstDigestOffset(clientSig[8:12])
	} else {
		challengeKeyOffset = getServerGenuineConstDigestOffset(clientSig[772:776])
	}
	challengeKey := clientSig[challengeKeyOffset : challengeKeyOffset+32]

	h := calcHmac(challengeKey, genuineFMSConstCrud)
	signature := calcHmac(randomBytes, h)

	s2Bytes := append(append([]byte{}, randomBytes...), signature...)
	return padOrTruncate(s2Bytes, sigSize)
}

// GenerateS0S1S2 builds the server's handshake response to clientSig,
// falling back to the plain handshake (S0+echo+echo) when the client's
// signature doesn't match either complex-handshake digest offset.
func GenerateS0S1S2(clientSig []byte) []byte {
	clientType := []byte{Version}
	messageFormat := detectClientMessageFormat(clientSig)

	if messageFormat == messageFormat0 {
		allBytes := append(clientType, clientSig...)
		return append(allBytes, clientSig...)
	}

	s1 := generateS1(messageFormat)
	s2 := generateS2(messageFormat, clientSig)
	allBytes := append(clientType, s1...)
	return append(allBytes, s2...)
}
