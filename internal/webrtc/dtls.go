package webrtc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/logging"
	"github.com/pion/srtp/v3"

	"github.com/AgustinSRG/live-media-core/internal/errorsx"
	"github.com/AgustinSRG/live-media-core/internal/rtpio"
)

// GenerateCertificate creates a self-signed ECDSA certificate for the
// DTLS server role, in the shape every WebRTC SFU needs one: the
// fingerprint goes in the SDP answer, the peer verifies it matches the
// certificate actually presented during the handshake.
func GenerateCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "live-media-core"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// CertificateFingerprint returns the SHA-256 fingerprint of cert's leaf,
// formatted the way SDP's a=fingerprint line expects ("AB:CD:...").
func CertificateFingerprint(cert tls.Certificate) string {
	sum := sha256.Sum256(cert.Certificate[0])
	const hexDigits = "0123456789ABCDEF"
	out := make([]byte, 0, len(sum)*3-1)
	for i, b := range sum {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hexDigits[b>>4], hexDigits[b&0xf])
	}
	return string(out)
}

// dtlsConfig builds the server-role DTLS config, offering the SRTP
// protection profiles this core supports.
func dtlsConfig(cert tls.Certificate) *dtls.Config {
	return &dtls.Config{
		Certificates:           []tls.Certificate{cert},
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{dtls.SRTP_AEAD_AES_128_GCM, dtls.SRTP_AES128_CM_HMAC_SHA1_80},
		ClientAuth:             dtls.RequireAnyClientCert,
		InsecureSkipVerify:     true, // the SDP fingerprint, not a CA chain, authenticates the peer
		LoggerFactory:          logging.NewDefaultLoggerFactory(),
	}
}

// RunServerHandshake performs the DTLS server handshake over conn
// (expected to be a *peerConn wrapping one UDP peer's demuxed stream),
// then derives SRTP read/write contexts via DTLS-SRTP key export
// (RFC 5764) and wraps them in an rtpio.DuplexSecureTransport.
func RunServerHandshake(conn *peerConn, cert tls.Certificate) (rtpio.Transport, error) {
	dconn, err := dtls.Server(conn, dtlsConfig(cert))
	if err != nil {
		return nil, errorsx.Wrap(errorsx.CryptoFailure, errorsx.CodeDtlsHandshake, "dtls server handshake failed", err)
	}

	profile := dconn.ConnectionState().SRTPProtectionProfile
	keyLen, saltLen, err := srtpKeyingMaterialSize(profile)
	if err != nil {
		return nil, err
	}

	material, err := dconn.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, (keyLen+saltLen)*2)
	if err != nil {
		return nil, errorsx.Wrap(errorsx.CryptoFailure, errorsx.CodeDtlsHandshake, "srtp keying material export failed", err)
	}

	// RFC 5764 §4-2 layout: client write key, server write key, client
	// write salt, server write salt. The DTLS server role here receives
	// from the client (uses client keys to unprotect) and sends with the
	// server keys (uses server keys to protect).
	offset := 0
	clientKey := material[offset : offset+keyLen]
	offset += keyLen
	serverKey := material[offset : offset+keyLen]
	offset += keyLen
	clientSalt := material[offset : offset+saltLen]
	offset += saltLen
	serverSalt := material[offset : offset+saltLen]

	srtpProfile := srtpProtectionProfile(profile)

	readCtx, err := srtp.CreateContext(clientKey, clientSalt, srtpProfile)
	if err != nil {
		return nil, errorsx.Wrap(errorsx.CryptoFailure, errorsx.CodeSrtpAuth, "srtp read context failed", err)
	}
	writeCtx, err := srtp.CreateContext(serverKey, serverSalt, srtpProfile)
	if err != nil {
		return nil, errorsx.Wrap(errorsx.CryptoFailure, errorsx.CodeSrtpAuth, "srtp write context failed", err)
	}

	return rtpio.NewDuplexSecureTransport(readCtx, writeCtx), nil
}

func srtpKeyingMaterialSize(profile dtls.SRTPProtectionProfile) (keyLen, saltLen int, err error) {
	switch profile {
	case dtls.SRTP_AEAD_AES_128_GCM:
		return 16, 12, nil
	case dtls.SRTP_AES128_CM_HMAC_SHA1_80:
		return 16, 14, nil
	default:
		return 0, 0, errorsx.Violation(errorsx.CodeDtlsHandshake, "unsupported srtp protection profile")
	}
}

func srtpProtectionProfile(profile dtls.SRTPProtectionProfile) srtp.ProtectionProfile {
	switch profile {
	case dtls.SRTP_AEAD_AES_128_GCM:
		return srtp.ProtectionProfileAeadAes128Gcm
	default:
		return srtp.ProtectionProfileAes128CmHmacSha1_80
	}
}
