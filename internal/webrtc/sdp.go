package webrtc

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/randutil"
	"github.com/pion/sdp/v3"

	"github.com/AgustinSRG/live-media-core/internal/errorsx"
	"github.com/AgustinSRG/live-media-core/internal/source"
)

// NegotiateOffer parses a remote SDP offer, extracts the ICE ufrag/pwd
// and one track description per m= section (audio/video only), and
// records them on c. Signaling itself (how the offer text reaches this
// process) is out of CORE scope per spec; this just consumes the body.
func (c *Connection) NegotiateOffer(offerSDP string) ([]*TrackDescription, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(offerSDP)); err != nil {
		return nil, errorsx.Malformed(errorsx.CodeBadSync, "sdp offer parse failed")
	}

	ufrag, pwd, ok := sessionICECredentials(&parsed)
	if !ok {
		return nil, errorsx.Violation(errorsx.CodeBadSync, "sdp offer missing ice-ufrag/ice-pwd")
	}

	c.mu.Lock()
	c.remoteUfrag, c.remotePwd = ufrag, pwd
	c.mu.Unlock()

	var tracks []*TrackDescription
	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media != "audio" && m.MediaName.Media != "video" {
			continue
		}
		mid, _ := m.Attribute("mid")
		kind := source.FrameAudio
		if m.MediaName.Media == "video" {
			kind = source.FrameVideo
		}

		var pt uint8
		if len(m.MediaName.Formats) > 0 {
			if n, err := strconv.Atoi(m.MediaName.Formats[0]); err == nil {
				pt = uint8(n)
			}
		}

		var ssrc uint32
		for _, a := range m.Attributes {
			if a.Key != "ssrc" {
				continue
			}
			fields := strings.Fields(a.Value)
			if len(fields) > 0 {
				if n, err := strconv.ParseUint(fields[0], 10, 32); err == nil {
					ssrc = uint32(n)
				}
			}
			break
		}

		// a recvonly/sendonly direction attribute decides who is
		// publishing: the remote sends us media on "sendonly"/"sendrecv".
		isPublisher := true
		for _, a := range m.Attributes {
			if a.Key == "recvonly" {
				isPublisher = false
			}
		}

		td := &TrackDescription{Mid: mid, Kind: kind, PayloadType: pt, SSRC: ssrc, IsPublisher: isPublisher}
		tracks = append(tracks, td)
		c.mu.Lock()
		c.tracks[mid] = td
		c.mu.Unlock()
		if ssrc != 0 {
			c.ssrcIn.Set(ssrc, mid)
		}
	}
	return tracks, nil
}

func sessionICECredentials(s *sdp.SessionDescription) (ufrag, pwd string, ok bool) {
	if v, found := s.Attribute("ice-ufrag"); found {
		ufrag = v
	}
	if v, found := s.Attribute("ice-pwd"); found {
		pwd = v
	}
	if ufrag == "" || pwd == "" {
		for _, m := range s.MediaDescriptions {
			if v, found := m.Attribute("ice-ufrag"); found && ufrag == "" {
				ufrag = v
			}
			if v, found := m.Attribute("ice-pwd"); found && pwd == "" {
				pwd = v
			}
		}
	}
	return ufrag, pwd, ufrag != "" && pwd != ""
}

// BuildAnswer produces the local SDP answer: ICE-lite (this process
// never originates a binding request, only answers), a=setup:passive
// (we are always the DTLS server role), our certificate fingerprint, and
// one host candidate at publicAddr for every negotiated track.
func (c *Connection) BuildAnswer(tracks []*TrackDescription, publicAddr *net.UDPAddr, cert tls.Certificate) (string, error) {
	candidate, err := hostCandidate(publicAddr)
	if err != nil {
		return "", err
	}

	sessID, err := randutil.GenerateCryptoRandomString(16, []byte("0123456789"))
	if err != nil {
		return "", err
	}

	answer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      parseUintOrZero(sessID),
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: publicAddr.IP.String(),
		},
		SessionName: "-",
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
		Attributes: []sdp.Attribute{
			{Key: "group", Value: "BUNDLE " + joinMids(tracks)},
			{Key: "ice-lite"},
		},
	}

	c.mu.Lock()
	localUfrag, localPwd := c.localUfrag, c.localPwd
	c.mu.Unlock()

	for _, t := range tracks {
		direction := "sendonly"
		if t.IsPublisher {
			direction = "recvonly"
		}
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   mediaKindString(t.Kind),
				Port:    sdp.RangedPort{Value: int(publicAddr.Port)},
				Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
				Formats: []string{fmt.Sprintf("%d", t.PayloadType)},
			},
			Attributes: []sdp.Attribute{
				{Key: "mid", Value: t.Mid},
				{Key: direction},
				{Key: "ice-ufrag", Value: localUfrag},
				{Key: "ice-pwd", Value: localPwd},
				{Key: "ice-options", Value: "trickle"},
				{Key: "fingerprint", Value: "sha-256 " + CertificateFingerprint(cert)},
				{Key: "setup", Value: "passive"},
				{Key: "candidate", Value: candidate},
				{Key: "rtcp-mux"},
			},
		}
		if t.SSRC != 0 {
			md.Attributes = append(md.Attributes, sdp.Attribute{Key: "ssrc", Value: fmt.Sprintf("%d cname:live-media-core", t.SSRC)})
		}
		answer.MediaDescriptions = append(answer.MediaDescriptions, md)
	}

	b, err := answer.Marshal()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func mediaKindString(k source.FrameKind) string {
	if k == source.FrameAudio {
		return "audio"
	}
	return "video"
}

func joinMids(tracks []*TrackDescription) string {
	var mids []string
	for _, t := range tracks {
		mids = append(mids, t.Mid)
	}
	return strings.Join(mids, " ")
}

func parseUintOrZero(s string) uint64 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// hostCandidate builds an SDP candidate line for our one UDP listen
// socket, the only candidate ICE-lite ever offers.
func hostCandidate(addr *net.UDPAddr) (string, error) {
	cand, err := ice.NewCandidateHost(&ice.CandidateHostConfig{
		Network:   "udp",
		Address:   addr.IP.String(),
		Port:      addr.Port,
		Component: ice.ComponentRTP,
	})
	if err != nil {
		return "", errorsx.Wrap(errorsx.ProtocolViolation, errorsx.CodeBadSync, "ice candidate build failed", err)
	}
	return cand.Marshal(), nil
}
