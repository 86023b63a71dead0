package webrtc

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/AgustinSRG/live-media-core/internal/bridge"
	"github.com/AgustinSRG/live-media-core/internal/clock"
	"github.com/AgustinSRG/live-media-core/internal/config"
	"github.com/AgustinSRG/live-media-core/internal/hooks"
	"github.com/AgustinSRG/live-media-core/internal/logging"
	"github.com/AgustinSRG/live-media-core/internal/rtcpio"
	"github.com/AgustinSRG/live-media-core/internal/rtpio"
	"github.com/AgustinSRG/live-media-core/internal/source"
	"github.com/AgustinSRG/live-media-core/internal/stats"
)

var connIDCounter uint64

const udpReadBufferSize = 2048

// Server owns the single UDP socket this core's WebRTC transport
// listens on, demuxes every datagram to the Connection it belongs to
// (by source address once established, by ICE ufrag during the STUN
// handshake), and runs the per-peer DTLS handshake and RTP/RTCP pumps.
type Server struct {
	socket net.PacketConn
	cert   tls.Certificate

	mu           sync.Mutex
	byAddr       map[string]*Connection
	byUfrag      map[string]*Connection
	peerConns    map[string]*peerConn
	closed       bool

	registry *source.Registry
	cfg      config.Config
	hookD    hooks.HookDispatcher
	stat     stats.Statistics
	clk      clock.Clock
}

func NewServer(registry *source.Registry, cfg config.Config, hd hooks.HookDispatcher, st stats.Statistics, clk clock.Clock) (*Server, error) {
	cert, err := GenerateCertificate()
	if err != nil {
		return nil, err
	}
	return &Server{
		cert:      cert,
		byAddr:    make(map[string]*Connection),
		byUfrag:   make(map[string]*Connection),
		peerConns: make(map[string]*peerConn),
		registry:  registry,
		cfg:       cfg,
		hookD:     hd,
		stat:      st,
		clk:       clk,
	}, nil
}

func (s *Server) Listen(addr string) error {
	socket, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	s.socket = socket
	return nil
}

// RegisterPending associates a freshly negotiated Connection with its
// remote ICE ufrag, so the first STUN binding request from the peer can
// be routed to it before any source address is known.
func (s *Server) RegisterPending(c *Connection) {
	s.mu.Lock()
	s.byUfrag[c.remoteUfrag] = c
	s.mu.Unlock()
}

// NextConnectionID returns a fresh per-process connection identifier in
// the same style as RTMP's session IDs.
func NextConnectionID() string {
	id := atomic.AddUint64(&connIDCounter, 1)
	return "webrtc-" + itoa(id)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Serve reads datagrams until the socket closes, dispatching each by
// Classify.
func (s *Server) Serve() {
	buf := make([]byte, udpReadBufferSize)
	for {
		n, addr, err := s.socket.ReadFrom(buf)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			logging.Error(err)
			continue
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		s.handleDatagram(append([]byte(nil), buf[:n]...), udpAddr)
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.socket.Close()
}

func (s *Server) handleDatagram(buf []byte, from *net.UDPAddr) {
	if len(buf) == 0 {
		return
	}
	switch Classify(buf[0]) {
	case ClassSTUN:
		s.handleSTUN(buf, from)
	case ClassDTLS:
		s.handleDTLS(buf, from)
	case ClassRTP:
		s.handleRTPOrRTCP(buf, from)
	}
}

func (s *Server) handleSTUN(buf []byte, from *net.UDPAddr) {
	req, err := ParseStunBindingRequest(buf)
	if err != nil {
		s.stat.IncDroppedPacket("bad_stun")
		return
	}

	s.mu.Lock()
	conn, ok := s.byAddr[from.String()]
	if !ok {
		for _, c := range s.byUfrag {
			if UsernameMatches(req, c.localUfrag) {
				conn = c
				ok = true
				break
			}
		}
	}
	if ok {
		s.byAddr[from.String()] = conn
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	conn.OnStunBinding(from)

	resp, err := BuildStunBindingSuccess(req, from, conn.localPwd)
	if err != nil {
		logging.Warning("stun response build failed: " + err.Error())
		return
	}
	_, _ = s.socket.WriteTo(resp, from)

	s.mu.Lock()
	pc, havePeer := s.peerConns[conn.id]
	s.mu.Unlock()
	if !havePeer {
		pc = newPeerConn(s.socket, conn)
		s.mu.Lock()
		s.peerConns[conn.id] = pc
		s.mu.Unlock()
		conn.setState(StateDoingDTLS)
		go s.runHandshake(conn, pc)
	}
}

func (s *Server) runHandshake(conn *Connection, pc *peerConn) {
	transport, err := RunServerHandshake(pc, s.cert)
	if err != nil {
		s.stat.IncCryptoFailure("webrtc")
		logging.Warning("dtls handshake failed for " + conn.id + ": " + err.Error())
		return
	}
	conn.OnDTLSEstablished(transport)
	go s.playPump(conn)
}

func (s *Server) handleDTLS(buf []byte, from *net.UDPAddr) {
	s.mu.Lock()
	conn, ok := s.byAddr[from.String()]
	var pc *peerConn
	if ok {
		pc = s.peerConns[conn.id]
	}
	s.mu.Unlock()
	if !ok || pc == nil {
		return
	}
	pc.push(buf)
}

func (s *Server) handleRTPOrRTCP(buf []byte, from *net.UDPAddr) {
	s.mu.Lock()
	conn, ok := s.byAddr[from.String()]
	s.mu.Unlock()
	if !ok || conn.State() != StateEstablished {
		return
	}

	pt := buf[1] & 0x7f
	if pt >= 64 && pt <= 95 {
		s.handleRTCP(conn, buf)
		return
	}

	nowUs := conn.clk.NowMicros()
	if seq, ok := rtpio.ExtractTWCCSeq(buf); ok && conn.twcc != nil {
		if fb := conn.twcc.Push(seq, nowUs, buf[1]&0x80 != 0); fb != nil {
			s.sendRTCP(conn, fb)
		}
	}

	plain, err := conn.transport.UnprotectRTP(buf)
	if err != nil {
		s.stat.IncCryptoFailure("webrtc")
		return
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(plain); err != nil {
		s.stat.IncDroppedPacket("bad_rtp")
		return
	}

	if conn.nackRecv != nil {
		conn.nackRecv.PushSeq(pkt.SequenceNumber)
	}

	mid, _ := conn.ssrcIn.Lookup(pkt.SSRC)
	conn.mu.Lock()
	td := conn.tracks[mid]
	if td != nil && td.Kind == source.FrameVideo {
		if conn.depack[mid] == nil {
			conn.depack[mid] = &rtpio.Depacketizer{}
		}
	}
	dp := conn.depack[mid]
	sentHeader := conn.sentVideoHeader[mid]
	conn.mu.Unlock()
	if td == nil || conn.src == nil {
		return
	}

	if td.Kind == source.FrameVideo {
		frames := bridge.RTPVideoIngest(dp, pkt.Payload, pkt.Timestamp, &sentHeader)
		conn.mu.Lock()
		conn.sentVideoHeader[mid] = sentHeader
		conn.mu.Unlock()
		for _, f := range frames {
			conn.src.PublishFrame(f)
		}
		return
	}

	conn.src.PublishFrame(audioFrameFromRTP(&pkt))
}

func (s *Server) handleRTCP(conn *Connection, buf []byte) {
	plain, err := conn.transport.UnprotectRTCP(buf)
	if err != nil {
		s.stat.IncCryptoFailure("webrtc")
		return
	}
	d := &rtcpio.Dispatch{
		OnNACK: func(p *rtcp.TransportLayerNack) {
			if conn.nackSend == nil {
				return
			}
			for _, seq := range rtcpio.NacksFromPacket(p) {
				data := conn.nackSend.Lookup(seq)
				if data == nil {
					continue
				}
				protected, err := conn.transport.ProtectRTP(data)
				if err != nil {
					continue
				}
				if sock, err := conn.SendSocket(); err == nil {
					_, _ = sock.Write(protected)
				}
			}
		},
		OnPLI: func(p *rtcp.PictureLossIndication) {
			// forwarded to the publisher side by the bridge/source layer;
			// the transport layer only needs to not crash on receipt.
		},
	}
	_ = d.HandleCompound(plain)
}

func (s *Server) sendRTCP(conn *Connection, pkt rtcp.Packet) {
	raw, err := pkt.Marshal()
	if err != nil {
		return
	}
	protected, err := conn.transport.ProtectRTCP(raw)
	if err != nil {
		return
	}
	sock, err := conn.SendSocket()
	if err != nil {
		return
	}
	_, _ = sock.Write(protected)
}

// audioFrameFromRTP wraps one Opus RTP payload into an FLV-shaped audio
// Frame; Opus is carried as one packet per Frame (no reassembly needed,
// unlike H.264), with the Opus ID header recognised by its 8-byte
// "OpusHead" magic prefix.
func audioFrameFromRTP(pkt *rtp.Packet) source.Frame {
	isHeader := len(pkt.Payload) >= 8 && string(pkt.Payload[:8]) == "OpusHead"
	return source.Frame{
		Kind:      source.FrameAudio,
		Timestamp: int64(pkt.Timestamp) / 48, // 48kHz Opus clock to ms
		IsHeader:  isHeader,
		Payload:   bridge.BuildOpusTag(pkt.Payload, isHeader),
	}
}

// playPump drains conn's outgoing queue, packetizing each Frame and
// sending it protected to the peer, until Done fires.
func (s *Server) playPump(conn *Connection) {
	packetizers := map[source.FrameKind]*rtpio.Packetizer{}
	for {
		select {
		case <-conn.Done():
			return
		case f := <-conn.Queue():
			conn.mu.Lock()
			var td *TrackDescription
			for _, t := range conn.tracks {
				if t.Kind == f.Kind && !t.IsPublisher {
					td = t
					break
				}
			}
			conn.mu.Unlock()
			if td == nil {
				continue
			}
			p, ok := packetizers[f.Kind]
			if !ok {
				p = rtpio.NewPacketizer(td.SSRC, td.PayloadType)
				packetizers[f.Kind] = p
			}
			for _, pkt := range bridge.FramePacketize(f, p) {
				raw, err := pkt.Marshal()
				if err != nil {
					continue
				}
				protected, err := conn.transport.ProtectRTP(raw)
				if err != nil {
					s.stat.IncCryptoFailure("webrtc")
					continue
				}
				sock, err := conn.SendSocket()
				if err != nil {
					continue
				}
				_, _ = sock.Write(protected)
			}
		}
	}
}

// SweepTimeouts closes connections that haven't received STUN within
// their configured session timeout. cmd/live-core-server calls this off
// internal/sched.Ticks' 1s subscription.
func (s *Server) SweepTimeouts() {
	now := s.clk.NowMicros()
	s.mu.Lock()
	var stale []*Connection
	for _, c := range s.byAddr {
		if c.TimedOutSince(now, s.cfg.RtcStunTimeoutMicros(c.key.Vhost)) {
			stale = append(stale, c)
		}
	}
	s.mu.Unlock()

	for _, c := range stale {
		c.Close()
		s.mu.Lock()
		delete(s.byUfrag, c.remoteUfrag)
		for addr, cc := range s.byAddr {
			if cc == c {
				delete(s.byAddr, addr)
			}
		}
		delete(s.peerConns, c.id)
		s.mu.Unlock()
	}
}

