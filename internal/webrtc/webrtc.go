// Package webrtc implements the WebRTC ingest/egress transport: a
// per-peer state machine over a single UDP socket, first-byte demux of
// STUN/DTLS/RTP/RTCP, ICE-lite STUN binding, a DTLS-SRTP handshake, SDP
// offer/answer negotiation, address migration, and the RTP/RTCP fast
// paths that bridge into the shared source hub. Grounded on spec.md
// §4.5/§6 (no teacher file covers this transport; pion usage patterns
// are grounded on gtfodev-camsRelay's go.mod pion stack and confirmed
// present in n0remac-robot-webrtc).
package webrtc

import (
	"errors"
	"net"
	"sync"

	"github.com/AgustinSRG/live-media-core/internal/clock"
	"github.com/AgustinSRG/live-media-core/internal/config"
	"github.com/AgustinSRG/live-media-core/internal/hooks"
	"github.com/AgustinSRG/live-media-core/internal/logging"
	"github.com/AgustinSRG/live-media-core/internal/rtcpio"
	"github.com/AgustinSRG/live-media-core/internal/rtpio"
	"github.com/AgustinSRG/live-media-core/internal/source"
	"github.com/AgustinSRG/live-media-core/internal/stats"
)

// State is a WebRTC connection's transport lifecycle, per spec §4.5.
type State int

const (
	StateInit State = iota
	StateWaitingStun
	StateDoingDTLS
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWaitingStun:
		return "waiting_stun"
	case StateDoingDTLS:
		return "doing_dtls"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PacketClass is the demultiplexed kind of an inbound UDP datagram, by
// first byte, per RFC 7983 and spec §4.5's wire table.
type PacketClass int

const (
	ClassUnknown PacketClass = iota
	ClassSTUN
	ClassDTLS
	ClassRTP
)

// Classify inspects the first byte of a UDP datagram to route it without
// parsing the rest: 0-3 is STUN, 20-63 is a DTLS record, 128-191 is
// RTP/RTCP (distinguished later by payload type).
func Classify(b byte) PacketClass {
	switch {
	case b <= 3:
		return ClassSTUN
	case b >= 20 && b <= 63:
		return ClassDTLS
	case b >= 128 && b <= 191:
		return ClassRTP
	default:
		return ClassUnknown
	}
}

// TrackDescription is one negotiated media track produced by SDP
// offer/answer, enough to build an RTP Packetizer/Depacketizer and SSRC
// routing for it.
type TrackDescription struct {
	Mid         string
	Kind        source.FrameKind
	PayloadType uint8
	SSRC        uint32
	IsPublisher bool // true if the remote is sending us this track
}

// Connection is one peer's transport state: ICE-lite credentials, DTLS
// transport, SRTP contexts, negotiated tracks, and the publisher/player
// bookkeeping that bridges to the source hub. One Connection corresponds
// to one negotiated stream; several tracks (audio+video) multiplex under
// it via the SSRC cache rather than per-track connections.
type Connection struct {
	id string

	mu           sync.Mutex
	state        State
	remoteAddr   *net.UDPAddr
	socketCache  map[string]net.Conn // address migration: avoid re-creating sockets per peer address
	lastStunTime int64

	localUfrag, localPwd   string
	remoteUfrag, remotePwd string

	transport rtpio.Transport
	tracks    map[string]*TrackDescription // by mid
	ssrcIn    *SSRCCache
	depack    map[string]*rtpio.Depacketizer // by mid, ingest reassembly state
	sentVideoHeader map[string]bool         // by mid, whether the seq header Frame has been published yet

	key         source.Key
	registry    *source.Registry
	src         *source.Source
	isPublisher bool

	queue     chan source.Frame
	done      chan struct{}
	closeOnce sync.Once

	twcc     *rtcpio.TWCCResponder
	nackRecv *rtcpio.Receiver
	nackSend *rtcpio.SendRing
	pli      *rtcpio.PLIWorker

	cfg   config.Config
	hooks hooks.HookDispatcher
	stat  stats.Statistics
	clk   clock.Clock
}

const connectionQueueSize = 256

var errNoRemoteAddr = errors.New("webrtc: no remote address established yet")

// NewConnection builds a Connection in StateInit with freshly generated
// ICE-lite local credentials. The caller fills in remote credentials,
// tracks, and key once SDP negotiation completes.
func NewConnection(id string, registry *source.Registry, cfg config.Config, hd hooks.HookDispatcher, st stats.Statistics, clk clock.Clock) *Connection {
	return &Connection{
		id:          id,
		state:       StateInit,
		socketCache: make(map[string]net.Conn),
		tracks:      make(map[string]*TrackDescription),
		ssrcIn:      NewSSRCCache(),
		depack:      make(map[string]*rtpio.Depacketizer),
		sentVideoHeader: make(map[string]bool),
		registry:    registry,
		queue:       make(chan source.Frame, connectionQueueSize),
		done:        make(chan struct{}),
		cfg:         cfg,
		hooks:       hd,
		stat:        st,
		clk:         clk,
		localUfrag:  randomICEString(8),
		localPwd:    randomICEString(24),
	}
}

// ID satisfies source.Consumer.
func (c *Connection) ID() string { return c.id }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// OnStunBinding is called with every inbound STUN binding request's
// source address; it drives INIT->WAITING_STUN and records the address
// for migration. The connection never sends its own binding requests
// (ICE-lite: remote is always controlling).
func (c *Connection) OnStunBinding(from *net.UDPAddr) {
	c.mu.Lock()
	if c.state == StateInit {
		c.state = StateWaitingStun
	}
	c.remoteAddr = from
	c.lastStunTime = c.clk.NowMicros()
	c.mu.Unlock()
}

// OnDTLSEstablished is called once the DTLS handshake completes and SRTP
// contexts are derived; transitions to ESTABLISHED and starts the
// deferred publish/play wiring.
func (c *Connection) OnDTLSEstablished(transport rtpio.Transport) {
	c.mu.Lock()
	c.state = StateEstablished
	c.transport = transport
	if c.cfg.TwccEnabled(c.key.Vhost) {
		c.twcc = rtcpio.NewTWCCResponder(c.clk, 1, 1)
	}
	if c.cfg.NackEnabled(c.key.Vhost) {
		c.nackRecv = rtcpio.NewReceiver(c.clk, 1, 1, 5, 50_000, 2_000_000)
		c.nackSend = &rtcpio.SendRing{}
	}
	c.pli = rtcpio.NewPLIWorker(c.clk, 1, 1, 1_000_000)
	c.mu.Unlock()

	if c.isPublisher {
		if err := c.src.SetPublisher(c.id); err != nil {
			logging.Warning("webrtc publish rejected: " + err.Error())
			return
		}
		c.src.SetKillFunc(c.id, c.Close)
		c.stat.IncPublisher("webrtc")
		c.hooks.OnPublish(hooks.Event{ContextID: c.id, Vhost: c.key.Vhost, App: c.key.App, Stream: c.key.Stream})
		return
	}

	c.src.AttachConsumer(c)
	c.stat.IncSubscriber("webrtc")
	c.hooks.OnPlay(hooks.Event{ContextID: c.id, Vhost: c.key.Vhost, App: c.key.App, Stream: c.key.Stream})
}

// TimedOutSince reports whether no STUN has arrived within timeout
// (spec: "no STUN within session_timeout -> CLOSED").
func (c *Connection) TimedOutSince(now int64, timeoutUs int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.lastStunTime == 0 {
		return false
	}
	return now-c.lastStunTime > timeoutUs
}

// RemoteAddr returns the send-only socket target, updated atomically on
// every migration.
func (c *Connection) RemoteAddr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteAddr
}

// SendSocket returns a connected UDP socket for the connection's current
// remote address, dialing and caching one the first time a given
// address is seen. Address migration (the peer's source address
// changing mid-session) just adds a new cache entry; the old socket for
// a stale address is left in the cache rather than torn down
// immediately, since a brief dual-homed window is expected, and is only
// freed when the connection itself closes.
func (c *Connection) SendSocket() (net.Conn, error) {
	c.mu.Lock()
	addr := c.remoteAddr
	c.mu.Unlock()
	if addr == nil {
		return nil, errNoRemoteAddr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if sock, ok := c.socketCache[addr.String()]; ok {
		return sock, nil
	}
	sock, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	c.socketCache[addr.String()] = sock
	return sock, nil
}

// Enqueue implements source.Consumer: non-blocking, drop-oldest.
func (c *Connection) Enqueue(f source.Frame) {
	select {
	case c.queue <- f:
	default:
		select {
		case <-c.queue:
		default:
		}
		select {
		case c.queue <- f:
		default:
		}
		c.stat.IncQueueOverflow("webrtc", c.key.Vhost)
	}
}

// OnPublisherGone implements source.Consumer.
func (c *Connection) OnPublisherGone() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Connection) Close() {
	c.mu.Lock()
	c.state = StateClosed
	for _, sock := range c.socketCache {
		_ = sock.Close()
	}
	c.socketCache = make(map[string]net.Conn)
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })

	if c.src == nil {
		return
	}
	if c.isPublisher {
		c.src.RemovePublisher(c.id)
		c.hooks.OnUnpublish(hooks.Event{ContextID: c.id, Vhost: c.key.Vhost, App: c.key.App, Stream: c.key.Stream})
	} else {
		c.src.DetachConsumer(c.id)
		c.hooks.OnStop(hooks.Event{ContextID: c.id, Vhost: c.key.Vhost, App: c.key.App, Stream: c.key.Stream})
	}
	if c.registry != nil {
		c.registry.Remove(c.key)
	}
}

// Done returns a channel closed when playback should stop (publisher
// gone or the connection itself closed).
func (c *Connection) Done() <-chan struct{} { return c.done }

// Queue returns the outgoing frame channel a play-pump loop drains.
func (c *Connection) Queue() <-chan source.Frame { return c.queue }

var _ source.Consumer = (*Connection)(nil)
