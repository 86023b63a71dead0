package srt

import (
	"net"
	"os"
	"strings"
	"sync"

	"github.com/netdata/go.d.plugin/pkg/iprange"

	"github.com/AgustinSRG/live-media-core/internal/bridge"
	"github.com/AgustinSRG/live-media-core/internal/clock"
	"github.com/AgustinSRG/live-media-core/internal/config"
	"github.com/AgustinSRG/live-media-core/internal/hooks"
	"github.com/AgustinSRG/live-media-core/internal/logging"
	"github.com/AgustinSRG/live-media-core/internal/mpegts"
	"github.com/AgustinSRG/live-media-core/internal/source"
	"github.com/AgustinSRG/live-media-core/internal/stats"
)

// readBufSize covers several TS packets per SRT message; real SRT payload
// sizes are usually 1316 or 1456 bytes, both multiples of 188 plus slack.
const readBufSize = 8 * mpegts.PacketSize

// Server accepts SRT connections through a Listener (the external
// collaborator, see transport.go) and, per the streamid's mode, either
// demuxes an incoming TS stream into the shared source.Registry
// (publish) or muxes a Source's frames back out as TS (request/pull).
type Server struct {
	listener Listener

	mu      sync.Mutex
	ingests map[string]*bridge.TSIngest // by connection id, for the periodic mix-correct Flush sweep

	registry *source.Registry
	cfg      config.Config
	hookD    hooks.HookDispatcher
	stat     stats.Statistics
	clk      clock.Clock
}

func NewServer(l Listener, registry *source.Registry, cfg config.Config, hd hooks.HookDispatcher, st stats.Statistics, clk clock.Clock) *Server {
	return &Server{
		listener: l,
		ingests:  make(map[string]*bridge.TSIngest),
		registry: registry,
		cfg:      cfg,
		hookD:    hd,
		stat:     st,
		clk:      clk,
	}
}

// Serve accepts connections until the Listener closes. Run in its own
// goroutine by the caller.
func (srv *Server) Serve() {
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			return
		}
		go srv.handleConn(conn)
	}
}

func (srv *Server) Close() error {
	return srv.listener.Close()
}

// FlushMixCorrect releases every active publish's mix-correct reorder
// queue items that have aged past the timeout; wired to sched.Ticks'
// 100ms subscription by cmd/live-core-server, the same way
// internal/webrtc's SweepTimeouts is wired to the 1s one.
func (srv *Server) FlushMixCorrect() {
	srv.mu.Lock()
	ingests := make([]*bridge.TSIngest, 0, len(srv.ingests))
	for _, ing := range srv.ingests {
		ingests = append(ingests, ing)
	}
	srv.mu.Unlock()

	for _, ing := range ingests {
		ing.Flush()
	}
}

func (srv *Server) handleConn(conn Conn) {
	info, err := ParseStreamID(conn.StreamID())
	if err != nil {
		logging.Warning("srt: rejecting connection, bad streamid: " + err.Error())
		_ = conn.Close()
		return
	}

	switch info.Mode {
	case ModePublish:
		srv.handlePublish(conn, info)
	case ModeRequest:
		srv.handleRequest(conn, info)
	}
}

func (srv *Server) handlePublish(conn Conn, info StreamInfo) {
	if !srv.canPublish(conn.RemoteAddr()) {
		logging.Warning("srt: rejecting publish from " + conn.RemoteAddr().String() + ": not in SRT_PUBLISH_WHITELIST")
		_ = conn.Close()
		return
	}

	key := source.Key{Vhost: info.Vhost, App: info.App, Stream: info.Stream}
	src := srv.registry.GetOrCreate(key)

	id := "srt-" + conn.RemoteAddr().String() + "-" + info.Stream
	if err := src.SetPublisher(id); err != nil {
		logging.Warning("srt publish rejected: " + err.Error())
		_ = conn.Close()
		return
	}
	src.SetKillFunc(id, func() { _ = conn.Close() })
	srv.stat.IncPublisher("srt")
	srv.hookD.OnPublish(hooks.Event{ContextID: id, Vhost: key.Vhost, App: key.App, Stream: key.Stream, ClientIP: hostOf(conn.RemoteAddr())})

	ingest := bridge.NewTSIngest(src, srv.cfg, key.Vhost, srv.clk)
	srv.mu.Lock()
	srv.ingests[id] = ingest
	srv.mu.Unlock()

	defer func() {
		srv.mu.Lock()
		delete(srv.ingests, id)
		srv.mu.Unlock()
		src.RemovePublisher(id)
		srv.hookD.OnUnpublish(hooks.Event{ContextID: id, Vhost: key.Vhost, App: key.App, Stream: key.Stream})
		srv.registry.Remove(key)
		_ = conn.Close()
	}()

	demux := mpegts.NewDemuxer()
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		for off := 0; off+mpegts.PacketSize <= n; off += mpegts.PacketSize {
			frame, err := demux.Feed(buf[off : off+mpegts.PacketSize])
			if err != nil {
				srv.stat.IncDroppedPacket("bad_ts")
				continue
			}
			if frame != nil {
				ingest.Feed(frame)
			}
		}
	}
}

const requestConsumerQueueSize = 256

// requestConsumer implements source.Consumer for an SRT "request" (pull)
// subscriber: Enqueue only drops the frame into a bounded drop-oldest
// queue (must not block, like every other source.Consumer), and a
// separate pump goroutine re-muxes into TS and writes to the connection.
type requestConsumer struct {
	id    string
	conn  Conn
	stat  stats.Statistics
	vhost string

	queue chan source.Frame
	done  chan struct{}

	closeOnce sync.Once
}

func (c *requestConsumer) ID() string { return c.id }

func (c *requestConsumer) Enqueue(f source.Frame) {
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
		c.stat.IncQueueOverflow("srt", c.vhost)
	}
}

func (c *requestConsumer) OnPublisherGone() {
	c.closeOnce.Do(func() { close(c.done) })
}

var _ source.Consumer = (*requestConsumer)(nil)

// pump drains the queue and writes muxed TS packets until the source
// signals EOS or a write fails (peer gone).
func (c *requestConsumer) pump() {
	eg := bridge.NewTSEgress()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.queue:
			for _, pkt := range eg.Feed(f) {
				if _, err := c.conn.Write(pkt); err != nil {
					c.closeOnce.Do(func() { close(c.done) })
					return
				}
			}
		}
	}
}

func (srv *Server) handleRequest(conn Conn, info StreamInfo) {
	key := source.Key{Vhost: info.Vhost, App: info.App, Stream: info.Stream}
	src, ok := srv.registry.Get(key)
	if !ok {
		logging.Debug("srt: request for unknown stream " + key.App + "/" + key.Stream)
		_ = conn.Close()
		return
	}

	id := "srt-" + conn.RemoteAddr().String() + "-" + info.Stream
	c := &requestConsumer{
		id:    id,
		conn:  conn,
		stat:  srv.stat,
		vhost: key.Vhost,
		queue: make(chan source.Frame, requestConsumerQueueSize),
		done:  make(chan struct{}),
	}

	src.AttachConsumer(c)
	srv.stat.IncSubscriber("srt")
	srv.hookD.OnPlay(hooks.Event{ContextID: id, Vhost: key.Vhost, App: key.App, Stream: key.Stream, ClientIP: hostOf(conn.RemoteAddr())})

	c.pump()

	src.DetachConsumer(id)
	srv.hookD.OnStop(hooks.Event{ContextID: id, Vhost: key.Vhost, App: key.App, Stream: key.Stream})
	_ = conn.Close()
}

// canPublish applies the SRT_PUBLISH_WHITELIST env var (a comma-separated
// list of IP ranges), matching internal/rtmp's canPlay/RTMP_PLAY_WHITELIST idiom.
func (srv *Server) canPublish(addr net.Addr) bool {
	r := os.Getenv("SRT_PUBLISH_WHITELIST")
	if r == "" || r == "*" {
		return true
	}

	ip := net.ParseIP(hostOf(addr))
	for _, part := range strings.Split(r, ",") {
		rng, err := iprange.ParseRange(part)
		if err != nil {
			logging.Warning("invalid SRT_PUBLISH_WHITELIST entry: " + part)
			continue
		}
		if rng.Contains(ip) {
			return true
		}
	}
	return false
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
