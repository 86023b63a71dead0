// RTMP server: accepts TCP (and optionally TLS) connections, enforces a
// per-IP concurrent connection limit, and spawns one Session per
// connection against a shared source.Registry. Generalizes the teacher's
// RTMPServer/RTMPChannel bookkeeping, which is now internal/source's job.
package rtmp

import (
	"crypto/tls"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/AgustinSRG/live-media-core/internal/clock"
	"github.com/AgustinSRG/live-media-core/internal/config"
	"github.com/AgustinSRG/live-media-core/internal/hooks"
	"github.com/AgustinSRG/live-media-core/internal/logging"
	"github.com/AgustinSRG/live-media-core/internal/source"
	"github.com/AgustinSRG/live-media-core/internal/stats"
)

const defaultIPConnectionLimit = 4

// Server listens for RTMP connections and dispatches each to a Session.
type Server struct {
	listener net.Listener

	mu       sync.Mutex
	ipCount  map[string]uint32
	ipLimit  uint32
	closed   bool

	registry *source.Registry
	cfg      config.Config
	hookD    hooks.HookDispatcher
	stat     stats.Statistics
	clk      clock.Clock
}

// NewServer builds a Server against the injected collaborators; Listen
// starts accepting once bound.
func NewServer(registry *source.Registry, cfg config.Config, hd hooks.HookDispatcher, st stats.Statistics, clk clock.Clock) *Server {
	limit := uint32(defaultIPConnectionLimit)
	if v := os.Getenv("MAX_IP_CONCURRENT_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = uint32(n)
		}
	}
	return &Server{
		ipCount:  make(map[string]uint32),
		ipLimit:  limit,
		registry: registry,
		cfg:      cfg,
		hookD:    hd,
		stat:     st,
		clk:      clk,
	}
}

// Listen binds addr (plain TCP) or, if tlsConfig is non-nil, TLS.
func (srv *Server) Listen(addr string, tlsConfig *tls.Config) error {
	var l net.Listener
	var err error
	if tlsConfig != nil {
		l, err = tls.Listen("tcp", addr, tlsConfig)
	} else {
		l, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return err
	}
	srv.listener = l
	return nil
}

// Serve accepts connections until the listener closes. Run in its own
// goroutine by the caller.
func (srv *Server) Serve() {
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			srv.mu.Lock()
			closed := srv.closed
			srv.mu.Unlock()
			if closed {
				return
			}
			logging.Error(err)
			continue
		}
		go srv.handleConnection(conn)
	}
}

func (srv *Server) Close() error {
	srv.mu.Lock()
	srv.closed = true
	srv.mu.Unlock()
	return srv.listener.Close()
}

func (srv *Server) handleConnection(conn net.Conn) {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	if !srv.acquireIPSlot(host) {
		logging.Debug("rejecting connection from " + host + ": per-IP connection limit reached")
		_ = conn.Close()
		return
	}
	defer srv.releaseIPSlot(host)

	session := NewSession(conn, srv.registry, srv.cfg, srv.hookD, srv.stat, srv.clk)
	session.Serve()
}

func (srv *Server) acquireIPSlot(ip string) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.ipCount[ip] >= srv.ipLimit {
		return false
	}
	srv.ipCount[ip]++
	return true
}

func (srv *Server) releaseIPSlot(ip string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.ipCount[ip] > 0 {
		srv.ipCount[ip]--
		if srv.ipCount[ip] == 0 {
			delete(srv.ipCount, ip)
		}
	}
}
