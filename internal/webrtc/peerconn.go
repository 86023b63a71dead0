package webrtc

import (
	"errors"
	"net"
	"time"
)

// peerConn adapts one peer's slice of a shared UDP socket into a
// net.Conn, the shape pion/dtls's Server() expects. Inbound datagrams
// the demux loop classifies as DTLS for this peer are pushed onto rx;
// outbound writes go through the shared socket to whatever address is
// currently on file, so address migration (a new source address
// appearing for the same ICE ufrag) only needs to update remoteAddr.
type peerConn struct {
	socket net.PacketConn
	conn   *Connection

	rx     chan []byte
	closed chan struct{}
}

func newPeerConn(socket net.PacketConn, conn *Connection) *peerConn {
	return &peerConn{
		socket: socket,
		conn:   conn,
		rx:     make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

// push delivers one inbound DTLS datagram to a blocked/future Read.
func (p *peerConn) push(buf []byte) {
	cp := append([]byte(nil), buf...)
	select {
	case p.rx <- cp:
	case <-p.closed:
	default:
		// a handshake retransmit arriving while the buffer is full is
		// simply dropped; DTLS retransmits on timeout.
	}
}

func (p *peerConn) Read(b []byte) (int, error) {
	select {
	case buf := <-p.rx:
		n := copy(b, buf)
		return n, nil
	case <-p.closed:
		return 0, net.ErrClosed
	}
}

func (p *peerConn) Write(b []byte) (int, error) {
	addr := p.conn.RemoteAddr()
	if addr == nil {
		return 0, errors.New("webrtc: no remote address established yet")
	}
	return p.socket.WriteTo(b, addr)
}

func (p *peerConn) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

func (p *peerConn) LocalAddr() net.Addr { return p.socket.LocalAddr() }
func (p *peerConn) RemoteAddr() net.Addr {
	if a := p.conn.RemoteAddr(); a != nil {
		return a
	}
	return &net.UDPAddr{}
}
func (p *peerConn) SetDeadline(t time.Time) error      { return nil }
func (p *peerConn) SetReadDeadline(t time.Time) error   { return nil }
func (p *peerConn) SetWriteDeadline(t time.Time) error  { return nil }

var _ net.Conn = (*peerConn)(nil)
