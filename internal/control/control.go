// Package control is the websocket client to an optional external
// coordinator, adapted from the teacher's control_connection.go and
// control_auth.go. Scoped to what SPEC_FULL.md's DOMAIN STACK names for
// this dependency: out-of-band STREAM-KILL delivery and the heartbeat/
// reconnect loop that keeps the connection alive, not the teacher's
// publish-authorization request/response exchange (internal/hooks'
// OnPublish only reports the event and has no way to refuse a publish).
package control

import (
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	messages "github.com/AgustinSRG/go-simple-rpc-message"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/AgustinSRG/live-media-core/internal/logging"
	"github.com/AgustinSRG/live-media-core/internal/source"
)

const (
	reconnectDelay  = 10 * time.Second
	heartbeatPeriod = 20 * time.Second
	readTimeout     = 60 * time.Second
)

// Coordinator maintains a websocket connection to an external control
// plane, if CONTROL_BASE_URL is configured, and applies STREAM-KILL
// commands it receives to the shared source.Registry.
type Coordinator struct {
	registry *source.Registry

	connectionURL string
	enabled       bool

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewCoordinator builds a Coordinator from the teacher's own env var
// contract (CONTROL_BASE_URL, CONTROL_SECRET, EXTERNAL_IP, EXTERNAL_PORT,
// EXTERNAL_SSL). A Coordinator with no CONTROL_BASE_URL runs in
// stand-alone mode: Start is then a no-op.
func NewCoordinator(registry *source.Registry) *Coordinator {
	c := &Coordinator{registry: registry}

	base := os.Getenv("CONTROL_BASE_URL")
	if base == "" {
		logging.Info("control: CONTROL_BASE_URL not set, running stand-alone")
		return c
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		logging.Error(err)
		return c
	}
	path, _ := url.Parse("/ws/control/rtmp")
	c.connectionURL = baseURL.ResolveReference(path).String()
	c.enabled = true
	return c
}

// Start connects (and reconnects indefinitely) in the background. No-op
// in stand-alone mode.
func (c *Coordinator) Start() {
	if !c.enabled {
		return
	}
	go c.connect()
	go c.heartbeatLoop()
}

func authToken() string {
	secret := os.Getenv("CONTROL_SECRET")
	if secret == "" {
		return ""
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "rtmp-control"})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		logging.Error(err)
		return ""
	}
	return signed
}

func (c *Coordinator) connect() {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return
	}

	headers := http.Header{}
	if t := authToken(); t != "" {
		headers.Set("x-control-auth-token", t)
	}
	if ip := os.Getenv("EXTERNAL_IP"); ip != "" {
		headers.Set("x-external-ip", ip)
	}
	if port := os.Getenv("EXTERNAL_PORT"); port != "" {
		headers.Set("x-custom-port", port)
	}
	if os.Getenv("EXTERNAL_SSL") == "YES" {
		headers.Set("x-ssl-use", "true")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.connectionURL, headers)
	if err != nil {
		c.mu.Unlock()
		logging.Warning("control: connection error: " + err.Error())
		go c.reconnect()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	// A reconnect means the coordinator believes every prior publisher
	// went down with the old connection; force them all off so state
	// stays consistent, matching ControlServerConnection.Connect.
	c.registry.KillAll()

	go c.readLoop(conn)
}

func (c *Coordinator) reconnect() {
	time.Sleep(reconnectDelay)
	c.connect()
}

func (c *Coordinator) onDisconnect(err error) {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	logging.Warning("control: disconnected: " + err.Error())
	go c.connect()
}

func (c *Coordinator) send(msg messages.RPCMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return false
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(msg.Serialize())) == nil
}

func (c *Coordinator) readLoop(conn *websocket.Conn) {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			_ = conn.Close()
			c.onDisconnect(err)
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			c.onDisconnect(err)
			return
		}
		msg := messages.ParseRPCMessage(string(raw))
		c.handleMessage(&msg)
	}
}

func (c *Coordinator) handleMessage(msg *messages.RPCMessage) {
	switch msg.Method {
	case "ERROR":
		logging.Warning("control: remote error " + msg.GetParam("Error-Code") + ": " + msg.GetParam("Error-Message"))
	case "STREAM-KILL":
		c.onStreamKill(msg.GetParam("Stream-Channel"), msg.GetParam("Stream-Id"))
	}
}

// onStreamKill applies a STREAM-KILL to every source whose app matches
// channel, optionally narrowed to one publisher id, mirroring
// ControlServerConnection.OnStreamKill.
func (c *Coordinator) onStreamKill(channel, streamID string) {
	for _, src := range c.registry.FindByApp(channel) {
		src.Kill(streamID)
	}
}

func (c *Coordinator) heartbeatLoop() {
	for {
		time.Sleep(heartbeatPeriod)
		c.send(messages.RPCMessage{Method: "HEARTBEAT"})
	}
}
