// Package killswitch is a Redis pub/sub listener for out-of-band
// kill-session/close-stream commands, adapted from the teacher's
// redis_cmds.go.
package killswitch

import (
	"context"
	"crypto/tls"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AgustinSRG/live-media-core/internal/logging"
	"github.com/AgustinSRG/live-media-core/internal/source"
)

const reconnectDelay = 10 * time.Second

// Listener subscribes to a Redis channel and applies kill-session /
// close-stream commands to the shared source.Registry. A no-op unless
// REDIS_USE=YES.
type Listener struct {
	registry *source.Registry
}

func NewListener(registry *source.Registry) *Listener {
	return &Listener{registry: registry}
}

// Run blocks, reconnecting on failure, until ctx is cancelled. No-op if
// REDIS_USE isn't "YES". Run in its own goroutine by the caller.
func (l *Listener) Run(ctx context.Context) {
	if os.Getenv("REDIS_USE") != "YES" {
		return
	}

	host := envOr("REDIS_HOST", "localhost")
	port := envOr("REDIS_PORT", "6379")
	password := os.Getenv("REDIS_PASSWORD")
	channel := envOr("REDIS_CHANNEL", "rtmp_commands")

	opts := &redis.Options{Addr: host + ":" + port, Password: password}
	if os.Getenv("REDIS_TLS") == "YES" {
		opts.TLSConfig = &tls.Config{}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		client := redis.NewClient(opts)
		sub := client.Subscribe(ctx, channel)
		logging.Info("killswitch: listening for commands on channel '" + channel + "'")
		l.consume(ctx, sub)
		_ = sub.Close()
		_ = client.Close()

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (l *Listener) consume(ctx context.Context, sub *redis.PubSub) {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			logging.Warning("killswitch: redis error: " + err.Error())
			return
		}
		l.apply(msg.Payload)
	}
}

// apply parses one "cmd>arg1|arg2" message, matching redis_cmds.go's
// parseRedisCommand grammar, and kills the matching publisher(s).
func (l *Listener) apply(cmd string) {
	parts := strings.SplitN(cmd, ">", 2)
	if len(parts) != 2 {
		logging.Warning("killswitch: invalid message: " + cmd)
		return
	}
	args := strings.Split(parts[1], "|")

	switch parts[0] {
	case "kill-session":
		if len(args) < 1 {
			logging.Warning("killswitch: invalid kill-session message: " + cmd)
			return
		}
		for _, src := range l.registry.FindByApp(args[0]) {
			src.Kill("*")
		}
	case "close-stream":
		if len(args) < 2 {
			logging.Warning("killswitch: invalid close-stream message: " + cmd)
			return
		}
		for _, src := range l.registry.FindByApp(args[0]) {
			src.Kill(args[1])
		}
	default:
		logging.Warning("killswitch: unknown command: " + cmd)
	}
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
