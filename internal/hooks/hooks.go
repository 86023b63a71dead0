// Package hooks implements the HookDispatcher collaborator (spec §6's
// "Observability callbacks emitted: on_publish, on_unpublish, on_play,
// on_stop"), JWT-signing the event the way the teacher's rtmp_callback.go
// signs its start/stop events.
package hooks

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AgustinSRG/live-media-core/internal/logging"
)

// Event carries the context every callback shares.
type Event struct {
	ContextID string
	Vhost     string
	App       string
	Stream    string
	ClientIP  string
}

// HookDispatcher is handed lifecycle events; the CORE never knows how (or
// whether) they are actually delivered.
type HookDispatcher interface {
	OnPublish(e Event)
	OnUnpublish(e Event)
	OnPlay(e Event)
	OnStop(e Event)
}

const jwtExpirationSeconds = 120

// HTTPHookDispatcher POSTs a JWT-signed event to a configured URL per
// event kind, mirroring rtmp_callback.go's SendStartCallback/SendStopCallback.
type HTTPHookDispatcher struct {
	Client      *http.Client
	Secret      []byte
	Subject     string
	PublishURL  string
	UnpublishURL string
	PlayURL     string
	StopURL     string
}

// NewHTTPHookDispatcher builds a dispatcher from environment variables,
// matching the teacher's JWT_SECRET/CALLBACK_URL/CUSTOM_JWT_SUBJECT env
// contract, generalized to four distinct URLs (one per event).
func NewHTTPHookDispatcher() *HTTPHookDispatcher {
	subject := os.Getenv("CUSTOM_JWT_SUBJECT")
	if subject == "" {
		subject = "rtmp_event"
	}
	return &HTTPHookDispatcher{
		Client:       &http.Client{Timeout: 5 * time.Second},
		Secret:       []byte(os.Getenv("JWT_SECRET")),
		Subject:      subject,
		PublishURL:   os.Getenv("ON_PUBLISH_CALLBACK_URL"),
		UnpublishURL: os.Getenv("ON_UNPUBLISH_CALLBACK_URL"),
		PlayURL:      os.Getenv("ON_PLAY_CALLBACK_URL"),
		StopURL:      os.Getenv("ON_STOP_CALLBACK_URL"),
	}
}

func (h *HTTPHookDispatcher) send(url, event string, e Event) {
	if url == "" {
		return
	}

	exp := time.Now().Unix() + jwtExpirationSeconds
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":        h.Subject,
		"event":      event,
		"context_id": e.ContextID,
		"vhost":      e.Vhost,
		"app":        e.App,
		"stream":     e.Stream,
		"client_ip":  e.ClientIP,
		"exp":        exp,
	})

	tokenB64, err := token.SignedString(h.Secret)
	if err != nil {
		logging.Error(err)
		return
	}

	req, err := http.NewRequest("POST", url, nil)
	if err != nil {
		logging.Error(err)
		return
	}
	req.Header.Set("live-core-event", tokenB64)

	res, err := h.Client.Do(req)
	if err != nil {
		logging.Error(err)
		return
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		logging.Warning(fmt.Sprintf("hook %s for %s/%s ended with status %d", event, e.App, e.Stream, res.StatusCode))
	}
}

func (h *HTTPHookDispatcher) OnPublish(e Event)   { h.send(h.PublishURL, "on_publish", e) }
func (h *HTTPHookDispatcher) OnUnpublish(e Event) { h.send(h.UnpublishURL, "on_unpublish", e) }
func (h *HTTPHookDispatcher) OnPlay(e Event)      { h.send(h.PlayURL, "on_play", e) }
func (h *HTTPHookDispatcher) OnStop(e Event)      { h.send(h.StopURL, "on_stop", e) }

// Noop discards every event; useful default when no hook URLs are set.
type Noop struct{}

func (Noop) OnPublish(Event)   {}
func (Noop) OnUnpublish(Event) {}
func (Noop) OnPlay(Event)      {}
func (Noop) OnStop(Event)      {}
