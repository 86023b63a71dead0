// Package source is the protocol-agnostic live source hub: a process-wide
// registry of (vhost, app, stream) sources, each with one publisher and N
// consumers, a sequence-header cache, a bounded GOP cache seeded at the
// last keyframe, and bounded drop-oldest consumer queues. Generalizes the
// teacher's rtmp_server.go channel registry (RTMPChannel/RTMPServer
// publisher-player bookkeeping) and rtmp_session.go's GOP-cache logic
// beyond RTMP so RTMP, SRT and WebRTC can all publish/consume through one
// fanout path.
package source

import (
	"sync"

	"github.com/AgustinSRG/live-media-core/internal/errorsx"
)

// FrameKind distinguishes the payload carried by a Frame.
type FrameKind int

const (
	FrameVideo FrameKind = iota
	FrameAudio
	FrameMetadata
)

// Frame is one protocol-agnostic media unit flowing through a Source:
// the RTMP tag bytes (video/audio/AMF0 data), timestamped in
// milliseconds relative to the publisher's clock.
type Frame struct {
	Kind      FrameKind
	Timestamp int64
	IsHeader  bool // sequence header (AAC/AVC config); keyframes are marked by IsKey
	IsKey     bool
	Payload   []byte
}

const packetBaseOverhead = 64 // per-frame bookkeeping overhead, mirrors RTMP_PACKET_BASE_SIZE

// Key identifies a source within the registry.
type Key struct {
	Vhost  string
	App    string
	Stream string
}

// Consumer receives frames from a Source. Implementations (RTMP player
// session, WebRTC downstream track, SRT subscriber) must not block; slow
// consumers are dropped per their own bounded queue, never the publisher.
type Consumer interface {
	ID() string
	Enqueue(f Frame) // must not block
	OnPublisherGone()
}

// Source is the fanout point for one (vhost, app, stream): one publisher,
// many consumers, a sequence-header cache and a bounded GOP cache that a
// newly joining consumer replays to reach the next keyframe immediately.
type Source struct {
	key Key

	mu          sync.Mutex
	publisherID string
	consumers   map[string]Consumer

	audioHeader *Frame
	videoHeader *Frame

	gop       []Frame
	gopBytes  int64
	gopLimit  int64

	closed bool

	killFunc func()
}

func NewSource(key Key, gopCacheLimitBytes int64) *Source {
	return &Source{
		key:       key,
		consumers: make(map[string]Consumer),
		gopLimit:  gopCacheLimitBytes,
	}
}

// SetPublisher claims the source for publisherID. Fails if already
// publishing, mirroring the teacher's "Stream already publishing" check.
func (s *Source) SetPublisher(publisherID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.publisherID != "" {
		return errorsx.Violation(errorsx.CodeStreamBusy, "stream already publishing")
	}
	s.publisherID = publisherID
	s.closed = false
	return nil
}

// IsPublishing reports whether a publisher currently holds the source.
func (s *Source) IsPublishing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publisherID != ""
}

// SetKillFunc registers the callback a control-plane STREAM-KILL command
// (websocket coordinator or Redis pub/sub) invokes to force the current
// publisher's transport closed, generalizing the teacher's
// RTMPPublisher.Kill(). Ignored if publisherID no longer holds the
// source (a race against a concurrent publish/unpublish).
func (s *Source) SetKillFunc(publisherID string, kill func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publisherID == publisherID {
		s.killFunc = kill
	}
}

// Kill force-disconnects the current publisher if streamIDFilter is ""
// or "*" (kill whoever is publishing) or matches the publisher's id
// exactly, mirroring control_connection.go's OnStreamKill and
// redis_cmds.go's close-stream stream_id match (this module has no
// separate publish-time stream-id token, so the publisher's own id
// stands in for it). Returns false if nothing matched.
func (s *Source) Kill(streamIDFilter string) bool {
	s.mu.Lock()
	kill := s.killFunc
	match := streamIDFilter == "" || streamIDFilter == "*" || streamIDFilter == s.publisherID
	s.mu.Unlock()
	if kill == nil || !match {
		return false
	}
	kill()
	return true
}

// RemovePublisher clears the publisher and sends a synthetic EOS to every
// consumer, matching the "publisher gone → synthetic EOS" decision.
func (s *Source) RemovePublisher(publisherID string) {
	s.mu.Lock()
	if s.publisherID != publisherID {
		s.mu.Unlock()
		return
	}
	s.publisherID = ""
	s.closed = true
	s.killFunc = nil
	s.audioHeader = nil
	s.videoHeader = nil
	s.gop = nil
	s.gopBytes = 0
	consumers := make([]Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.mu.Unlock()

	for _, c := range consumers {
		c.OnPublisherGone()
	}
}

// PublishFrame ingests one frame from the current publisher: updates the
// sequence-header cache, appends to the GOP cache (resetting it at each
// video keyframe/header), and fans out to every attached consumer.
func (s *Source) PublishFrame(f Frame) {
	s.mu.Lock()

	switch {
	case f.Kind == FrameVideo && f.IsHeader:
		h := f
		s.videoHeader = &h
		s.gop = nil
		s.gopBytes = 0
	case f.Kind == FrameAudio && f.IsHeader:
		h := f
		s.audioHeader = &h
	}

	if f.Kind == FrameVideo && f.IsKey {
		s.gop = nil
		s.gopBytes = 0
	}
	if !f.IsHeader && (f.Kind == FrameVideo || f.Kind == FrameAudio) {
		s.gop = append(s.gop, f)
		s.gopBytes += int64(len(f.Payload)) + packetBaseOverhead
		for s.gopBytes > s.gopLimit && len(s.gop) > 0 {
			s.gopBytes -= int64(len(s.gop[0].Payload)) + packetBaseOverhead
			s.gop = s.gop[1:]
		}
	}

	consumers := make([]Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.mu.Unlock()

	for _, c := range consumers {
		c.Enqueue(f)
	}
}

// AttachConsumer registers c and immediately delivers the replay burst
// (sequence headers, then the buffered GOP) to it via Enqueue, all
// inside the same critical section that registers it. This is what
// keeps a frame published concurrently with the attach from reaching the
// consumer ahead of the replay: PublishFrame also takes s.mu before it
// snapshots the consumer set to dispatch to, so it can only ever see c
// once this call (replay included) has fully released the lock.
func (s *Source) AttachConsumer(c Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consumers[c.ID()] = c

	if s.audioHeader != nil {
		c.Enqueue(*s.audioHeader)
	}
	if s.videoHeader != nil {
		c.Enqueue(*s.videoHeader)
	}
	for _, f := range s.gop {
		c.Enqueue(f)
	}
}

func (s *Source) DetachConsumer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumers, id)
}

func (s *Source) Consumers() []Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		out = append(out, c)
	}
	return out
}

// Registry is the process-wide map of live sources, keyed by
// (vhost, app, stream), generalizing RTMPServer.channels.
type Registry struct {
	mu            sync.Mutex
	sources       map[Key]*Source
	gopCacheLimit int64
}

func NewRegistry(gopCacheLimitBytes int64) *Registry {
	return &Registry{sources: make(map[Key]*Source), gopCacheLimit: gopCacheLimitBytes}
}

// GetOrCreate returns the Source for key, creating an empty (not-yet-
// publishing) one if absent.
func (r *Registry) GetOrCreate(key Key) *Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[key]; ok {
		return s
	}
	s := NewSource(key, r.gopCacheLimit)
	r.sources[key] = s
	return s
}

// Get returns the Source for key if it exists.
func (r *Registry) Get(key Key) (*Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[key]
	return s, ok
}

// FindByApp returns every Source currently registered under app,
// ignoring vhost — the control-plane coordinator and Redis commands
// address only a flat "channel" name, matching the teacher's
// single-tenant RTMPServer.channels map (no vhost concept there).
func (r *Registry) FindByApp(app string) []*Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Source
	for k, s := range r.sources {
		if k.App == app {
			out = append(out, s)
		}
	}
	return out
}

// KillAll force-disconnects every active publisher across every source,
// mirroring RTMPServer.KillAllActivePublishers (called once a
// reconnecting control-plane coordinator assumes every existing session
// is stale).
func (r *Registry) KillAll() {
	r.mu.Lock()
	sources := make([]*Source, 0, len(r.sources))
	for _, s := range r.sources {
		sources = append(sources, s)
	}
	r.mu.Unlock()
	for _, s := range sources {
		s.Kill("*")
	}
}

// Remove deletes an idle (no publisher, no consumers) source, matching
// the teacher's "delete channel if empty" cleanup on publisher removal.
func (r *Registry) Remove(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[key]
	if !ok {
		return
	}
	s.mu.Lock()
	empty := s.publisherID == "" && len(s.consumers) == 0
	s.mu.Unlock()
	if empty {
		delete(r.sources, key)
	}
}
