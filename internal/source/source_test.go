package source

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeConsumer struct {
	id       string
	received []Frame
	gone     bool
}

func (f *fakeConsumer) ID() string          { return f.id }
func (f *fakeConsumer) Enqueue(fr Frame)     { f.received = append(f.received, fr) }
func (f *fakeConsumer) OnPublisherGone()     { f.gone = true }

func TestSetPublisherFailsWhenAlreadyPublishing(t *testing.T) {
	s := NewSource(Key{Stream: "a"}, 1<<20)
	require.NoError(t, s.SetPublisher("pub1"))
	require.Error(t, s.SetPublisher("pub2"))
}

func TestAttachConsumerReplaysHeadersAndGOP(t *testing.T) {
	s := NewSource(Key{Stream: "a"}, 1<<20)
	require.NoError(t, s.SetPublisher("pub1"))

	s.PublishFrame(Frame{Kind: FrameVideo, IsHeader: true, Payload: []byte{0x17, 0x00}})
	s.PublishFrame(Frame{Kind: FrameVideo, IsKey: true, Payload: []byte{0x17, 0x01, 0xAA}})
	s.PublishFrame(Frame{Kind: FrameVideo, Payload: []byte{0x27, 0x01, 0xBB}})

	c := &fakeConsumer{id: "c1"}
	s.AttachConsumer(c)
	require.Len(t, c.received, 3) // video header + 2 gop frames (the keyframe reset the gop before appending itself)
}

func TestRemovePublisherSendsSyntheticEOS(t *testing.T) {
	s := NewSource(Key{Stream: "a"}, 1<<20)
	require.NoError(t, s.SetPublisher("pub1"))
	c := &fakeConsumer{id: "c1"}
	s.AttachConsumer(c)

	s.RemovePublisher("pub1")
	require.True(t, c.gone)
	require.False(t, s.IsPublishing())
}

func TestRegistryRemoveOnlyDeletesEmptySource(t *testing.T) {
	reg := NewRegistry(1 << 20)
	key := Key{Vhost: "v", App: "live", Stream: "s"}
	src := reg.GetOrCreate(key)
	require.NoError(t, src.SetPublisher("pub1"))

	reg.Remove(key)
	_, ok := reg.Get(key)
	require.True(t, ok, "source with an active publisher must not be removed")

	src.RemovePublisher("pub1")
	reg.Remove(key)
	_, ok = reg.Get(key)
	require.False(t, ok)
}
