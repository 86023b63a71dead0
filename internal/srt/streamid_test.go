package srt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStreamIDSpecScenario(t *testing.T) {
	info, err := ParseStreamID("#!::h=example.com,r=live/feed,m=publish")
	require.NoError(t, err)
	require.Equal(t, ModePublish, info.Mode)
	require.Equal(t, "example.com", info.Vhost)
	require.Equal(t, "live", info.App)
	require.Equal(t, "feed", info.Stream)
}

func TestParseStreamIDLegacyBareStream(t *testing.T) {
	info, err := ParseStreamID("mystream")
	require.NoError(t, err)
	require.Equal(t, DefaultVhost, info.Vhost)
	require.Equal(t, DefaultAppName, info.App)
	require.Equal(t, "mystream", info.Stream)
}

func TestParseStreamIDLegacyAppStream(t *testing.T) {
	info, err := ParseStreamID("live/feed?token=abc")
	require.NoError(t, err)
	require.Equal(t, DefaultVhost, info.Vhost)
	require.Equal(t, "live", info.App)
	require.Equal(t, "feed", info.Stream)
	require.Equal(t, "abc", info.Query["token"])
}

func TestParseStreamIDCompatVhostSlashAppSlashStream(t *testing.T) {
	// srt://.../?streamid=#!::h=srs.srt.com.cn/live/livestream,m=publish
	info, err := ParseStreamID("#!::h=srs.srt.com.cn/live/livestream,m=publish")
	require.NoError(t, err)
	require.Equal(t, ModePublish, info.Mode)
	require.Equal(t, "srs.srt.com.cn", info.Vhost)
	require.Equal(t, "live", info.App)
	require.Equal(t, "livestream", info.Stream)
}

func TestParseStreamIDCompatNoVhost(t *testing.T) {
	// srt://.../?streamid=#!::h=live/livestream,m=request
	info, err := ParseStreamID("#!::h=live/livestream,m=request")
	require.NoError(t, err)
	require.Equal(t, ModeRequest, info.Mode)
	require.Equal(t, DefaultVhost, info.Vhost)
	require.Equal(t, "live", info.App)
	require.Equal(t, "livestream", info.Stream)
}

func TestParseStreamIDOldAuthQuerystringCompat(t *testing.T) {
	// srt://127.0.0.1:10080?streamid=#!::h=live/livestream?secret=xxx,m=publish
	info, err := ParseStreamID("#!::h=live/livestream?secret=xxx,m=publish")
	require.NoError(t, err)
	require.Equal(t, "live", info.App)
	require.Equal(t, "livestream", info.Stream)
	require.Equal(t, "xxx", info.Query["secret"])
}

func TestParseStreamIDNewStyleHostPlusR(t *testing.T) {
	info, err := ParseStreamID("#!::h=host.com,r=app/stream,key1=value1,key2=value2")
	require.NoError(t, err)
	require.Equal(t, "host.com", info.Vhost)
	require.Equal(t, "app", info.App)
	require.Equal(t, "stream", info.Stream)
	require.Equal(t, "value1", info.Query["key1"])
	require.Equal(t, "value2", info.Query["key2"])
}

func TestParseStreamIDRequiresExactlyOneSlash(t *testing.T) {
	_, err := ParseStreamID("#!::r=a/b/c,m=publish")
	require.Error(t, err)
}

func TestParseStreamIDRejectsUnknownMode(t *testing.T) {
	_, err := ParseStreamID("#!::r=live/feed,m=nonsense")
	require.Error(t, err)
}

func TestParseStreamIDRejectsEmpty(t *testing.T) {
	_, err := ParseStreamID("")
	require.Error(t, err)
}

func TestParseStreamIDRejectsSpace(t *testing.T) {
	_, err := ParseStreamID("live/my stream")
	require.Error(t, err)
}
