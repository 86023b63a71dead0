// Package config defines the Config collaborator contract the CORE
// consumes (spec §6) and one concrete implementation reading environment
// variables plus an optional per-vhost JSON override file, in the
// teacher's own os.Getenv idiom (rtmp_server.go, rtmp_callback.go).
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"sync"

	"github.com/joho/godotenv"

	"github.com/AgustinSRG/live-media-core/internal/logging"
)

// Config answers the per-vhost and global questions named in spec §6.
type Config interface {
	ListenRTMPPort() int
	RTCListenPort() int
	SRTListenPort() int
	ChunkSize() uint32

	NackEnabled(vhost string) bool
	NackNoCopy(vhost string) bool
	TwccEnabled(vhost string) bool
	RtcStunTimeoutMicros(vhost string) int64
	RtcToRtmp(vhost string) bool
	SrtMixCorrect() bool
	SrtSeiFilter() bool
	DropForPt(vhost string) uint8
	Realtime(vhost string) bool
	MwMsgs(vhost string, realtime bool) int
}

type vhostOverride struct {
	NackEnabled    *bool  `json:"nack_enabled"`
	NackNoCopy     *bool  `json:"nack_no_copy"`
	TwccEnabled    *bool  `json:"twcc_enabled"`
	StunTimeoutUs  *int64 `json:"rtc_stun_timeout_us"`
	RtcToRtmp      *bool  `json:"rtc_to_rtmp"`
	DropForPt      *uint8 `json:"drop_for_pt"`
	Realtime       *bool  `json:"realtime"`
	MwMsgs         *int   `json:"mw_msgs"`
	MwMsgsRealtime *int   `json:"mw_msgs_realtime"`
}

// EnvConfig is the default Config, reading os.Getenv the way the teacher
// does, with an optional JSON file (VHOST_CONFIG_FILE) of per-vhost
// overrides keyed by vhost name.
type EnvConfig struct {
	mu       sync.RWMutex
	overrides map[string]vhostOverride

	chunkSize     uint32
	rtmpPort      int
	rtcPort       int
	srtPort       int
	nackEnabled   bool
	nackNoCopy    bool
	twccEnabled   bool
	stunTimeoutUs int64
	rtcToRtmp     bool
	srtMixCorrect bool
	srtSeiFilter  bool
	dropForPt     uint8
	realtime      bool
	mwMsgs        int
	mwMsgsRT      int
}

// Load reads a .env file (if present) then environment variables,
// matching teacher main.go's godotenv.Load() call, and the optional
// per-vhost override file.
func Load() *EnvConfig {
	_ = godotenv.Load()

	c := &EnvConfig{
		overrides:     make(map[string]vhostOverride),
		chunkSize:     envUint32("RTMP_CHUNK_SIZE", 128),
		rtmpPort:      envInt("RTMP_PORT", 1935),
		rtcPort:       envInt("RTC_PORT", 8000),
		srtPort:       envInt("SRT_PORT", 10080),
		nackEnabled:   envBool("NACK_ENABLED", true),
		nackNoCopy:    envBool("NACK_NO_COPY", false),
		twccEnabled:   envBool("TWCC_ENABLED", true),
		stunTimeoutUs: int64(envInt("RTC_STUN_TIMEOUT_MS", 10000)) * 1000,
		rtcToRtmp:     envBool("RTC_TO_RTMP", false),
		srtMixCorrect: envBool("SRT_MIX_CORRECT", true),
		srtSeiFilter:  envBool("SRT_SEI_FILTER", false),
		dropForPt:     uint8(envInt("DROP_FOR_PT", 0)),
		realtime:      envBool("REALTIME", false),
		mwMsgs:        envInt("MW_MSGS", 8),
		mwMsgsRT:      envInt("MW_MSGS_REALTIME", 1),
	}

	if path := os.Getenv("VHOST_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			logging.Error(err)
		} else {
			var m map[string]vhostOverride
			if err := json.Unmarshal(data, &m); err != nil {
				logging.Error(err)
			} else {
				c.overrides = m
			}
		}
	}

	return c
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envUint32(name string, def uint32) uint32 {
	return uint32(envInt(name, int(def)))
}

func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	switch v {
	case "":
		return def
	case "YES", "true", "1":
		return true
	case "NO", "false", "0":
		return false
	default:
		return def
	}
}

func (c *EnvConfig) override(vhost string) (vhostOverride, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.overrides[vhost]
	return o, ok
}

func (c *EnvConfig) ListenRTMPPort() int  { return c.rtmpPort }
func (c *EnvConfig) RTCListenPort() int   { return c.rtcPort }
func (c *EnvConfig) SRTListenPort() int   { return c.srtPort }
func (c *EnvConfig) ChunkSize() uint32    { return c.chunkSize }
func (c *EnvConfig) SrtMixCorrect() bool  { return c.srtMixCorrect }
func (c *EnvConfig) SrtSeiFilter() bool   { return c.srtSeiFilter }

func (c *EnvConfig) NackEnabled(vhost string) bool {
	if o, ok := c.override(vhost); ok && o.NackEnabled != nil {
		return *o.NackEnabled
	}
	return c.nackEnabled
}

func (c *EnvConfig) NackNoCopy(vhost string) bool {
	if o, ok := c.override(vhost); ok && o.NackNoCopy != nil {
		return *o.NackNoCopy
	}
	return c.nackNoCopy
}

func (c *EnvConfig) TwccEnabled(vhost string) bool {
	if o, ok := c.override(vhost); ok && o.TwccEnabled != nil {
		return *o.TwccEnabled
	}
	return c.twccEnabled
}

func (c *EnvConfig) RtcStunTimeoutMicros(vhost string) int64 {
	if o, ok := c.override(vhost); ok && o.StunTimeoutUs != nil {
		return *o.StunTimeoutUs
	}
	return c.stunTimeoutUs
}

func (c *EnvConfig) RtcToRtmp(vhost string) bool {
	if o, ok := c.override(vhost); ok && o.RtcToRtmp != nil {
		return *o.RtcToRtmp
	}
	return c.rtcToRtmp
}

func (c *EnvConfig) DropForPt(vhost string) uint8 {
	if o, ok := c.override(vhost); ok && o.DropForPt != nil {
		return *o.DropForPt
	}
	return c.dropForPt
}

func (c *EnvConfig) Realtime(vhost string) bool {
	if o, ok := c.override(vhost); ok && o.Realtime != nil {
		return *o.Realtime
	}
	return c.realtime
}

func (c *EnvConfig) MwMsgs(vhost string, realtime bool) int {
	o, ok := c.override(vhost)
	if realtime {
		if ok && o.MwMsgsRealtime != nil {
			return *o.MwMsgsRealtime
		}
		return c.mwMsgsRT
	}
	if ok && o.MwMsgs != nil {
		return *o.MwMsgs
	}
	return c.mwMsgs
}
