// Command live-core-server is the entrypoint wiring every collaborator
// (Config, Clock, HookDispatcher, Statistics) and protocol listener
// (RTMP, WebRTC, SRT) against a single shared source.Registry, in the
// teacher's own trivial main.go style (godotenv load, construct, start,
// block).
package main

import (
	"context"
	"crypto/tls"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AgustinSRG/live-media-core/internal/clock"
	"github.com/AgustinSRG/live-media-core/internal/config"
	"github.com/AgustinSRG/live-media-core/internal/control"
	"github.com/AgustinSRG/live-media-core/internal/hooks"
	"github.com/AgustinSRG/live-media-core/internal/killswitch"
	"github.com/AgustinSRG/live-media-core/internal/logging"
	"github.com/AgustinSRG/live-media-core/internal/rtmp"
	"github.com/AgustinSRG/live-media-core/internal/sched"
	"github.com/AgustinSRG/live-media-core/internal/source"
	"github.com/AgustinSRG/live-media-core/internal/srt"
	"github.com/AgustinSRG/live-media-core/internal/stats"
	"github.com/AgustinSRG/live-media-core/internal/tlscert"
	"github.com/AgustinSRG/live-media-core/internal/webrtc"
)

const defaultGopCacheLimitBytes = 16 << 20

func main() {
	logging.Info("live-core-server starting")

	cfg := config.Load()
	clk := clock.New()
	hookD := hooks.NewHTTPHookDispatcher()
	stat := stats.NewPrometheusStatistics(prometheus.DefaultRegisterer)

	gopLimit := int64(defaultGopCacheLimitBytes)
	if v := os.Getenv("GOP_CACHE_LIMIT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			gopLimit = n
		}
	}
	registry := source.NewRegistry(gopLimit)

	ticks := sched.NewTicks()

	rtmpSrv := rtmp.NewServer(registry, cfg, hookD, stat, clk)
	rtmpAddr := ":" + strconv.Itoa(cfg.ListenRTMPPort())
	if err := rtmpSrv.Listen(rtmpAddr, rtmpTLSConfig()); err != nil {
		logging.Error(err)
		os.Exit(1)
	}
	go rtmpSrv.Serve()
	logging.Info("rtmp listening on " + rtmpAddr)

	rtcSrv, err := webrtc.NewServer(registry, cfg, hookD, stat, clk)
	if err != nil {
		logging.Error(err)
		os.Exit(1)
	}
	rtcAddr := ":" + strconv.Itoa(cfg.RTCListenPort())
	if err := rtcSrv.Listen(rtcAddr); err != nil {
		logging.Error(err)
		os.Exit(1)
	}
	go rtcSrv.Serve()
	go func() {
		for range ticks.Subscribe1s() {
			rtcSrv.SweepTimeouts()
		}
	}()
	logging.Info("webrtc listening on " + rtcAddr)

	if listener := srtListener(); listener != nil {
		srtSrv := srt.NewServer(listener, registry, cfg, hookD, stat, clk)
		go srtSrv.Serve()
		go func() {
			for range ticks.Subscribe100ms() {
				srtSrv.FlushMixCorrect()
			}
		}()
		logging.Info("srt listening")
	} else {
		logging.Info("srt disabled: no SRT transport binding configured")
	}

	coordinator := control.NewCoordinator(registry)
	coordinator.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go killswitch.NewListener(registry).Run(ctx)

	select {}
}

// rtmpTLSConfig builds a hot-reloading TLS config from RTMP_SSL_CERT/
// RTMP_SSL_KEY if both are set, matching the teacher's optional TLS
// listener; returns nil (plain TCP) otherwise.
func rtmpTLSConfig() *tls.Config {
	certPath := os.Getenv("RTMP_SSL_CERT")
	keyPath := os.Getenv("RTMP_SSL_KEY")
	if certPath == "" || keyPath == "" {
		return nil
	}

	reloadSeconds := 300
	if v := os.Getenv("RTMP_SSL_RELOAD_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			reloadSeconds = n
		}
	}

	loader, err := tlscert.NewLoader(certPath, keyPath, time.Duration(reloadSeconds)*time.Second)
	if err != nil {
		logging.Error(err)
		return nil
	}

	stop := make(chan struct{})
	go loader.RunReloadLoop(stop)
	return loader.TLSConfig()
}

// srtListener returns nil: no SRT transport library exists anywhere in
// the reference pack (spec names SRT as "UDP via an external SRT
// library"), so wiring a concrete srt.Listener here is left to whatever
// binding a deployment supplies; internal/srt.Server itself is fully
// built and ready against that interface.
func srtListener() srt.Listener {
	return nil
}
