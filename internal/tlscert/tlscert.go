// Package tlscert is a hot-reloading X.509 certificate loader for the RTMP
// listener's TLS config, adapted from the teacher's rtmp_ssl.go.
package tlscert

import (
	"crypto/tls"
	"os"
	"sync"
	"time"

	"github.com/AgustinSRG/live-media-core/internal/logging"
)

// Loader polls the cert/key files' mtimes on an interval and swaps the
// in-memory certificate when either changes, so a renewed cert doesn't
// require restarting the RTMP listener.
type Loader struct {
	certPath string
	keyPath  string

	mu   sync.Mutex
	cert *tls.Certificate

	certModTime time.Time
	keyModTime  time.Time

	reloadInterval time.Duration
}

// NewLoader loads the certificate once and returns a Loader ready to
// serve it through GetCertificateFunc; call RunReloadLoop to start
// polling for changes.
func NewLoader(certPath, keyPath string, reloadInterval time.Duration) (*Loader, error) {
	certStat, err := os.Stat(certPath)
	if err != nil {
		return nil, err
	}
	keyStat, err := os.Stat(keyPath)
	if err != nil {
		return nil, err
	}
	cer, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &Loader{
		certPath:       certPath,
		keyPath:        keyPath,
		cert:           &cer,
		certModTime:    certStat.ModTime(),
		keyModTime:     keyStat.ModTime(),
		reloadInterval: reloadInterval,
	}, nil
}

// RunReloadLoop polls for cert/key changes until stop is closed. Run in
// its own goroutine by the caller.
func (l *Loader) RunReloadLoop(stop <-chan struct{}) {
	t := time.NewTicker(l.reloadInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			l.reloadIfChanged()
		}
	}
}

func (l *Loader) reloadIfChanged() {
	certStat, err := os.Stat(l.certPath)
	if err != nil {
		logging.Error(err)
		return
	}
	keyStat, err := os.Stat(l.keyPath)
	if err != nil {
		logging.Error(err)
		return
	}
	if certStat.ModTime().Equal(l.certModTime) && keyStat.ModTime().Equal(l.keyModTime) {
		return
	}

	cer, err := tls.LoadX509KeyPair(l.certPath, l.keyPath)
	if err != nil {
		logging.Error(err)
		return
	}

	l.mu.Lock()
	l.cert = &cer
	l.mu.Unlock()

	l.certModTime = certStat.ModTime()
	l.keyModTime = keyStat.ModTime()
	logging.Info("tlscert: reloaded RTMP TLS certificate")
}

// TLSConfig returns a *tls.Config whose GetCertificate always serves the
// most recently loaded certificate.
func (l *Loader) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			l.mu.Lock()
			defer l.mu.Unlock()
			return l.cert, nil
		},
	}
}
