// Package clock injects time as a collaborator (spec §9: "Global
// singletons... are collaborators; inject them explicitly at construction
// so tests can substitute fakes").
package clock

import "time"

// Clock yields monotonic microseconds and timer primitives. Protocol code
// never calls time.Now()/time.NewTicker directly; it takes a Clock.
type Clock interface {
	NowMicros() int64
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of *time.Ticker protocol code needs, abstracted so
// a fake clock can drive it deterministically in tests.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{ start time.Time }

// New returns the real wall-clock implementation.
func New() Clock {
	return &realClock{start: time.Now()}
}

func (c *realClock) NowMicros() int64 {
	return time.Since(c.start).Microseconds()
}

func (c *realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (c *realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
