// Package sched is the shared concurrency substrate: a cancellable task
// wrapper (Go/Task; the task function polls its context), an Interrupt
// flag, plus shared 20ms/100ms/1s ticker subscriptions that loops attach
// to instead of each spinning up their own time.Ticker
// (cmd/live-core-server attaches the WebRTC STUN-timeout sweep to the 1s
// one and the SRT mix-correct flush to the 100ms one). Tasks are plain
// goroutines: the package provides no recv/send/sleep/cond-wait suspend
// points of its own. Generalized from the teacher's
// control_connection.go goroutine + channel + mutex request/waiter idiom
// (ControlServerPendingRequest), which is this repo's only example of a
// hand-rolled async coordination primitive.
package sched

import (
	"context"
	"sync"
	"time"
)

// Interrupt is a cancellation flag a long-running task checks at its
// suspend points, generalizing the teacher's per-session conn.Close()
// pattern (closing the socket. unblocks the blocked read) into something
// that works for non-I/O suspend points too.
type Interrupt struct {
	mu     sync.Mutex
	ch     chan struct{}
	closed bool
}

func NewInterrupt() *Interrupt {
	return &Interrupt{ch: make(chan struct{})}
}

// Cancel fires the interrupt; idempotent.
func (i *Interrupt) Cancel() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.closed {
		i.closed = true
		close(i.ch)
	}
}

func (i *Interrupt) Done() <-chan struct{} { return i.ch }

func (i *Interrupt) Cancelled() bool {
	select {
	case <-i.ch:
		return true
	default:
		return false
	}
}

// Ticks is a shared set of cadence tickers that many independent loops
// subscribe to, instead of each allocating its own time.Ticker — the
// cadences spec §5 names explicitly: 20ms (RTP pacing), 100ms (RTCP
// scheduling / SRT merged-write flush), 1s (bitrate/metrics sampling).
type Ticks struct {
	t20ms  *time.Ticker
	t100ms *time.Ticker
	t1s    *time.Ticker

	mu   sync.Mutex
	subs20, subs100, subs1s []chan time.Time

	stop chan struct{}
}

func NewTicks() *Ticks {
	t := &Ticks{
		t20ms:  time.NewTicker(20 * time.Millisecond),
		t100ms: time.NewTicker(100 * time.Millisecond),
		t1s:    time.NewTicker(time.Second),
		stop:   make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Ticks) run() {
	for {
		select {
		case now := <-t.t20ms.C:
			t.fanout(&t.subs20, now)
		case now := <-t.t100ms.C:
			t.fanout(&t.subs100, now)
		case now := <-t.t1s.C:
			t.fanout(&t.subs1s, now)
		case <-t.stop:
			t.t20ms.Stop()
			t.t100ms.Stop()
			t.t1s.Stop()
			return
		}
	}
}

func (t *Ticks) fanout(subs *[]chan time.Time, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range *subs {
		select {
		case ch <- now:
		default: // a slow subscriber drops this tick rather than blocking the fanout
		}
	}
}

// Subscribe20ms, Subscribe100ms, Subscribe1s return a buffered channel
// fed by the shared ticker of that cadence. Callers are expected to read
// continuously; missed ticks under backpressure are dropped, never
// queued, keeping the scheduler itself lock-free of slow consumers.
func (t *Ticks) Subscribe20ms() <-chan time.Time  { return t.subscribe(&t.subs20) }
func (t *Ticks) Subscribe100ms() <-chan time.Time { return t.subscribe(&t.subs100) }
func (t *Ticks) Subscribe1s() <-chan time.Time    { return t.subscribe(&t.subs1s) }

func (t *Ticks) subscribe(subs *[]chan time.Time) <-chan time.Time {
	ch := make(chan time.Time, 1)
	t.mu.Lock()
	*subs = append(*subs, ch)
	t.mu.Unlock()
	return ch
}

func (t *Ticks) Stop() { close(t.stop) }

// Task runs fn in a goroutine, cancellable via ctx, and reports its
// terminal error (if any) on Err after Wait returns.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Go starts fn as a cooperative task: fn must poll ctx.Done() at its own
// suspend points and return promptly when cancelled.
func Go(parent context.Context, fn func(ctx context.Context) error) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.err = fn(ctx)
	}()
	return t
}

func (t *Task) Cancel() { t.cancel() }

func (t *Task) Wait() error {
	<-t.done
	return t.err
}
