// Package logging is a small leveled logger in the teacher's own idiom:
// a mutex-guarded fmt.Printf writer, debug and request logging gated by
// env flags, plus a rate-limited variant for noisy per-packet warnings
// (repeated ProtocolMalformed errors under load).
package logging

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var logMutex sync.Mutex

func logLine(line string) {
	tm := time.Now()
	logMutex.Lock()
	defer logMutex.Unlock()
	fmt.Printf("[%s] %s\n", tm.Format("2006-01-02 15:04:05"), line)
}

func Warning(line string) { logLine("[WARNING] " + line) }
func Info(line string)    { logLine("[INFO] " + line) }
func Error(err error)     { logLine("[ERROR] " + err.Error()) }

var requestsEnabled = os.Getenv("LOG_REQUESTS") != "NO"

func Request(sessionID uint64, ip string, line string) {
	if requestsEnabled {
		logLine("[REQUEST] #" + strconv.FormatUint(sessionID, 10) + " (" + ip + ") " + line)
	}
}

var debugEnabled = os.Getenv("LOG_DEBUG") == "YES"

func Debug(line string) {
	if debugEnabled {
		logLine("[DEBUG] " + line)
	}
}

func DebugSession(sessionID uint64, ip string, line string) {
	if debugEnabled {
		logLine("[DEBUG] #" + strconv.FormatUint(sessionID, 10) + " (" + ip + ") " + line)
	}
}

// Throttled rate-limits a repeated warning by key so a burst of the same
// ProtocolMalformed condition does not flood stdout (spec §7: "logged at
// warn level with a rate-limited printer").
type Throttled struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

// NewThrottled builds a limiter keyed by an arbitrary string (e.g. an
// error Code), allowing `burst` immediate lines then `every` per second.
func NewThrottled(every float64, burst int) *Throttled {
	return &Throttled{
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Limit(every),
		burst:    burst,
	}
}

func (t *Throttled) Warn(key, line string) {
	t.mu.Lock()
	lim, ok := t.limiters[key]
	if !ok {
		lim = rate.NewLimiter(t.every, t.burst)
		t.limiters[key] = lim
	}
	t.mu.Unlock()

	if lim.Allow() {
		Warning(line)
	}
}
