// Package timeauth implements the Time Authority (spec.md §4.6): the
// single source of "now" every write and disk-file header consults.
// On the gateway platform the system clock is always available; on
// the embedded platform, UTC is unknown until an external time sync
// calls SetUTCAvailable, and writes block (bounded by a caller
// deadline) until it is.
package timeauth

import (
	"sync"
	"time"

	"github.com/iotfleet/mm2/internal/logging"
)

// DefaultRolloverToleranceMs bounds how far "now" may regress before
// Tick treats it as a clock rollover rather than ordinary jitter.
const DefaultRolloverToleranceMs = 1000

// Authority is the Time Authority. Embedded mode gates now_utc_ms on
// an external availability flag; gateway mode is always available.
type Authority struct {
	mu        sync.Mutex
	cond      *sync.Cond
	embedded  bool
	available bool
	lastSeenMs uint64
	haveSeen   bool
	rolloverToleranceMs uint64
	rolloverPending     bool
	log *logging.Logger
}

// New builds an Authority. embedded selects the gated-availability
// behavior; false (gateway) is always-available from construction.
func New(embedded bool, log *logging.Logger) *Authority {
	if log == nil {
		log = logging.Default()
	}
	a := &Authority{
		embedded:            embedded,
		available:           !embedded,
		rolloverToleranceMs: DefaultRolloverToleranceMs,
		log:                 log,
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// NowUTCMs returns the current time if known. Gateway mode always
// returns (wall-clock-ms, true); embedded mode returns (0, false)
// until SetUTCAvailable(true) has been called.
func (a *Authority) NowUTCMs() (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.available {
		return 0, false
	}
	return uint64(time.Now().UnixMilli()), true
}

// SetUTCAvailable marks UTC as known (or, rarely, revokes it) after
// an external time sync. Wakes any writers blocked in WaitAvailable.
func (a *Authority) SetUTCAvailable(v bool) {
	a.mu.Lock()
	a.available = v
	a.mu.Unlock()
	a.cond.Broadcast()
	if v {
		a.log.Info("utc became available")
	}
}

// Available reports whether now_utc_ms would currently succeed.
func (a *Authority) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available
}

// WaitAvailable blocks the calling write up to timeout for UTC to
// become available, returning true if it did. On gateway platforms
// this returns immediately. Embedded writers that time out return
// Timeout to their caller (spec.md §4.2 step 3, §7).
//
// sync.Cond has no deadline-aware Wait, so a watcher goroutine
// broadcasts once the deadline passes; the real wakeup path (another
// goroutine calling SetUTCAvailable) is the common case and costs no
// extra goroutine.
func (a *Authority) WaitAvailable(timeout time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.available {
		return true
	}

	deadline := time.Now().Add(timeout)
	timedOut := false
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-time.After(time.Until(deadline)):
			a.mu.Lock()
			timedOut = true
			a.mu.Unlock()
			a.cond.Broadcast()
		case <-stop:
		}
	}()

	for !a.available && !timedOut {
		a.cond.Wait()
	}
	return a.available
}

// Tick detects clock rollover: if nowMs regresses from the last seen
// tick time by more than the rollover tolerance, it's flagged so the
// caller (writer) re-stamps in-flight TSD sectors' first_utc_ms on
// next write. Sectors already closed keep their original timestamps,
// accepted rather than corrected (spec.md §4.6).
func (a *Authority) Tick(nowMs uint64) (rolloverDetected bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.haveSeen && nowMs+a.rolloverToleranceMs < a.lastSeenMs {
		a.rolloverPending = true
		a.log.Warn("clock rollover detected", "last_seen_ms", a.lastSeenMs, "now_ms", nowMs)
		rolloverDetected = true
	}
	a.lastSeenMs = nowMs
	a.haveSeen = true
	return rolloverDetected
}

// ConsumeRolloverPending reports and clears whether a rollover was
// detected since the last call. The flag is global: the first TSD
// write after a rollover, from whichever sensor, consumes it, and only
// that sensor's in-flight tail sector is re-stamped.
func (a *Authority) ConsumeRolloverPending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.rolloverPending
	a.rolloverPending = false
	return v
}

// SetRolloverTolerance overrides DefaultRolloverToleranceMs, mainly
// for tests.
func (a *Authority) SetRolloverTolerance(ms uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverToleranceMs = ms
}
