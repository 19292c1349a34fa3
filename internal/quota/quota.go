// Package quota enforces the per-key (or per-IP fallback) token-bucket
// limits on the ingestion path: two scales per key, a short
// per-minute burst limiter and a longer per-hour ceiling, both must allow
// a request for it to proceed.
package quota

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits configures the two token-bucket scales. Burst defaults to the
// scale's rate if zero, so a caller can spend a full minute's or hour's
// allowance in one go after being idle.
type Limits struct {
	PerMinute      int
	PerMinuteBurst int
	PerHour        int
	PerHourBurst   int
}

// DefaultLimits is 100 requests/minute, 1000/hour.
var DefaultLimits = Limits{PerMinute: 100, PerHour: 1000}

func (l Limits) minuteBurst() int {
	if l.PerMinuteBurst > 0 {
		return l.PerMinuteBurst
	}
	return l.PerMinute
}

func (l Limits) hourBurst() int {
	if l.PerHourBurst > 0 {
		return l.PerHourBurst
	}
	return l.PerHour
}

// entry bundles a key's two limiters with its last-seen time for eviction.
type entry struct {
	minute   *rate.Limiter
	hour     *rate.Limiter
	lastSeen time.Time
}

// Controller tracks per-key rate limiters. The zero value is not usable;
// construct with New.
type Controller struct {
	mu      sync.Mutex
	entries map[string]*entry
	limits  Limits
}

// New constructs a Controller enforcing limits per distinct key.
func New(limits Limits) *Controller {
	return &Controller{
		entries: make(map[string]*entry),
		limits:  limits,
	}
}

func (c *Controller) getEntry(key string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		e = &entry{
			minute: rate.NewLimiter(rate.Limit(float64(c.limits.PerMinute)/60), c.limits.minuteBurst()),
			hour:   rate.NewLimiter(rate.Limit(float64(c.limits.PerHour)/3600), c.limits.hourBurst()),
		}
		c.entries[key] = e
	}
	e.lastSeen = time.Now()
	return e
}

// Result reports the outcome of an Allow check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration // meaningful only when !Allowed
}

// Allow consumes one token from both of key's scales. Both must have
// capacity for the call to succeed; consuming one scale and not the
// other would let a caller silently exceed the tighter of the two.
func (c *Controller) Allow(key string) Result {
	e := c.getEntry(key)

	now := time.Now()
	minuteRes := e.minute.ReserveN(now, 1)
	if !minuteRes.OK() {
		return Result{Allowed: false, RetryAfter: time.Minute}
	}
	minuteDelay := minuteRes.DelayFrom(now)
	if minuteDelay > 0 {
		minuteRes.CancelAt(now)
		return Result{Allowed: false, RetryAfter: minuteDelay}
	}

	hourRes := e.hour.ReserveN(now, 1)
	if !hourRes.OK() {
		minuteRes.CancelAt(now)
		return Result{Allowed: false, RetryAfter: time.Hour}
	}
	hourDelay := hourRes.DelayFrom(now)
	if hourDelay > 0 {
		minuteRes.CancelAt(now)
		hourRes.CancelAt(now)
		return Result{Allowed: false, RetryAfter: hourDelay}
	}

	return Result{Allowed: true}
}

// Cleanup evicts keys not seen since staleAfter, bounding memory for a
// long-running process with a high key cardinality (many API keys, or
// many distinct source IPs on the unauthenticated fallback path).
func (c *Controller) Cleanup(staleAfter time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-staleAfter)
	for key, e := range c.entries {
		if e.lastSeen.Before(cutoff) {
			delete(c.entries, key)
		}
	}
}

// StartCleanup launches a background goroutine that periodically evicts
// stale entries until ctx is cancelled. The caller should wg.Wait() to
// ensure the goroutine has exited before returning from shutdown.
func (c *Controller) StartCleanup(ctx context.Context, wg *sync.WaitGroup, interval, staleAfter time.Duration) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Cleanup(staleAfter)
			}
		}
	}()
}
