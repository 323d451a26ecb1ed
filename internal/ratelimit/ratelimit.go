package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultMaxRequests = 100
	DefaultWindow      = time.Minute
)

// Config is the per-limiter quota: at most MaxRequests admissions per Window.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultConfig returns 100 requests per minute.
func DefaultConfig() Config {
	return Config{MaxRequests: DefaultMaxRequests, Window: DefaultWindow}
}

// withDefaults fills zero or negative fields from DefaultConfig
func (c Config) withDefaults() Config {
	if c.MaxRequests <= 0 {
		c.MaxRequests = DefaultMaxRequests
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// entry is the counter for one identifier's current window
type entry struct {
	count   int
	resetAt time.Time
	// denyLogged tracks whether OnFirstDenied already fired for this window.
	// a fresh window gets a fresh entry so it resets on rollover.
	denyLogged bool
}

// expired reports whether the window has ended. at exactly resetAt the window is still live.
func (e *entry) expired(now time.Time) bool {
	return now.After(e.resetAt)
}

// Decision is the outcome of one admission attempt, captured under the same
// lock as the counter update.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is a fixed-window counter per identifier.
// Identifiers are compared by exact string equality, "" included.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	cfg Config
	now func() time.Time

	// OnDenied is called on every denied request, used for incrementing prometheus counters
	OnDenied func(id string)

	// OnFirstDenied is called once per identifier per window when it first gets denied, used for logging
	OnFirstDenied func(id string)

	// OnDecision is called for every admission attempt, allowed or not
	OnDecision func(d Decision)
}

type Option func(*Limiter)

// WithClock replaces time.Now, tests use it to step across window boundaries without sleeping
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithOnDenied sets a callback for every denied request.
func WithOnDenied(fn func(id string)) Option {
	return func(l *Limiter) {
		l.OnDenied = fn
	}
}

// WithOnFirstDenied sets a callback for the first denial of an identifier within a window.
// Separate from OnDenied so we log once but count every denial.
func WithOnFirstDenied(fn func(id string)) Option {
	return func(l *Limiter) {
		l.OnFirstDenied = fn
	}
}

// WithOnDecision sets a callback for every Check/Allow outcome.
func WithOnDecision(fn func(d Decision)) Option {
	return func(l *Limiter) {
		l.OnDecision = fn
	}
}

// New creates a Limiter. Zero fields in cfg fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		entries: make(map[string]*entry),
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Limit returns MaxRequests.
func (l *Limiter) Limit() int { return l.cfg.MaxRequests }

// Window returns the window length.
func (l *Limiter) Window() time.Duration { return l.cfg.Window }

// Config returns the immutable config the limiter was built with.
func (l *Limiter) Config() Config { return l.cfg }

// Check admits or rejects one request for id.
func (l *Limiter) Check(id string) bool {
	return l.Allow(id).Allowed
}

// Allow is Check plus the remaining quota and window end observed by this call.
func (l *Limiter) Allow(id string) Decision {
	d, firstDenial := l.admit(id)

	// hooks run without the lock, they may do slow work
	if l.OnDecision != nil {
		l.OnDecision(d)
	}
	if !d.Allowed {
		if firstDenial && l.OnFirstDenied != nil {
			l.OnFirstDenied(id)
		}
		if l.OnDenied != nil {
			l.OnDenied(id)
		}
	}
	return d
}

// admit applies the fixed-window rule under the lock
func (l *Limiter) admit(id string) (d Decision, firstDenial bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[id]
	if !ok || e.expired(now) {
		// first request of a new window, overwrite whatever was there
		e = &entry{count: 1, resetAt: now.Add(l.cfg.Window)}
		l.entries[id] = e
		return l.decision(true, e), false
	}
	if e.count < l.cfg.MaxRequests {
		e.count++
		return l.decision(true, e), false
	}

	// quota exhausted, entry is left unchanged apart from the log marker
	firstDenial = !e.denyLogged
	e.denyLogged = true
	return l.decision(false, e), firstDenial
}

// decision must be called with l.mu held
func (l *Limiter) decision(allowed bool, e *entry) Decision {
	return Decision{
		Allowed:   allowed,
		Limit:     l.cfg.MaxRequests,
		Remaining: max(0, l.cfg.MaxRequests-e.count),
		ResetAt:   e.resetAt,
	}
}

// Remaining returns how many more requests id may make in its current window.
// Missing or expired entries report the full quota and are not touched.
func (l *Limiter) Remaining(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok || e.expired(l.now()) {
		return l.cfg.MaxRequests
	}
	return max(0, l.cfg.MaxRequests-e.count)
}

// ResetTime returns when id's current window ends. For a missing or expired
// entry it returns now+Window without creating one.
func (l *Limiter) ResetTime(id string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.entries[id]
	if !ok || e.expired(now) {
		return now.Add(l.cfg.Window)
	}
	return e.resetAt
}

// Reset forgets id. No-op when absent.
func (l *Limiter) Reset(id string) {
	l.mu.Lock()
	delete(l.entries, id)
	l.mu.Unlock()
}

// ResetAll forgets every identifier.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	clear(l.entries)
	l.mu.Unlock()
}

// Cleanup deletes every entry whose window has ended and returns how many were removed.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	removed := 0
	for id, e := range l.entries {
		if e.expired(now) {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
