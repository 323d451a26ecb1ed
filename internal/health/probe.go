package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/letitrip/edgeguard/internal/xerrors"
)

// Probe is evaluated at request time.
// nil = OK, non-nil = FAIL with reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe that always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes only if every non-nil probe passes and returns the first error.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any passes if one non-nil probe passes, otherwise returns the last error.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var last error
		for _, p := range ps {
			if p == nil {
				continue
			}
			err := p.Check(ctx)
			if err == nil {
				return nil
			}
			last = err
		}
		if last != nil {
			return last
		}
		return xerrors.New("no healthy probes")
	}
}

// ShutdownGate flips readiness to false during drain.
type ShutdownGate struct {
	draining atomic.Bool
	reason   atomic.Value
}

func (g *ShutdownGate) Set(reason string) {
	g.reason.Store(reason)
	g.draining.Store(true)
}

func (g *ShutdownGate) Clear() {
	g.draining.Store(false)
	g.reason.Store("")
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.draining.Load() {
			return nil
		}
		r, _ := g.reason.Load().(string)
		if r == "" {
			r = "draining"
		}
		return xerrors.New(r)
	}
}

// Heartbeat records the last time a background loop made progress.
// The zero value has never beaten and its probe fails.
type Heartbeat struct {
	name string
	last atomic.Int64 // unix nanos
	now  func() time.Time
}

// NewHeartbeat returns a heartbeat whose probe errors mention name.
func NewHeartbeat(name string) *Heartbeat {
	return &Heartbeat{name: name, now: time.Now}
}

// Beat marks progress now.
func (h *Heartbeat) Beat() { h.last.Store(h.clock().UnixNano()) }

// Last returns the time of the last beat, zero if none.
func (h *Heartbeat) Last() time.Time {
	n := h.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Probe fails when no beat was seen within maxAge.
func (h *Heartbeat) Probe(maxAge time.Duration) CheckFunc {
	return func(context.Context) error {
		last := h.Last()
		if last.IsZero() {
			return xerrors.Newf("%s: no heartbeat yet", h.name)
		}
		if age := h.clock().Sub(last); age > maxAge {
			return xerrors.Newf("%s: last heartbeat %s ago (max %s)", h.name, age.Truncate(time.Second), maxAge)
		}
		return nil
	}
}

func (h *Heartbeat) clock() time.Time {
	if h.now == nil {
		return time.Now()
	}
	return h.now()
}
