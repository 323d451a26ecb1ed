// Package health provides the liveness and readiness probes served on the
// ops listener.
//
// Probes compose with [All] (AND) and [Any] (OR). [ShutdownGate] fails
// readiness as soon as shutdown begins so load balancers drain the instance
// before the public listener closes. [Heartbeat] fails when a background loop
// (the rate limit sweeper) has stopped reporting.
package health
