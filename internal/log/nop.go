package log

import "context"

// discard backs Nop. Handlers and limiter hooks built without a logger get it
// and can log unconditionally.
type discard struct{}

// Nop returns a Logger that drops every record.
func Nop() Logger { return discard{} }

func (discard) Debug(context.Context, string, ...any) {}
func (discard) Info(context.Context, string, ...any)  {}
func (discard) Warn(context.Context, string, ...any)  {}

func (discard) Error(context.Context, error, string, ...any) {}

func (discard) Sync() error { return nil }

func (d discard) With(...any) Logger { return d }
