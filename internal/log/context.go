package log

import "context"

type loggerKey int

const requestLogger loggerKey = 0

// WithContext attaches l to ctx. httpmw.WithLogger does this per request so
// limiter and gateway code logs with the listener and request id already bound.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, requestLogger, l)
}

// FromContext returns the logger attached by WithContext. Code running outside
// a request, such as profiler startup or a bare test context, gets Nop.
func FromContext(ctx context.Context) Logger {
	l, _ := ctx.Value(requestLogger).(Logger)
	if l == nil {
		return Nop()
	}
	return l
}
