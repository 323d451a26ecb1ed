// Package log is the service's structured logger: a small ctx-first interface
// over log/slog that adds trace/span ids, stacks at or above a configured
// level, and the xerrors wrap chain for Error calls.
package log

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/letitrip/edgeguard/internal/xerrors"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	App     string
	Version string
	Commit  string
	BuildId string

	Level           slog.Level
	StacktraceLevel slog.Level
	JsonFormat      bool

	// error_links lists func/file/line for every xerrors wrap in the chain
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// defaults to stdout
	Writer io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, xerrors.Newf("unknown log level %s (valid levels are debug|info|warn|error)", s)
	}
}
