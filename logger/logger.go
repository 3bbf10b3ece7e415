// Package logger builds the slog loggers used by the manager binary and its sessions.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Handler selects the output format of a logger built by New.
type Handler int

const (
	// JSONHandler writes one JSON object per record.
	JSONHandler Handler = iota
	// TextHandler writes logfmt style key=value lines.
	TextHandler
	// DevHandler writes colored, human friendly lines for terminals.
	DevHandler
)

// Levels understood by ParseLevel. Trace and notice extend slog's own set.
//
// NOTE: reference
// https://go.dev/src/log/slog/example_custom_levels_test.go
const (
	DefaultLevel = slog.LevelInfo

	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelNotice  = slog.Level(2)
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
)

// Option configures New.
type Option func(o *options)

type options struct {
	writer  io.Writer
	level   slog.Level
	handler Handler
	// explicit is set when WithHandler was applied, so terminal detection leaves it alone.
	explicit bool
}

type ctxKey struct{}

// WithLevel sets the minimum level, overriding LOG_LEVEL.
func WithLevel(lvl slog.Level) Option {
	return func(o *options) {
		o.level = lvl
	}
}

// WithWriter sets the destination. The default is os.Stderr.
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		o.writer = w
	}
}

// WithHandler forces the output format, overriding LOG_HANDLER and terminal detection.
func WithHandler(h Handler) Option {
	return func(o *options) {
		o.handler = h
		o.explicit = true
	}
}

// New returns a logger configured from LOG_LEVEL and LOG_HANDLER, then from options.
// Without an explicit handler the colored dev output is used only when the writer is
// a terminal; anything else gets JSON lines.
func New(opts ...Option) *slog.Logger {
	o := &options{
		level:   ParseLevel(os.Getenv("LOG_LEVEL")),
		writer:  os.Stderr,
		handler: DevHandler,
	}
	if h, ok := ParseHandler(os.Getenv("LOG_HANDLER")); ok {
		o.handler = h
		o.explicit = true
	}

	for _, apply := range opts {
		apply(o)
	}

	if o.handler == DevHandler && !o.explicit && !isTerminal(o.writer) {
		o.handler = JSONHandler
	}

	hopts := slog.HandlerOptions{
		Level: o.level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.LevelKey && len(groups) == 0 {
				if lvl, ok := attr.Value.Any().(slog.Level); ok {
					switch lvl {
					case LevelTrace:
						return slog.String(attr.Key, "TRACE")
					case LevelNotice:
						return slog.String(attr.Key, "NOTICE")
					}
				}
			}
			return attr
		},
	}

	switch o.handler {
	case DevHandler:
		return slog.New(tint.NewHandler(o.writer, &tint.Options{
			Level:      o.level,
			TimeFormat: "[15:04:05.000]",
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.LevelKey && len(groups) == 0 {
					lvl, ok := a.Value.Any().(slog.Level)
					if ok {
						// warn and error keep tint's colors
						switch lvl {
						case LevelTrace:
							return tint.Attr(13, slog.String(a.Key, "TRC"))
						case LevelDebug:
							return tint.Attr(3, slog.String(a.Key, "DBG"))
						case LevelInfo:
							return tint.Attr(14, slog.String(a.Key, "INF"))
						case LevelNotice:
							return tint.Attr(10, slog.String(a.Key, "NTC"))
						}
					}
				}
				if err, ok := a.Value.Any().(error); ok && a.Key == "err" {
					return tint.Err(err)
				}
				return a
			},
		}))
	case TextHandler:
		return slog.New(slog.NewTextHandler(o.writer, &hopts))
	default:
		return slog.New(slog.NewJSONHandler(o.writer, &hopts))
	}
}

// Void returns a logger that drops everything.
func Void() *slog.Logger {
	return New(WithWriter(io.Discard), WithHandler(JSONHandler))
}

// ParseLevel maps a level name to its slog level, falling back to DefaultLevel.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "notice":
		return LevelNotice
	case "warn", "warning":
		return LevelWarning
	case "error":
		return LevelError
	default:
		return DefaultLevel
	}
}

// ParseHandler maps a handler name to its Handler. The boolean is false for unknown names.
func ParseHandler(name string) (Handler, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "json":
		return JSONHandler, true
	case "dev":
		return DevHandler, true
	case "txt", "text":
		return TextHandler, true
	}
	return JSONHandler, false
}

// WithContext stores l in ctx.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From returns the logger stored in ctx, or slog.Default when there is none.
func From(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
