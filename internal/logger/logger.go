// Package logger wraps zerolog with the constructors objectsync components
// share. Components receive a *Logger and derive children with extra fields.
package logger

import (
	"context"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger embeds zerolog.Logger so the whole zerolog API is available.
type Logger struct {
	zerolog.Logger
}

// Config selects level and output format.
type Config struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // json or console
	Output string `yaml:"output" env:"OUTPUT"` // stdout, stderr or a file path

	// File outputs rotate once they exceed MaxSizeMB; zero never rotates.
	MaxSizeMB  int  `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int  `yaml:"max_backups" env:"MAX_BACKUPS"`
	Compress   bool `yaml:"compress" env:"COMPRESS"`
}

// NewLogger builds a JSON logger on stdout at debug level, tagged with role.
func NewLogger(role string) *Logger {
	return New(Config{Level: "debug", Format: "json"}, role)
}

// New builds a logger from cfg. An unknown level falls back to info and an
// unopenable output falls back to stderr.
func New(cfg Config, role string) *Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		return runtime.FuncForPC(pc).Name()
	}
	zerolog.CallerFieldName = "func"

	var out io.Writer
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := newRotatingFile(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.Compress)
		if err != nil {
			out = os.Stderr
		} else {
			out = f
		}
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	l := zerolog.New(out).With().
		Str("role", role).
		Timestamp().
		Caller().
		Logger()
	return &Logger{l}
}

// NewWithWriter builds a logger writing JSON to w; tests use it to inspect
// output.
func NewWithWriter(w io.Writer, role string) *Logger {
	return &Logger{zerolog.New(w).With().Str("role", role).Logger()}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zerolog.Nop()}
}

// GetChildLogger returns a logger inheriting the receiver's fields.
func (l *Logger) GetChildLogger() *Logger {
	return &Logger{l.With().Logger()}
}

// WithField returns a child logger with an extra string field.
func (l *Logger) WithField(key, value string) *Logger {
	return &Logger{l.With().Str(key, value).Logger()}
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return l.Logger.WithContext(ctx)
}

// FromContext returns the logger stored in ctx, or zerolog's default when
// none was stored.
func FromContext(ctx context.Context) *Logger {
	return &Logger{*log.Ctx(ctx)}
}
