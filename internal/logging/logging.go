// Package logging builds the gateway's zerolog logger and carries request IDs
// through contexts.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/h-lu/llmGateway-sub000/internal/config"
)

type ctxKey struct{}

// New builds a logger from cfg. The returned closer releases a log file when
// output points at one and is a no-op otherwise.
func New(cfg config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	out, file, err := openOutput(cfg.Output)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	var w io.Writer = out
	if usePretty(cfg, file) {
		w = consoleWriter(out)
	}

	logger := zerolog.New(w).
		Level(cfg.ParseLevel()).
		With().
		Timestamp().
		Str("service", "llm-gateway").
		Logger()

	var closer io.Closer = nopCloser{}
	if file != nil && file != os.Stdout && file != os.Stderr {
		closer = file
	}
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openOutput(output string) (io.Writer, *os.File, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, os.Stdout, nil
	case "stderr":
		return os.Stderr, os.Stderr, nil
	default:
		f, err := os.OpenFile(filepath.Clean(output), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: open %s: %w", output, err)
		}
		return f, f, nil
	}
}

// usePretty picks console output when forced, or when format is console/auto and
// the destination is a terminal.
func usePretty(cfg config.LoggingConfig, f *os.File) bool {
	if cfg.Pretty {
		return true
	}
	if cfg.Format == "json" {
		return false
	}
	return f != nil && isatty.IsTerminal(f.Fd())
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "15:04:05",
		FormatLevel: func(i any) string {
			s, _ := i.(string)
			if c, ok := levelColors[s]; ok {
				return c
			}
			return s
		},
		FormatMessage: func(i any) string {
			if i == nil {
				return ""
			}
			return fmt.Sprintf("-> %s", i)
		},
		FormatFieldName: func(i any) string {
			return fmt.Sprintf("\033[2m%s=\033[0m", i)
		},
	}
}

var levelColors = map[string]string{
	"debug": "\033[36mDBG\033[0m",
	"info":  "\033[32mINF\033[0m",
	"warn":  "\033[33mWRN\033[0m",
	"error": "\033[31mERR\033[0m",
	"fatal": "\033[35mFTL\033[0m",
	"panic": "\033[35mPNC\033[0m",
}

// WithRequestID stores requestID in ctx, generating one when empty, and attaches
// it to the context logger.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx = context.WithValue(ctx, ctxKey{}, requestID)
	l := zerolog.Ctx(ctx).With().Str("request_id", requestID).Logger()
	return l.WithContext(ctx)
}

// RequestID returns the request ID stored by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
