package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger. Production runs emit JSON for the log
// pipeline; everything else gets the text handler. Every record carries the
// service attribute so order, invoice and delivery logs stay attributable
// once aggregated.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	var handler slog.Handler
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With(slog.String("service", "facturio"))
}
