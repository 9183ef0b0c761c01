package engine

import (
	"context"
	"fmt"
	"log/slog"
)

// NumericalError reports a dense factorization that failed to converge in
// the numeric backend.
type NumericalError struct {
	Op     string // "svd", "eigh", "qr"
	Sector []int  // sector tuple of the offending block
	Reason string
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("%s failed on sector tuple %v: %s", e.Op, e.Sector, e.Reason)
}

// discardHandler drops every record; the default logger sink.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
