package mpq

import (
	"io"
	"log/slog"
)

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the logger used for archive diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(a *Archive) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithName sets the name used in logs and errors.
func WithName(name string) Option {
	return func(a *Archive) { a.name = name }
}

// WithCloser makes Close release c.
func WithCloser(c io.Closer) Option {
	return func(a *Archive) { a.closer = c }
}

// WithLocale prefers hash entries for the given locale when a name has
// several. Without it the first matching entry is used.
func WithLocale(locale uint16) Option {
	return func(a *Archive) {
		a.locale = locale
		a.preferLocale = true
	}
}
