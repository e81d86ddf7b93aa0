package install

import (
	"log/slog"

	"github.com/ossyrian/mpqkit/internal/mpq"
)

// Option configures an Install.
type Option func(*Install)

// WithLogger sets the logger for the install and its archives.
func WithLogger(l *slog.Logger) Option {
	return func(i *Install) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithProgress registers fn to be called as Load moves through its steps.
func WithProgress(fn func(step string)) Option {
	return func(i *Install) {
		if fn != nil {
			i.progress = fn
		}
	}
}

// WithCacheEntries keeps up to n decoded files in memory. Zero disables
// the cache.
func WithCacheEntries(n int) Option {
	return func(i *Install) { i.cache = newFileCache(n) }
}

// WithArchiveOptions passes opts to every archive that is opened.
func WithArchiveOptions(opts ...mpq.Option) Option {
	return func(i *Install) { i.archiveOpts = append(i.archiveOpts, opts...) }
}

// WithMmap memory maps archives when the install is on the OS filesystem.
func WithMmap(enabled bool) Option {
	return func(i *Install) { i.mmap = enabled }
}
