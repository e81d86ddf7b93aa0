package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Config holds app configuration
type Config struct {
	// OutputDir is where extracted files are written
	OutputDir string `mapstructure:"output_dir"`

	// UseMmap memory maps archives instead of reading them through a file handle
	UseMmap bool `mapstructure:"use_mmap"`

	// CacheEntries bounds the number of decoded files kept in memory when
	// reading from an install directory (0 disables the cache)
	CacheEntries int `mapstructure:"cache_entries"`

	// Locale selects between same-named files stored for several languages.
	// Either a client locale name (enUS, deDE, ...) or a numeric LCID such as 0x409
	Locale string `mapstructure:"locale"`

	// Extension and Glob filter listings and bulk extraction
	Extension string `mapstructure:"extension"`
	Glob      string `mapstructure:"glob"`

	DryRun       bool   `mapstructure:"dry_run"`
	LogLevel     string `mapstructure:"log_level"`
	LogOutputDir string `mapstructure:"log_output_dir"`
}

// locales maps client locale names to the LCIDs stored in hash tables
var locales = map[string]uint16{
	"neutral": 0x000,
	"zhtw":    0x404,
	"dede":    0x407,
	"enus":    0x409,
	"eses":    0x40A,
	"frfr":    0x40C,
	"itit":    0x410,
	"kokr":    0x412,
	"ptbr":    0x416,
	"ruru":    0x419,
	"zhcn":    0x804,
	"engb":    0x809,
	"esmx":    0x80A,
}

// LocaleID resolves Locale. ok is false when no locale is configured
func (c *Config) LocaleID() (id uint16, ok bool, err error) {
	s := strings.TrimSpace(c.Locale)
	if s == "" {
		return 0, false, nil
	}

	if id, found := locales[strings.ToLower(s)]; found {
		return id, true, nil
	}

	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, false, fmt.Errorf("unknown locale %q", c.Locale)
	}
	return uint16(n), true, nil
}
