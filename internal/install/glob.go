package install

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchGlob reports whether an archive path matches pattern. Matching is
// case-insensitive and either separator may be used in both arguments;
// "**" matches any number of directories.
func MatchGlob(pattern, name string) (bool, error) {
	return doublestar.Match(normalizeGlob(pattern), normalizeGlob(name))
}

// ValidateGlob reports a malformed pattern as doublestar.ErrBadPattern.
func ValidateGlob(pattern string) error {
	if !doublestar.ValidatePattern(normalizeGlob(pattern)) {
		return fmt.Errorf("%w: %q", doublestar.ErrBadPattern, pattern)
	}
	return nil
}

func normalizeGlob(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, `\`, "/"))
}
