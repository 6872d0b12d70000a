// Package pattern compiles the shell-glob expressions used to name build
// artifacts and mapping files. Patterns are matched against slash-separated
// relative paths, so behaviour does not depend on the host path convention.
package pattern

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// ErrInvalid is returned when a pattern is not a well-formed glob.
var ErrInvalid = errors.New("invalid name pattern")

// Matcher tests candidate names against a compiled glob. A Matcher is
// immutable and safe for concurrent use.
type Matcher struct {
	raw string
	g   glob.Glob
}

// Compile parses pattern once. `*` and `?` never cross a `/`; `**` does.
func Compile(pattern string) (*Matcher, error) {
	if pattern == "" {
		return nil, fmt.Errorf("pattern: %w: empty pattern", ErrInvalid)
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("pattern: %w %q: %s", ErrInvalid, pattern, err)
	}
	return &Matcher{raw: pattern, g: g}, nil
}

// String returns the pattern as it was given to Compile.
func (m *Matcher) String() string {
	return m.raw
}

// Match reports whether name matches the pattern exactly as given.
func (m *Matcher) Match(name string) bool {
	return m.g.Match(name)
}

// MatchPath reports whether a relative path matches, either as a whole or by
// its base name. Backslashes are normalised to forward slashes first.
func (m *Matcher) MatchPath(rel string) bool {
	rel = Normalize(rel)
	if m.g.Match(rel) {
		return true
	}
	return m.g.Match(path.Base(rel))
}

// Normalize rewrites a host path into the slash-separated form matched by
// Matcher.
func Normalize(p string) string {
	return strings.TrimPrefix(strings.ReplaceAll(p, `\`, "/"), "./")
}
