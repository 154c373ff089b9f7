package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter matches tables against glob patterns. Patterns are applied to
// the bare table name and to the schema-qualified "schema.table" form.
// An empty pattern set matches everything.
type GlobFilter struct {
	globs []glob.Glob
}

// NewGlobFilter compiles the given patterns.
func NewGlobFilter(patterns []string) (*GlobFilter, error) {
	f := &GlobFilter{globs: make([]glob.Glob, 0, len(patterns))}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

// Match returns true if the table matches any pattern, or if no patterns
// are configured.
func (f *GlobFilter) Match(schema, table string) bool {
	if len(f.globs) == 0 {
		return true
	}
	qualified := table
	if schema != "" {
		qualified = schema + "." + table
	}
	for _, g := range f.globs {
		if g.Match(table) || g.Match(qualified) {
			return true
		}
	}
	return false
}
