package discovery

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// PathFilter applies include and exclude wildcard patterns to URL paths.
// A pattern matches anywhere inside the path and '*' matches any run of
// characters. Exclusion always wins; an empty include list admits every path.
type PathFilter struct {
	include []glob.Glob
	exclude []glob.Glob
}

// NewPathFilter compiles the pattern lists.
func NewPathFilter(include, exclude []string) (*PathFilter, error) {
	in, err := compileAll(include)
	if err != nil {
		return nil, fmt.Errorf("compile include patterns: %w", err)
	}
	ex, err := compileAll(exclude)
	if err != nil {
		return nil, fmt.Errorf("compile exclude patterns: %w", err)
	}
	return &PathFilter{include: in, exclude: ex}, nil
}

// Allow reports whether path passes both lists.
func (f *PathFilter) Allow(path string) bool {
	if f == nil {
		return true
	}
	for _, g := range f.exclude {
		if g.Match(path) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, g := range f.include {
		if g.Match(path) {
			return true
		}
	}
	return false
}

func compileAll(patterns []string) ([]glob.Glob, error) {
	var out []glob.Glob
	for _, raw := range patterns {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		g, err := glob.Compile("*" + p + "*")
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", raw, err)
		}
		out = append(out, g)
	}
	return out, nil
}
