package connection

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/kailas-cloud/needle/internal/domain"
)

// Router picks aliases for an operation. Returning nothing defers to the
// next router in the chain.
type Router interface {
	ForRead(h Hints) string
	ForWrite(h Hints) []string
}

// DefaultRouter sends everything to "default".
type DefaultRouter struct{}

// ForRead returns "default".
func (DefaultRouter) ForRead(Hints) string { return DefaultAlias }

// ForWrite returns "default".
func (DefaultRouter) ForWrite(Hints) []string { return []string{DefaultAlias} }

// GlobRouter routes operations on models whose "app.model" label matches
// one of its patterns, e.g. "blog.*".
type GlobRouter struct {
	patterns []glob.Glob
	read     string
	write    []string
}

// NewGlobRouter compiles the model patterns.
func NewGlobRouter(patterns []string, read string, write []string) (*GlobRouter, error) {
	r := &GlobRouter{read: read, write: write}
	for _, p := range patterns {
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("router pattern %q: %v: %w", p, err, domain.ErrConfig)
		}
		r.patterns = append(r.patterns, g)
	}
	return r, nil
}

func (r *GlobRouter) matches(h Hints) bool {
	for _, m := range h.models() {
		for _, g := range r.patterns {
			if g.Match(m.String()) {
				return true
			}
		}
	}
	return false
}

// ForRead returns the read alias when a hinted model matches.
func (r *GlobRouter) ForRead(h Hints) string {
	if r.read == "" || !r.matches(h) {
		return ""
	}
	return r.read
}

// ForWrite returns the write aliases when a hinted model matches.
func (r *GlobRouter) ForWrite(h Hints) []string {
	if !r.matches(h) {
		return nil
	}
	return r.write
}
