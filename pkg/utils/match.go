// Package utils holds small helpers shared by the peninsula commands.
package utils

import (
	"github.com/cloudflare/ahocorasick"
)

// PathMatcher reports whether a topic path contains any of a set of
// substrings. An empty matcher matches everything.
type PathMatcher struct {
	m        *ahocorasick.Matcher
	patterns []string
}

func NewPathMatcher(patterns []string) *PathMatcher {
	var kept []string
	for _, p := range patterns {
		if p != "" {
			kept = append(kept, p)
		}
	}
	pm := &PathMatcher{patterns: kept}
	if len(kept) > 0 {
		pm.m = ahocorasick.NewStringMatcher(kept)
	}
	return pm
}

func (pm *PathMatcher) Match(path string) bool {
	if pm == nil || pm.m == nil {
		return true
	}
	return len(pm.m.MatchThreadSafe([]byte(path))) > 0
}

// Matches returns the patterns found in path.
func (pm *PathMatcher) Matches(path string) []string {
	if pm == nil || pm.m == nil {
		return nil
	}
	var out []string
	for _, i := range pm.m.MatchThreadSafe([]byte(path)) {
		out = append(out, pm.patterns[i])
	}
	return out
}
