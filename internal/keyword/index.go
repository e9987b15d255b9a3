// Package keyword holds the deduplicated set of trigger keywords and the
// matching rule applied to incoming message content.
package keyword

import (
	"sort"
	"strings"
)

// MatchKind reports how content matched a keyword.
type MatchKind string

const (
	MatchNone       MatchKind = ""
	MatchExact      MatchKind = "exact"
	MatchFirstToken MatchKind = "first_token"
)

// Index is an immutable keyword set. Matching is case-sensitive.
type Index struct {
	set map[string]struct{}
}

// New builds an index from the union of every source minus excluded.
// Blank keywords are dropped.
func New(excluded []string, sources ...[]string) *Index {
	skip := make(map[string]struct{}, len(excluded))
	for _, k := range excluded {
		skip[k] = struct{}{}
	}

	set := make(map[string]struct{})
	for _, src := range sources {
		for _, k := range src {
			if strings.TrimSpace(k) == "" {
				continue
			}
			if _, ok := skip[k]; ok {
				continue
			}
			set[k] = struct{}{}
		}
	}
	return &Index{set: set}
}

// Len returns the number of keywords.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.set)
}

// Contains reports exact membership.
func (ix *Index) Contains(k string) bool {
	if ix == nil {
		return false
	}
	_, ok := ix.set[k]
	return ok
}

// Match applies the trigger rule to content: the trimmed content equals a
// keyword, or the part before its first space does.
func (ix *Index) Match(content string) (string, MatchKind, bool) {
	if ix.Len() == 0 {
		return "", MatchNone, false
	}
	c := strings.TrimSpace(content)
	if c == "" {
		return "", MatchNone, false
	}
	if ix.Contains(c) {
		return c, MatchExact, true
	}
	if first, _, found := strings.Cut(c, " "); found && ix.Contains(first) {
		return first, MatchFirstToken, true
	}
	return "", MatchNone, false
}

// Keywords returns the keywords in sorted order.
func (ix *Index) Keywords() []string {
	if ix == nil {
		return nil
	}
	out := make([]string, 0, len(ix.set))
	for k := range ix.set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
