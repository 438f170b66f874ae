package app

import (
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

// nearMissThreshold is the Jaro-Winkler similarity above which a
// non-matching username is reported as a likely misconfigured target.
const nearMissThreshold = 0.85

// Target decides which speakers are tracked. Matching is case-insensitive;
// an empty name tracks everyone. It is safe for concurrent use.
type Target struct {
	mu     sync.RWMutex
	name   string
	hinted map[string]bool
}

// NewTarget returns a filter for name.
func NewTarget(name string) *Target {
	return &Target{name: strings.TrimSpace(name), hinted: make(map[string]bool)}
}

// Name returns the configured username.
func (t *Target) Name() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.name
}

// Set replaces the configured username and forgets earlier hints.
func (t *Target) Set(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.name = strings.TrimSpace(name)
	clear(t.hinted)
}

// Matches reports whether username is tracked.
func (t *Target) Matches(username string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.name == "" || strings.EqualFold(t.name, username)
}

// NearMiss reports whether username is not tracked but looks like the
// configured target, either by spelling or by sound. Each username is
// reported at most once per configured target.
func (t *Target) NearMiss(username string) (score float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.name == "" || username == "" || strings.EqualFold(t.name, username) || t.hinted[username] {
		return 0, false
	}
	want, got := strings.ToLower(t.name), strings.ToLower(username)
	score = matchr.JaroWinkler(want, got, false)
	if score < nearMissThreshold && !soundsAlike(want, got) {
		return score, false
	}
	t.hinted[username] = true
	return score, true
}

// soundsAlike compares the primary Double Metaphone codes of a and b.
func soundsAlike(a, b string) bool {
	pa, _ := matchr.DoubleMetaphone(a)
	pb, _ := matchr.DoubleMetaphone(b)
	return pa != "" && pa == pb
}
