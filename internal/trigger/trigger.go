// Package trigger implements the pure predicate that decides whether
// an inbound event matches a pipeline's trigger rules: (event,
// []TriggerRule) -> bool. No teacher equivalent; grounded on spec.md
// §4.10's glob grammar directly, using doublestar for path globs
// (picked up from the wider example corpus, which reaches for it over
// hand-rolled path matching) and a small regex translator for the
// branch/tag glob grammar the spec defines (`*` and `?` only, with all
// other regex metacharacters literal — stricter than doublestar's glob
// dialect, which also treats `[`/`]`/`{`/`}` specially).
package trigger

import (
	"regexp"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/flowforge/runner/internal/pipeline"
)

// Match reports whether event matches any of rules. A rule matches
// only if its Type matches the event's Kind and every positive filter
// it declares succeeds; BranchesIgnore wins over Branches and
// PathsIgnore wins over Paths.
func Match(event pipeline.Event, rules []pipeline.TriggerRule) bool {
	for _, r := range rules {
		if ruleMatches(event, r) {
			return true
		}
	}
	return false
}

func ruleMatches(event pipeline.Event, r pipeline.TriggerRule) bool {
	if r.Type != event.Kind {
		return false
	}

	switch event.Kind {
	case pipeline.EventPush:
		if !branchAllowed(event.Branch, r) {
			return false
		}
		if !pathsAllowed(event.ChangedPaths, r) {
			return false
		}
	case pipeline.EventPullRequest:
		if !branchAllowed(event.Branch, r) {
			return false
		}
		if !pathsAllowed(event.ChangedPaths, r) {
			return false
		}
		if !prEventAllowed(event.PRAction, r) {
			return false
		}
	case pipeline.EventTag:
		if len(r.Tags) > 0 && !anyGlobMatches(event.Tag, r.Tags) {
			return false
		}
	case pipeline.EventSchedule, pipeline.EventManual:
		// no additional positive filters beyond type
	}
	return true
}

func branchAllowed(branch string, r pipeline.TriggerRule) bool {
	if len(r.BranchesIgnore) > 0 && anyGlobMatches(branch, r.BranchesIgnore) {
		return false
	}
	if len(r.Branches) > 0 {
		return anyGlobMatches(branch, r.Branches)
	}
	return true
}

func pathsAllowed(changed []string, r pipeline.TriggerRule) bool {
	if len(r.PathsIgnore) > 0 && anyPathGlobMatchesAny(changed, r.PathsIgnore) {
		return false
	}
	if len(r.Paths) > 0 {
		return anyPathGlobMatchesAny(changed, r.Paths)
	}
	return true
}

func prEventAllowed(action string, r pipeline.TriggerRule) bool {
	events := r.PREvents
	if len(events) == 0 {
		events = []string{"opened", "synchronize", "reopened"}
	}
	for _, e := range events {
		if e == action {
			return true
		}
	}
	return false
}

func anyPathGlobMatchesAny(paths []string, patterns []string) bool {
	for _, p := range patterns {
		for _, changed := range paths {
			if ok, _ := doublestar.Match(p, changed); ok {
				return true
			}
		}
	}
	return false
}

func anyGlobMatches(s string, patterns []string) bool {
	for _, p := range patterns {
		if globMatch(p, s) {
			return true
		}
	}
	return false
}

var (
	globCacheMu sync.Mutex
	globCache   = map[string]*regexp.Regexp{}
)

// globMatch implements the branch/tag glob grammar: `*` matches any
// sequence, `?` matches any single character, every other regex
// metacharacter in the pattern is treated literally, and the pattern
// matches the entire string (not a substring).
func globMatch(pattern, s string) bool {
	globCacheMu.Lock()
	re, ok := globCache[pattern]
	if !ok {
		re = regexp.MustCompile("^" + translateGlob(pattern) + "$")
		globCache[pattern] = re
	}
	globCacheMu.Unlock()
	return re.MatchString(s)
}

func translateGlob(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}
