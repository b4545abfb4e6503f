// Package ratelimit implements fixed-window admission control.
//
// Every submission is counted against three windows: per-subject per-minute,
// per-subject per-hour, and a global per-minute window shared by all
// subjects. A request is admitted only when every window has room. The
// counter is incremented exactly once per call regardless of outcome, so a
// denied request still consumes a slot — the limits bound requests, not
// accepted requests.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// GlobalSubject is the subject id used for the shared global window.
const GlobalSubject = "global"

// Scope names for the built-in rules.
const (
	ScopeUserMinute   = "user_minute"
	ScopeUserHour     = "user_hour"
	ScopeGlobalMinute = "global_minute"
)

// Rule bounds one window scope.
type Rule struct {
	Scope  string
	Limit  int
	Period time.Duration
	Global bool
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Scope      string        // first scope that denied, empty when allowed
	RetryAfter time.Duration // time until the denying window resets
}

// window is a fixed counting window for one (subject, scope) pair.
// Each window carries its own lock so unrelated subjects never contend.
type window struct {
	mu    sync.Mutex
	start time.Time
	count int
}

// Limiter maintains one window per (subject, scope).
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	rules   []Rule
	now     func() time.Time
}

// Config holds the default policy thresholds.
type Config struct {
	UserPerMinute   int
	UserPerHour     int
	GlobalPerMinute int
}

// New creates a limiter with the standard three-window policy.
func New(cfg Config) *Limiter {
	return NewWithRules([]Rule{
		{Scope: ScopeUserMinute, Limit: cfg.UserPerMinute, Period: time.Minute},
		{Scope: ScopeUserHour, Limit: cfg.UserPerHour, Period: time.Hour},
		{Scope: ScopeGlobalMinute, Limit: cfg.GlobalPerMinute, Period: time.Minute, Global: true},
	})
}

// NewWithRules creates a limiter with a custom rule set.
func NewWithRules(rules []Rule) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		rules:   rules,
		now:     time.Now,
	}
}

// Allow checks subjectID against every rule. All windows are incremented
// before the decision is made; the first exhausted window denies with the
// remaining time until its reset.
func (l *Limiter) Allow(subjectID string) Decision {
	now := l.now()

	denied := Decision{Allowed: true}
	for _, rule := range l.rules {
		subject := subjectID
		if rule.Global {
			subject = GlobalSubject
		}

		w := l.window(rule.Scope, subject)

		w.mu.Lock()
		if now.Sub(w.start) >= rule.Period {
			w.start = now
			w.count = 0
		}
		w.count++
		over := w.count > rule.Limit
		retryAfter := rule.Period - now.Sub(w.start)
		w.mu.Unlock()

		if over && denied.Allowed {
			denied = Decision{Allowed: false, Scope: rule.Scope, RetryAfter: retryAfter}
		}
	}

	return denied
}

// window returns the window for (scope, subject), creating it if needed.
func (l *Limiter) window(scope, subject string) *window {
	key := fmt.Sprintf("%s:%s", scope, subject)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &window{start: l.now()}
		l.windows[key] = w
	}
	return w
}

// Count reports the current count for a (scope, subject) window. Used by the
// status surface; returns zero for windows that were never touched.
func (l *Limiter) Count(scope, subject string) int {
	l.mu.Lock()
	w, ok := l.windows[fmt.Sprintf("%s:%s", scope, subject)]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Prune drops windows whose period fully elapsed. Called by the cleanup
// sweep so idle subjects do not accumulate forever.
func (l *Limiter) Prune() int {
	now := l.now()

	maxPeriod := time.Duration(0)
	for _, r := range l.rules {
		if r.Period > maxPeriod {
			maxPeriod = r.Period
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		stale := now.Sub(w.start) >= maxPeriod
		w.mu.Unlock()
		if stale {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
