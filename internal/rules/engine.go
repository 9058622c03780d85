// Package rules implements the fast-path template responder: a
// priority-ordered pattern matcher over a YAML-configured rule set.
package rules

import (
	"log/slog"
	"math/rand/v2"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// MatchType selects how a rule's patterns are compared against a message.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchContains MatchType = "contains"
	MatchRegex    MatchType = "regex"
)

// Rule is one pattern/response entry. Rules are read-only within a
// pipeline run.
type Rule struct {
	Name      string    `yaml:"name"`
	Patterns  []string  `yaml:"patterns"`
	MatchType MatchType `yaml:"match_type"`
	Responses []string  `yaml:"responses"`
	Priority  int       `yaml:"priority"`
	Enabled   bool      `yaml:"enabled"`

	compiled []*regexp.Regexp
}

// Match is the result of a rule firing.
type Match struct {
	Rule     *Rule
	Response string
}

// Engine evaluates enabled rules in descending priority, ties broken by
// configuration order. The first matching rule wins; whether a rule matches
// is deterministic for a fixed rule set and input, randomness only affects
// which response template is chosen.
type Engine struct {
	rules  []*Rule
	logger *slog.Logger

	// selection state: index of the previously chosen response per rule
	// name. The no-repeat guarantee is per rule, not global.
	mu       sync.Mutex
	lastPick map[string]int
	rng      *rand.Rand
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand sets the response-selection RNG, for deterministic tests.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

func NewEngine(rs []Rule, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger:   logger,
		lastPick: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}

	for i := range rs {
		r := rs[i]
		if r.MatchType == "" {
			r.MatchType = MatchContains
		}
		if r.MatchType == MatchRegex {
			for _, p := range r.Patterns {
				re, err := regexp.Compile("(?i)" + p)
				if err != nil {
					if logger != nil {
						logger.Warn("skipping invalid rule pattern", "rule", r.Name, "pattern", p, "err", err)
					}
					continue
				}
				r.compiled = append(r.compiled, re)
			}
		}
		e.rules = append(e.rules, &r)
	}

	// Stable sort keeps configuration order for equal priorities.
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Priority > e.rules[j].Priority
	})

	return e
}

// Rules returns the rule set in evaluation order.
func (e *Engine) Rules() []*Rule { return e.rules }

// Match returns the highest-priority matching rule with a selected response,
// or nil when no rule fires.
func (e *Engine) Match(text string) *Match {
	for _, r := range e.rules {
		if !r.Enabled {
			continue
		}
		if r.matches(text) {
			resp := e.pickResponse(r)
			if resp == "" {
				continue
			}
			return &Match{Rule: r, Response: resp}
		}
	}
	return nil
}

func (r *Rule) matches(text string) bool {
	lower := strings.ToLower(text)

	switch r.MatchType {
	case MatchExact:
		for _, p := range r.Patterns {
			if lower == strings.ToLower(p) {
				return true
			}
		}
	case MatchContains:
		for _, p := range r.Patterns {
			if strings.Contains(lower, strings.ToLower(p)) {
				return true
			}
		}
	case MatchRegex:
		for _, re := range r.compiled {
			if re.MatchString(text) {
				return true
			}
		}
	}
	return false
}

// pickResponse selects a response template, never repeating the rule's
// immediately previous choice when more than one exists.
func (e *Engine) pickResponse(r *Rule) string {
	n := len(r.Responses)
	if n == 0 {
		return ""
	}
	if n == 1 {
		return r.Responses[0]
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	last, seen := e.lastPick[r.Name]
	idx := e.intN(n)
	if seen && idx == last {
		idx = (idx + 1 + e.intN(n-1)) % n
	}
	e.lastPick[r.Name] = idx
	return r.Responses[idx]
}

func (e *Engine) intN(n int) int {
	if e.rng != nil {
		return e.rng.IntN(n)
	}
	return rand.IntN(n)
}
