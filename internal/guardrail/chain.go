// Package guardrail vets every candidate response before it may leave the
// pipeline. Stages run in a fixed order; each may rewrite the candidate or
// veto it outright. A veto short-circuits the remaining stages and
// substitutes a configured fallback, so the chain output is never empty and
// never unvetted.
package guardrail

import (
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"

	"smsagent/internal/config"
)

// ViolationKind classifies what a stage objected to.
type ViolationKind string

const (
	ViolationPhoneNumber   ViolationKind = "phone_number"
	ViolationEmail         ViolationKind = "email"
	ViolationURL           ViolationKind = "url"
	ViolationCreditCard    ViolationKind = "credit_card"
	ViolationSSN           ViolationKind = "ssn"
	ViolationBlockedPhrase ViolationKind = "blocked_phrase"
	ViolationLength        ViolationKind = "length_exceeded"
	ViolationBotPhrase     ViolationKind = "bot_phrase"
	ViolationEmpty         ViolationKind = "empty"
)

// Verdict is the chain's decision for one candidate.
type Verdict struct {
	// Allowed is false when a stage hard-blocked the candidate. Text then
	// carries a safe fallback instead of the original.
	Allowed bool
	// Text is what may actually be sent. Never empty.
	Text string
	// Violations lists everything the stages objected to, in stage order.
	Violations []ViolationKind
	// Modified is true when Text differs from the original candidate.
	Modified bool
}

// Guarded reports whether the chain intervened at all.
func (v Verdict) Guarded() bool { return v.Modified || !v.Allowed }

// stageResult is one stage's output.
type stageResult struct {
	text       string
	violations []ViolationKind
	// hardBlock vetoes the candidate; the chain substitutes a fallback.
	hardBlock bool
}

type stage interface {
	name() string
	apply(text string) stageResult
}

// Chain is the ordered guardrail pipeline.
type Chain struct {
	stages    []stage
	fallbacks []string
	logger    *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Chain.
type Option func(*Chain)

// WithRand sets the fallback-selection RNG, for deterministic tests.
func WithRand(r *rand.Rand) Option {
	return func(c *Chain) { c.rng = r }
}

// NewChain builds the standard four-stage chain from configuration:
// PII redaction, blocked patterns, length ceiling, bot phrases.
func NewChain(cfg config.GuardrailConfig, logger *slog.Logger, opts ...Option) *Chain {
	c := &Chain{
		fallbacks: cfg.FallbackResponses,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.stages = []stage{
		newPIIStage(cfg, logger),
		newBlockedPatternStage(cfg.BlockedPatterns, logger),
		newLengthStage(cfg.MaxResponseLength),
		newBotPhraseStage(cfg.BotPhrases),
	}
	return c
}

// Apply runs the candidate through every stage in order. The first hard
// block stops the chain and substitutes a fallback.
func (c *Chain) Apply(candidate string) Verdict {
	text := strings.TrimSpace(candidate)
	if text == "" {
		return Verdict{
			Allowed:    false,
			Text:       c.Fallback(),
			Violations: []ViolationKind{ViolationEmpty},
			Modified:   true,
		}
	}

	var violations []ViolationKind
	for _, s := range c.stages {
		res := s.apply(text)
		violations = append(violations, res.violations...)
		if res.hardBlock {
			if c.logger != nil {
				c.logger.Warn("guardrail blocked candidate", "stage", s.name(), "violations", len(violations))
			}
			return Verdict{
				Allowed:    false,
				Text:       c.Fallback(),
				Violations: violations,
				Modified:   true,
			}
		}
		text = res.text
	}

	// A stage rewrite may leave nothing behind; never send an empty string.
	if strings.TrimSpace(text) == "" {
		violations = append(violations, ViolationEmpty)
		return Verdict{
			Allowed:    false,
			Text:       c.Fallback(),
			Violations: violations,
			Modified:   true,
		}
	}

	return Verdict{
		Allowed:    true,
		Text:       text,
		Violations: violations,
		Modified:   text != candidate,
	}
}

// Fallback returns one of the configured safe responses.
func (c *Chain) Fallback() string {
	if len(c.fallbacks) == 0 {
		return "Thanks for your message! I'll get back to you soon."
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rng != nil {
		return c.fallbacks[c.rng.IntN(len(c.fallbacks))]
	}
	return c.fallbacks[rand.IntN(len(c.fallbacks))]
}
