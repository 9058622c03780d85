package guardrail

import (
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"testing"
	"unicode/utf8"

	"smsagent/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.GuardrailConfig {
	return config.GuardrailConfig{
		MaxResponseLength: 120,
		BlockPhoneNumbers: true,
		BlockEmails:       true,
		BlockURLs:         true,
		BlockCreditCards:  true,
		BlockSSNs:         true,
		BlockedPatterns:   []string{"password", "credit card", "social security"},
		BotPhrases:        []string{"As an AI", "As a language model"},
		FallbackResponses: []string{"Thanks for your message! I'll get back to you soon."},
	}
}

func newTestChain(cfg config.GuardrailConfig) *Chain {
	return NewChain(cfg, testLogger(), WithRand(rand.New(rand.NewPCG(21, 22))))
}

// --- Clean candidates ---

func TestApply_CleanTextPassesUntouched(t *testing.T) {
	c := newTestChain(testConfig())
	v := c.Apply("See you at 8!")
	if !v.Allowed || v.Modified || v.Guarded() {
		t.Fatalf("clean text flagged: %+v", v)
	}
	if v.Text != "See you at 8!" {
		t.Fatalf("text changed: %q", v.Text)
	}
}

// --- PII redaction ---

func TestApply_RedactsPhoneNumber(t *testing.T) {
	c := newTestChain(testConfig())
	v := c.Apply("Call me at 555-123-4567 tomorrow")
	if !v.Allowed {
		t.Fatal("redaction must not hard-block")
	}
	if strings.Contains(v.Text, "555-123-4567") {
		t.Fatalf("phone number survived: %q", v.Text)
	}
	if !strings.Contains(v.Text, "[REDACTED]") {
		t.Fatalf("no redaction mark: %q", v.Text)
	}
	if !v.Modified || !hasViolation(v, ViolationPhoneNumber) {
		t.Fatalf("verdict wrong: %+v", v)
	}
}

func TestApply_RedactsEmailAndURL(t *testing.T) {
	c := newTestChain(testConfig())
	v := c.Apply("Write to bob@example.com or check https://example.com/x")
	if strings.Contains(v.Text, "bob@example.com") || strings.Contains(v.Text, "https://") {
		t.Fatalf("PII survived: %q", v.Text)
	}
	if !hasViolation(v, ViolationEmail) || !hasViolation(v, ViolationURL) {
		t.Fatalf("violations missing: %v", v.Violations)
	}
}

func TestApply_DisabledChecksSkipped(t *testing.T) {
	cfg := testConfig()
	cfg.BlockEmails = false
	c := newTestChain(cfg)
	v := c.Apply("Write to bob@example.com")
	if !strings.Contains(v.Text, "bob@example.com") {
		t.Fatal("disabled email check still redacted")
	}
}

// --- Hard blocks ---

func TestApply_BlockedPatternSubstitutesFallback(t *testing.T) {
	c := newTestChain(testConfig())
	v := c.Apply("Sure! Your PASSWORD is hunter2")
	if v.Allowed {
		t.Fatal("blocked pattern must veto the candidate")
	}
	if v.Text != "Thanks for your message! I'll get back to you soon." {
		t.Fatalf("expected fallback, got %q", v.Text)
	}
	if !hasViolation(v, ViolationBlockedPhrase) {
		t.Fatalf("violations: %v", v.Violations)
	}
}

func TestApply_EmptyCandidateGetsFallback(t *testing.T) {
	c := newTestChain(testConfig())
	for _, in := range []string{"", "   \n"} {
		v := c.Apply(in)
		if v.Allowed || v.Text == "" {
			t.Fatalf("empty input %q: %+v", in, v)
		}
		if !hasViolation(v, ViolationEmpty) {
			t.Fatalf("violations: %v", v.Violations)
		}
	}
}

// --- Length ceiling ---

func TestApply_TruncatesAtSentenceBoundary(t *testing.T) {
	cfg := testConfig()
	cfg.MaxResponseLength = 40
	c := newTestChain(cfg)
	v := c.Apply("This sentence fits in budget. This trailing one does not fit at all.")
	if v.Text != "This sentence fits in budget." {
		t.Fatalf("got %q", v.Text)
	}
	if !hasViolation(v, ViolationLength) {
		t.Fatalf("violations: %v", v.Violations)
	}
}

func TestApply_TruncatesAtWordBoundaryWithEllipsis(t *testing.T) {
	cfg := testConfig()
	cfg.MaxResponseLength = 40
	c := newTestChain(cfg)
	v := c.Apply("one long breathless run of words with no punctuation anywhere to break on")
	if len(v.Text) > 40 {
		t.Fatalf("still too long (%d): %q", len(v.Text), v.Text)
	}
	if !strings.HasSuffix(v.Text, "...") {
		t.Fatalf("expected ellipsis: %q", v.Text)
	}
	if strings.Contains(v.Text, "  ") || strings.HasSuffix(strings.TrimSuffix(v.Text, "..."), " ") {
		t.Fatalf("untidy truncation: %q", v.Text)
	}
}

func TestApply_TruncatesMultibyteOnRuneBoundary(t *testing.T) {
	cfg := testConfig()
	cfg.MaxResponseLength = 40
	c := newTestChain(cfg)
	v := c.Apply(strings.Repeat("é", 60))
	if !utf8.ValidString(v.Text) {
		t.Fatalf("truncation produced invalid UTF-8: %q", v.Text)
	}
	if n := utf8.RuneCountInString(v.Text); n > 40 {
		t.Fatalf("still too long (%d runes): %q", n, v.Text)
	}
	if !strings.HasSuffix(v.Text, "...") {
		t.Fatalf("expected ellipsis: %q", v.Text)
	}
	if !hasViolation(v, ViolationLength) {
		t.Fatalf("violations: %v", v.Violations)
	}
}

func TestApply_MultibyteWithinLimitUntouched(t *testing.T) {
	cfg := testConfig()
	cfg.MaxResponseLength = 40
	c := newTestChain(cfg)
	// 30 characters but 60 bytes; the ceiling counts characters.
	v := c.Apply(strings.Repeat("é", 30))
	if v.Modified {
		t.Fatalf("text under the character limit must pass: %q", v.Text)
	}
}

func TestApply_ExactLimitNotTruncated(t *testing.T) {
	cfg := testConfig()
	cfg.MaxResponseLength = 10
	c := newTestChain(cfg)
	v := c.Apply("abcdefghij")
	if v.Modified {
		t.Fatalf("text at exactly the limit must pass: %q", v.Text)
	}
}

// --- Bot phrases ---

func TestApply_StripsBotSentences(t *testing.T) {
	c := newTestChain(testConfig())
	v := c.Apply("As an AI, I cannot feel things. Dinner at 7 works for me!")
	if !v.Allowed {
		t.Fatal("bot phrase strip must not hard-block when content survives")
	}
	if v.Text != "Dinner at 7 works for me!" {
		t.Fatalf("got %q", v.Text)
	}
	if !hasViolation(v, ViolationBotPhrase) {
		t.Fatalf("violations: %v", v.Violations)
	}
}

func TestApply_AllBotSentencesYieldsFallback(t *testing.T) {
	c := newTestChain(testConfig())
	v := c.Apply("As an AI, I cannot help. As a language model, I have limits.")
	if v.Allowed {
		t.Fatal("fully stripped candidate must fall back")
	}
	if v.Text == "" {
		t.Fatal("chain output must never be empty")
	}
}

// --- Fallbacks ---

func TestFallback_NeverEmpty(t *testing.T) {
	c := NewChain(config.GuardrailConfig{MaxResponseLength: 100}, testLogger())
	if c.Fallback() == "" {
		t.Fatal("fallback with no configured responses must still return text")
	}
}

func hasViolation(v Verdict, kind ViolationKind) bool {
	for _, k := range v.Violations {
		if k == kind {
			return true
		}
	}
	return false
}
