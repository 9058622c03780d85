package pipeline

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"smsagent/internal/domain"
	"smsagent/internal/rules"
)

func newOrchestrator(t *testing.T, prov domain.CompletionProvider, enabled bool) *Orchestrator {
	t.Helper()
	logger := testLogger()
	engine := rules.NewEngine(rules.DefaultRules(), logger, rules.WithRand(rand.New(rand.NewPCG(7, 8))))
	prompts := NewPromptBuilder("", "", 160, logger)
	fallback := func() string { return "fallback text" }
	return NewOrchestrator(engine, prov, prompts, newFakeStore(), fallback, OrchestratorOptions{
		MaxTokens: 100,
		Timeout:   time.Second,
		Enabled:   enabled,
	}, logger)
}

func TestOrchestrator_RuleFastPathSkipsProvider(t *testing.T) {
	prov := &fakeProvider{content: "should not be used"}
	o := newOrchestrator(t, prov, true)

	c := o.Respond(context.Background(), "thanks a lot", ContextSummary{})
	if c.Source != domain.SourceRule || c.RuleName != "thanks" {
		t.Fatalf("expected thanks rule, got source=%q rule=%q", c.Source, c.RuleName)
	}
	if prov.calls != 0 {
		t.Fatalf("provider must not be called on a rule match, saw %d calls", prov.calls)
	}
}

func TestOrchestrator_GenerationDisabledUsesFallback(t *testing.T) {
	o := newOrchestrator(t, nil, false)
	c := o.Respond(context.Background(), "dinner plans moved to tuesday evening", ContextSummary{})
	if c.Source != domain.SourceFallback || c.Text != "fallback text" {
		t.Fatalf("expected fallback, got source=%q text=%q", c.Source, c.Text)
	}
}

func TestOrchestrator_ProviderFailureRetriesThenFallsBack(t *testing.T) {
	prov := &fakeProvider{err: errors.New("upstream down")}
	o := newOrchestrator(t, prov, true)

	c := o.Respond(context.Background(), "unmatched free-form words about dinner plans", ContextSummary{})
	if c.Source != domain.SourceFallback {
		t.Fatalf("expected fallback, got %q", c.Source)
	}
	if prov.calls != 2 {
		t.Fatalf("expected one retry (2 calls), got %d", prov.calls)
	}
}

func TestOrchestrator_HigherPriorityRuleWins(t *testing.T) {
	o := newOrchestrator(t, nil, false)
	// "help" (60) outranks "greeting" (50) when both match.
	c := o.Respond(context.Background(), "hello, I need help", ContextSummary{})
	if c.RuleName != "help" {
		t.Fatalf("expected help rule, got %q", c.RuleName)
	}
}

func TestPromptBuilder_SystemMessageContents(t *testing.T) {
	p := NewPromptBuilder("", "", 160, testLogger())
	msgs := p.Build("see you there", ContextSummary{
		Turns: []domain.Turn{
			{Role: domain.RoleUser, Text: "you coming?"},
			{Role: domain.RoleAgent, Text: "yes, leaving now"},
		},
		Profile: domain.ContactProfile{Name: "Sam", Relation: "friend", CustomInstruction: "keep it casual"},
	})

	if len(msgs) != 4 {
		t.Fatalf("expected system + 2 turns + user, got %d", len(msgs))
	}
	sys := msgs[0]
	if sys.Role != "system" {
		t.Fatalf("first message must be system, got %q", sys.Role)
	}
	for _, want := range []string{"Talking to: Sam", "Relation: friend", "keep it casual", "under 160 characters"} {
		if !strings.Contains(sys.Content, want) {
			t.Fatalf("system prompt missing %q", want)
		}
	}
	if msgs[1].Role != "user" || msgs[2].Role != "assistant" {
		t.Fatalf("history roles wrong: %q %q", msgs[1].Role, msgs[2].Role)
	}
	if msgs[3].Content != "see you there" {
		t.Fatalf("last message must be the inbound text, got %q", msgs[3].Content)
	}
}
