package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"os"
	"testing"
	"time"

	"smsagent/internal/config"
	"smsagent/internal/domain"
	"smsagent/internal/guardrail"
	"smsagent/internal/ratelimit"
	"smsagent/internal/rules"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeStore is an in-memory domain.StateStore.
type fakeStore struct {
	states     map[string]*domain.RecipientState
	violations []string
	loadErr    error
	commitErr  error
	commits    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]*domain.RecipientState)}
}

func (f *fakeStore) LoadState(ctx context.Context, id string) (*domain.RecipientState, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if s, ok := f.states[id]; ok {
		return s.Clone(), nil
	}
	return &domain.RecipientState{RecipientID: id}, nil
}

func (f *fakeStore) CommitState(ctx context.Context, s *domain.RecipientState) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits++
	f.states[s.RecipientID] = s.Clone()
	return nil
}

func (f *fakeStore) GetContact(ctx context.Context, id string) (*domain.ContactProfile, error) {
	return nil, nil
}

func (f *fakeStore) UpsertContact(ctx context.Context, id string, p domain.ContactProfile) error {
	return nil
}

func (f *fakeStore) LogViolation(ctx context.Context, id, original, violation, action, final string) error {
	f.violations = append(f.violations, violation)
	return nil
}

func (f *fakeStore) LogCompletion(ctx context.Context, rec domain.CompletionLog) error { return nil }
func (f *fakeStore) Close() error                                                      { return nil }

// fakeTransport records sends and can be told to fail.
type fakeTransport struct {
	sent    []string
	sendErr error
}

func (f *fakeTransport) Name() string { return "fake" }
func (f *fakeTransport) PollInbox(ctx context.Context) ([]domain.InboundMessage, error) {
	return nil, nil
}
func (f *fakeTransport) Send(ctx context.Context, to, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

// fakeProvider returns a canned completion.
type fakeProvider struct {
	content string
	err     error
	calls   int
}

func (f *fakeProvider) Name() string                      { return "fake" }
func (f *fakeProvider) Healthy(ctx context.Context) error { return nil }
func (f *fakeProvider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &domain.CompletionResponse{Content: f.content, FinishReason: "stop"}, nil
}

func testGuardrailConfig() config.GuardrailConfig {
	return config.GuardrailConfig{
		MaxResponseLength: 160,
		BlockPhoneNumbers: true,
		BlockEmails:       true,
		BlockURLs:         true,
		BlockCreditCards:  true,
		BlockSSNs:         true,
		BlockedPatterns:   []string{"password"},
		FallbackResponses: []string{"Thanks for your message! I'll get back to you soon."},
	}
}

type controllerFixture struct {
	store      *fakeStore
	transport  *fakeTransport
	provider   *fakeProvider
	limiter    *ratelimit.Limiter
	controller *Controller
}

func newFixture(t *testing.T, rl config.RateLimitConfig, prov *fakeProvider) *controllerFixture {
	t.Helper()
	logger := testLogger()
	st := newFakeStore()
	tr := &fakeTransport{}

	engine := rules.NewEngine(rules.DefaultRules(), logger, rules.WithRand(rand.New(rand.NewPCG(1, 2))))
	guard := guardrail.NewChain(testGuardrailConfig(), logger, guardrail.WithRand(rand.New(rand.NewPCG(3, 4))))
	limiter := ratelimit.New(rl, logger)

	prompts := NewPromptBuilder("", "", 160, logger)
	var p domain.CompletionProvider
	if prov != nil {
		p = prov
	}
	orch := NewOrchestrator(engine, p, prompts, st, guard.Fallback, OrchestratorOptions{
		MaxTokens:   100,
		Temperature: 0.7,
		Timeout:     2 * time.Second,
		Enabled:     prov != nil,
	}, logger)

	return &controllerFixture{
		store:      st,
		transport:  tr,
		provider:   prov,
		limiter:    limiter,
		controller: NewController(st, tr, limiter, guard, orch, "+15550009999", 3, logger),
	}
}

func defaultLimits() config.RateLimitConfig {
	return config.RateLimitConfig{
		GlobalPerMinute:     10,
		PerRecipientPerHour: 5,
		PerRecipientPerDay:  20,
		BurstPerMinute:      5,
	}
}

func inbound(from, body string) domain.InboundMessage {
	return domain.InboundMessage{
		ID:         "m1",
		SenderID:   from,
		Body:       body,
		ReceivedAt: time.Now(),
		Transport:  "fake",
	}
}

// --- Full pipeline paths ---

func TestController_RuleMatchSends(t *testing.T) {
	fx := newFixture(t, defaultLimits(), nil)

	out, err := fx.controller.Handle(context.Background(), inbound("+15550001234", "thanks!"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Disposition != domain.DispositionSent {
		t.Fatalf("expected sent, got %q", out.Disposition)
	}
	if out.Source != domain.SourceRule || out.RuleName != "thanks" {
		t.Fatalf("expected thanks rule, got source=%q rule=%q", out.Source, out.RuleName)
	}
	if len(fx.transport.sent) != 1 || fx.transport.sent[0] != out.Response {
		t.Fatalf("transport saw %v, outcome says %q", fx.transport.sent, out.Response)
	}
}

func TestController_GeneratedResponse(t *testing.T) {
	prov := &fakeProvider{content: "On my way, be there in 10."}
	fx := newFixture(t, defaultLimits(), prov)

	out, err := fx.controller.Handle(context.Background(), inbound("+15550001234", "where are you right now please"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Source != domain.SourceGenerated {
		t.Fatalf("expected generated, got %q", out.Source)
	}
	if out.Response != "On my way, be there in 10." {
		t.Fatalf("got %q", out.Response)
	}
}

func TestController_SelfMessageSuppressed(t *testing.T) {
	fx := newFixture(t, defaultLimits(), nil)

	out, err := fx.controller.Handle(context.Background(), inbound("+15550009999", "hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Disposition != domain.DispositionSuppressed {
		t.Fatalf("expected suppressed, got %q", out.Disposition)
	}
	if len(fx.transport.sent) != 0 {
		t.Fatal("suppressed message must not reach the transport")
	}
	if fx.store.commits != 0 {
		t.Fatal("suppression must not commit state")
	}
}

func TestController_NoiseOnlySuppressed(t *testing.T) {
	rl := defaultLimits()
	rl.BurstPerMinute = 1
	fx := newFixture(t, rl, nil)

	out, err := fx.controller.Handle(context.Background(), inbound("+15550001234", "Sent:"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Disposition != domain.DispositionSuppressed {
		t.Fatalf("expected suppressed, got %q", out.Disposition)
	}
	if len(fx.transport.sent) != 0 || fx.store.commits != 0 {
		t.Fatal("noise must not send or commit")
	}

	// Silence is free: the burst slot is still available for a real message.
	out, err = fx.controller.Handle(context.Background(), inbound("+15550001234", "thanks"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Disposition != domain.DispositionSent {
		t.Fatalf("expected sent, got %q", out.Disposition)
	}
}

func TestController_EchoSuppressed(t *testing.T) {
	fx := newFixture(t, defaultLimits(), nil)
	fx.store.states["+15550001234"] = &domain.RecipientState{
		RecipientID:     "+15550001234",
		LastMessageSent: "You're welcome!",
	}

	out, err := fx.controller.Handle(context.Background(), inbound("+15550001234", "You're welcome!"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Disposition != domain.DispositionSuppressed {
		t.Fatalf("expected suppressed, got %q", out.Disposition)
	}
}

func TestController_RateLimitDenied(t *testing.T) {
	rl := defaultLimits()
	rl.BurstPerMinute = 1
	fx := newFixture(t, rl, nil)

	if out, _ := fx.controller.Handle(context.Background(), inbound("+15550001234", "thanks")); out.Disposition != domain.DispositionSent {
		t.Fatalf("first message should send, got %q", out.Disposition)
	}
	commitsAfterFirst := fx.store.commits

	out, err := fx.controller.Handle(context.Background(), inbound("+15550001234", "thanks again"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Disposition != domain.DispositionRateLimited {
		t.Fatalf("expected rate_limited, got %q", out.Disposition)
	}
	if out.RetryAfterSeconds <= 0 {
		t.Fatalf("expected positive retry-after, got %f", out.RetryAfterSeconds)
	}
	if len(fx.transport.sent) != 1 {
		t.Fatal("denied message must not reach the transport")
	}
	if fx.store.commits != commitsAfterFirst {
		t.Fatal("denied run must not commit state")
	}
}

func TestController_GuardrailHardBlockSendsFallback(t *testing.T) {
	prov := &fakeProvider{content: "Sure, the password is hunter2"}
	fx := newFixture(t, defaultLimits(), prov)

	out, err := fx.controller.Handle(context.Background(), inbound("+15550001234", "what's the wifi login again, do you remember it"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Disposition != domain.DispositionSent {
		t.Fatalf("blocked candidate still sends a fallback, got %q", out.Disposition)
	}
	if out.Source != domain.SourceFallback || !out.Guarded {
		t.Fatalf("expected guarded fallback, got source=%q guarded=%v", out.Source, out.Guarded)
	}
	if len(fx.store.violations) == 0 {
		t.Fatal("hard block must be logged")
	}
	// The fallback send still consumed the rate budget.
	if out.Response == "" || out.Response == prov.content {
		t.Fatalf("fallback text expected, got %q", out.Response)
	}
}

func TestController_SendFailureRollsBack(t *testing.T) {
	rl := defaultLimits()
	rl.BurstPerMinute = 1
	fx := newFixture(t, rl, nil)
	fx.store.states["+15550001234"] = &domain.RecipientState{
		RecipientID:     "+15550001234",
		LastMessageSent: "earlier reply",
	}
	fx.transport.sendErr = errors.New("radio off")

	out, err := fx.controller.Handle(context.Background(), inbound("+15550001234", "thanks"))
	if err == nil {
		t.Fatal("expected a pipeline error")
	}
	if out.Disposition != domain.DispositionFailed {
		t.Fatalf("expected failed, got %q", out.Disposition)
	}
	if got := fx.store.states["+15550001234"].LastMessageSent; got != "earlier reply" {
		t.Fatalf("state not rolled back: %q", got)
	}

	// The reservation was released: with the transport healthy again the
	// burst window of 1 still admits the retry.
	fx.transport.sendErr = nil
	out, err = fx.controller.Handle(context.Background(), inbound("+15550001234", "thanks"))
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if out.Disposition != domain.DispositionSent {
		t.Fatalf("expected sent after release, got %q", out.Disposition)
	}
}

func TestController_HistoryCommitted(t *testing.T) {
	fx := newFixture(t, defaultLimits(), nil)

	out, err := fx.controller.Handle(context.Background(), inbound("+15550001234", "thanks"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st := fx.store.states["+15550001234"]
	if st == nil {
		t.Fatal("state not committed")
	}
	if st.LastMessageSent != out.Response {
		t.Fatalf("LastMessageSent=%q, sent %q", st.LastMessageSent, out.Response)
	}
	if len(st.History) != 2 {
		t.Fatalf("expected user+agent turns, got %d", len(st.History))
	}
	if st.History[0].Role != domain.RoleUser || st.History[1].Role != domain.RoleAgent {
		t.Fatalf("wrong roles: %+v", st.History)
	}
}

func TestController_QuestionMarksOpen(t *testing.T) {
	prov := &fakeProvider{content: "Sure - what time works for you?"}
	fx := newFixture(t, defaultLimits(), prov)

	if _, err := fx.controller.Handle(context.Background(), inbound("+15550001234", "can we meet tomorrow sometime maybe")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fx.store.states["+15550001234"].LastWasQuestion {
		t.Fatal("question response must set LastWasQuestion")
	}
}

func TestController_EvictIdleLocks(t *testing.T) {
	fx := newFixture(t, defaultLimits(), nil)

	if _, err := fx.controller.Handle(context.Background(), inbound("+15550001234", "thanks")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fx.controller.locks) != 1 {
		t.Fatalf("expected one lock entry, got %d", len(fx.controller.locks))
	}

	// Still fresh: nothing to evict.
	if n := fx.controller.EvictIdleLocks(time.Hour); n != 0 {
		t.Fatalf("fresh lock evicted: %d", n)
	}

	fx.controller.locks["+15550001234"].lastUsed = time.Now().Add(-2 * time.Hour)
	if n := fx.controller.EvictIdleLocks(time.Hour); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if len(fx.controller.locks) != 0 {
		t.Fatal("lock entry not removed")
	}

	// The recipient still works after eviction; a fresh entry is created.
	if out, err := fx.controller.Handle(context.Background(), inbound("+15550001234", "thanks again")); err != nil || out.Disposition != domain.DispositionSent {
		t.Fatalf("post-eviction handle: disposition=%q err=%v", out.Disposition, err)
	}
}

func TestEvictIdleLocks_SkipsHeldEntries(t *testing.T) {
	fx := newFixture(t, defaultLimits(), nil)

	l := fx.controller.acquireLock("+15550001234")
	l.lastUsed = time.Now().Add(-2 * time.Hour)
	if n := fx.controller.EvictIdleLocks(time.Hour); n != 0 {
		t.Fatalf("in-use lock evicted: %d", n)
	}
	fx.controller.releaseLock(l)

	fx.controller.locks["+15550001234"].lastUsed = time.Now().Add(-2 * time.Hour)
	if n := fx.controller.EvictIdleLocks(time.Hour); n != 1 {
		t.Fatalf("expected eviction after release, got %d", n)
	}
}

func TestController_LoadErrorFails(t *testing.T) {
	fx := newFixture(t, defaultLimits(), nil)
	fx.store.loadErr = &domain.StorageError{Op: "load state", Err: errors.New("disk gone")}

	out, err := fx.controller.Handle(context.Background(), inbound("+15550001234", "thanks"))
	if err == nil {
		t.Fatal("expected error")
	}
	var se *domain.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError in chain, got %v", err)
	}
	if out.Disposition != domain.DispositionFailed {
		t.Fatalf("expected failed, got %q", out.Disposition)
	}
}
