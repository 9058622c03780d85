package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"smsagent/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadState_UnknownRecipientIsFresh(t *testing.T) {
	s := newTestStore(t)

	state, err := s.LoadState(context.Background(), "+1555")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.RecipientID != "+1555" || state.LastMessageSent != "" || len(state.History) != 0 {
		t.Fatalf("expected empty state, got %+v", state)
	}
}

func TestCommitLoad_Roundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	in := &domain.RecipientState{
		RecipientID:     "+1555",
		LastMessageSent: "see you soon",
		LastSentAt:      now,
		LastWasQuestion: true,
		History: []domain.Turn{
			{Role: domain.RoleUser, Text: "coming?", At: now.Add(-time.Minute)},
			{Role: domain.RoleAgent, Text: "see you soon", At: now},
		},
	}
	if err := s.CommitState(ctx, in); err != nil {
		t.Fatalf("commit: %v", err)
	}

	out, err := s.LoadState(ctx, "+1555")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.LastMessageSent != "see you soon" || !out.LastWasQuestion {
		t.Fatalf("state fields lost: %+v", out)
	}
	if len(out.History) != 2 {
		t.Fatalf("history lost: %d turns", len(out.History))
	}
	if out.History[0].Role != domain.RoleUser || out.History[1].Text != "see you soon" {
		t.Fatalf("history order wrong: %+v", out.History)
	}
}

func TestCommitState_ReplacesHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	first := &domain.RecipientState{
		RecipientID: "+1555",
		History:     []domain.Turn{{Role: domain.RoleUser, Text: "old", At: base}},
	}
	if err := s.CommitState(ctx, first); err != nil {
		t.Fatal(err)
	}

	second := &domain.RecipientState{
		RecipientID: "+1555",
		History: []domain.Turn{
			{Role: domain.RoleUser, Text: "new one", At: base.Add(time.Second)},
			{Role: domain.RoleAgent, Text: "new two", At: base.Add(2 * time.Second)},
		},
	}
	if err := s.CommitState(ctx, second); err != nil {
		t.Fatal(err)
	}

	out, err := s.LoadState(ctx, "+1555")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.History) != 2 || out.History[0].Text != "new one" {
		t.Fatalf("history not replaced: %+v", out.History)
	}
}

func TestUpsertContact_KeepsExistingFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertContact(ctx, "+1555", domain.ContactProfile{Name: "Sam", Relation: "friend"}); err != nil {
		t.Fatal(err)
	}
	// Partial update: only instructions. Name and relation must survive.
	if err := s.UpsertContact(ctx, "+1555", domain.ContactProfile{CustomInstruction: "be brief"}); err != nil {
		t.Fatal(err)
	}

	p, err := s.GetContact(ctx, "+1555")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.Name != "Sam" || p.Relation != "friend" || p.CustomInstruction != "be brief" {
		t.Fatalf("got %+v", p)
	}
}

func TestGetContact_Missing(t *testing.T) {
	s := newTestStore(t)
	p, err := s.GetContact(context.Background(), "+1999")
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Fatalf("expected nil profile, got %+v", p)
	}
}

func TestLoadState_IncludesContactProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertContact(ctx, "+1555", domain.ContactProfile{Name: "Sam"}); err != nil {
		t.Fatal(err)
	}
	state, err := s.LoadState(ctx, "+1555")
	if err != nil {
		t.Fatal(err)
	}
	if state.Profile.Name != "Sam" {
		t.Fatalf("profile not joined into state: %+v", state.Profile)
	}
}

func TestAuditLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.LogViolation(ctx, "+1555", "bad text", "phone_number", "rewritten", "ok text"); err != nil {
		t.Fatalf("log violation: %v", err)
	}
	if err := s.LogCompletion(ctx, domain.CompletionLog{
		RequestID: "r1", Provider: "groq", Model: "m", Prompt: "p", Response: "r",
		Tokens: 42, LatencyMs: 120, Status: "ok",
	}); err != nil {
		t.Fatalf("log completion: %v", err)
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM guardrail_violations`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("violations count %d err %v", n, err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM completion_log`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("completion count %d err %v", n, err)
	}
}

func TestStorageError_Wrapping(t *testing.T) {
	s := newTestStore(t)
	s.Close() // force failures

	_, err := s.LoadState(context.Background(), "+1555")
	if err == nil {
		t.Fatal("expected error on closed store")
	}
	var se *domain.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %T", err)
	}
}
