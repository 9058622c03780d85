package pipeline

import (
	"strings"
	"time"

	"smsagent/internal/domain"
)

// genericGreetings are inbound texts that reset an open question: when the
// agent's last turn asked something and the human answers with a bare
// greeting, the conversation is treated as starting over rather than as an
// answer to the question.
var genericGreetings = map[string]bool{
	"hi":             true,
	"hello":          true,
	"hey":            true,
	"yo":             true,
	"sup":            true,
	"hola":           true,
	"good morning":   true,
	"good afternoon": true,
	"good evening":   true,
}

// ContextSummary is a read-only projection of a recipient's recent state,
// handed to the orchestrator for prompt composition.
type ContextSummary struct {
	// Turns are the last N exchanges, oldest first.
	Turns []domain.Turn
	// OpenQuestion is true when the most recent agent turn ended with a
	// question that the new inbound text appears to answer.
	OpenQuestion bool
	// FreshGreeting is true when an open question was overridden by a
	// generic greeting: respond as to a fresh hello.
	FreshGreeting bool
	Profile       domain.ContactProfile
}

// BuildContext projects the state for one pipeline run. inbound is the
// sanitized text of the message being handled.
func BuildContext(state *domain.RecipientState, lookback int, inbound string) ContextSummary {
	s := ContextSummary{Profile: state.Profile}

	turns := state.History
	if len(turns) > lookback {
		turns = turns[len(turns)-lookback:]
	}
	s.Turns = turns

	if state.LastWasQuestion {
		if IsGenericGreeting(inbound) {
			s.FreshGreeting = true
		} else {
			s.OpenQuestion = true
		}
	}
	return s
}

// IsGenericGreeting reports whether text is a bare greeting, ignoring case
// and trailing punctuation.
func IsGenericGreeting(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimRight(t, "!.?, ")
	return genericGreetings[t]
}

// RecordTurn appends a turn to the staged state, evicting the oldest once
// the history exceeds lookback. Strict FIFO bound.
func RecordTurn(state *domain.RecipientState, role domain.Role, text string, at time.Time, lookback int) {
	state.History = append(state.History, domain.Turn{Role: role, Text: text, At: at})
	if len(state.History) > lookback {
		state.History = state.History[len(state.History)-lookback:]
	}
}
