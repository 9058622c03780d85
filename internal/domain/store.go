package domain

import (
	"context"
	"fmt"
)

// StorageError wraps a persistence failure. It is fatal to the current
// pipeline run: no partial state is committed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// StateStore is the persistence collaborator. The pipeline never touches
// storage directly, only through this interface.
type StateStore interface {
	// LoadState returns the state for a recipient, creating an empty one
	// when the recipient has never been seen.
	LoadState(ctx context.Context, recipientID string) (*RecipientState, error)
	CommitState(ctx context.Context, state *RecipientState) error

	GetContact(ctx context.Context, recipientID string) (*ContactProfile, error)
	UpsertContact(ctx context.Context, recipientID string, profile ContactProfile) error

	// LogViolation records a guardrail intervention for audit.
	LogViolation(ctx context.Context, recipientID, original, violation, action, final string) error
	// LogCompletion records one provider call for audit.
	LogCompletion(ctx context.Context, rec CompletionLog) error

	Close() error
}

// CompletionLog is one audit row for a provider call.
type CompletionLog struct {
	RequestID string
	Provider  string
	Model     string
	Prompt    string
	Response  string
	Tokens    int
	LatencyMs int64
	Status    string // ok | error
	Error     string
}
