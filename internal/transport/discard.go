package transport

import (
	"context"

	"smsagent/internal/domain"
)

// Discard is a transport that never receives and drops everything it
// sends. Used for dry runs.
type Discard struct{}

func (Discard) Name() string { return "discard" }

func (Discard) PollInbox(ctx context.Context) ([]domain.InboundMessage, error) {
	return nil, nil
}

func (Discard) Send(ctx context.Context, recipientID, text string) error {
	return nil
}
