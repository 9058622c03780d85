package domain

import "context"

// Transport is the narrow contract the pipeline depends on for actual
// message delivery. SMS mechanics (Termux subprocess calls, Telegram
// polling) live entirely behind it.
type Transport interface {
	Name() string
	// PollInbox returns messages that arrived since the previous poll.
	// May return an empty slice.
	PollInbox(ctx context.Context) ([]InboundMessage, error)
	Send(ctx context.Context, recipientID, text string) error
}
