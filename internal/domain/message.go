package domain

import "time"

// InboundMessage is one text message as delivered by a transport.
// Immutable once created.
type InboundMessage struct {
	ID         string
	SenderID   string
	Body       string
	ReceivedAt time.Time
	Transport  string
}

// Role identifies who authored a history turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is a single entry in a recipient's recent history.
type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// ContactProfile carries per-recipient personalization. Supplied externally
// (CLI, contact editor) and read-only to the pipeline.
type ContactProfile struct {
	Name              string
	Relation          string
	CustomInstruction string
}

// RecipientState is the persisted per-recipient conversation state. One
// instance per recipient id, created lazily on first contact and mutated
// only by the pipeline controller after a full run commits.
type RecipientState struct {
	RecipientID     string
	LastMessageSent string
	LastSentAt      time.Time
	LastWasQuestion bool
	Profile         ContactProfile
	History         []Turn
}

// Clone returns a deep copy so a pipeline run can stage mutations without
// touching the committed state.
func (s *RecipientState) Clone() *RecipientState {
	c := *s
	c.History = make([]Turn, len(s.History))
	copy(c.History, s.History)
	return &c
}
