package pipeline

import "smsagent/internal/domain"

// SuppressReason says why the loop guard decided on silence.
type SuppressReason string

const (
	SuppressNone      SuppressReason = ""
	SuppressSelf      SuppressReason = "self_message"
	SuppressNoise     SuppressReason = "noise_only"
	SuppressEchoLoop  SuppressReason = "echo_loop"
)

// ShouldSuppress decides whether an inbound message must produce no reply
// at all. Suppression is terminal for the event: no rate-limiter charge, no
// history append, no outbound send — silence is always free.
//
// The echo comparison is exact and case-sensitive: an inbound body
// identical to the agent's own last transmitted text is a delivery echo,
// while legitimately similar human replies almost never match byte for
// byte.
func ShouldSuppress(senderID string, san SanitizeResult, selfID string, state *domain.RecipientState) SuppressReason {
	if selfID != "" && senderID == selfID {
		return SuppressSelf
	}
	if san.NoiseOnly {
		return SuppressNoise
	}
	if state != nil && state.LastMessageSent != "" && san.Clean == state.LastMessageSent {
		return SuppressEchoLoop
	}
	return SuppressNone
}
