package domain

// Disposition is the definitive outcome of one pipeline run.
type Disposition string

const (
	// DispositionSent: a vetted response was handed to the transport.
	DispositionSent Disposition = "sent"
	// DispositionSuppressed: loop guard or sanitizer decided on silence.
	// Free: no rate-limiter charge, no history append.
	DispositionSuppressed Disposition = "suppressed"
	// DispositionRateLimited: an outbound slot was denied.
	DispositionRateLimited Disposition = "rate_limited"
	// DispositionFailed: delivery failed after a vetted candidate was
	// produced; state was rolled back and the event may be retried
	// externally.
	DispositionFailed Disposition = "failed"
)

// Source identifies which path produced the outbound text.
type Source string

const (
	SourceRule      Source = "rule"
	SourceGenerated Source = "generated"
	SourceFallback  Source = "fallback"
)

// Outcome summarizes one handled inbound message.
type Outcome struct {
	Disposition Disposition
	Response    string
	Source      Source
	RuleName    string
	// RetryAfterSeconds is set when Disposition is rate_limited.
	RetryAfterSeconds float64
	// Guarded is true when the guardrail chain rewrote or replaced the
	// candidate.
	Guarded bool
}
