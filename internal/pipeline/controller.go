package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"smsagent/internal/domain"
	"smsagent/internal/guardrail"
	"smsagent/internal/ratelimit"
)

// Controller drives one inbound message through the full pipeline:
// sanitize, loop checks, rate limiting, response selection, guardrails,
// state commit, and transport handoff. Messages for the same recipient
// are processed strictly one at a time.
type Controller struct {
	store        domain.StateStore
	transport    domain.Transport
	limiter      *ratelimit.Limiter
	guardrails   *guardrail.Chain
	orchestrator *Orchestrator
	selfNumber   string
	lookback     int
	logger       *slog.Logger

	mu    sync.Mutex
	locks map[string]*recipientLock
}

// recipientLock serializes runs for one recipient. refs counts waiters so
// housekeeping never evicts an entry a worker is about to lock.
type recipientLock struct {
	mu       sync.Mutex
	refs     int
	lastUsed time.Time
}

func NewController(store domain.StateStore, transport domain.Transport, limiter *ratelimit.Limiter, guardrails *guardrail.Chain, orchestrator *Orchestrator, selfNumber string, lookback int, logger *slog.Logger) *Controller {
	return &Controller{
		store:        store,
		transport:    transport,
		limiter:      limiter,
		guardrails:   guardrails,
		orchestrator: orchestrator,
		selfNumber:   selfNumber,
		lookback:     lookback,
		logger:       logger,
		locks:        make(map[string]*recipientLock),
	}
}

func (c *Controller) acquireLock(id string) *recipientLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &recipientLock{}
		c.locks[id] = l
	}
	l.refs++
	l.lastUsed = time.Now()
	return l
}

func (c *Controller) releaseLock(l *recipientLock) {
	c.mu.Lock()
	l.refs--
	l.lastUsed = time.Now()
	c.mu.Unlock()
}

// EvictIdleLocks drops per-recipient lock entries not used for maxAge and
// with no waiters, and returns how many were removed. Correctness does not
// depend on it; it keeps the map bounded on a long-running device.
func (c *Controller) EvictIdleLocks(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, l := range c.locks {
		if l.refs == 0 && l.lastUsed.Before(cutoff) {
			delete(c.locks, id)
			removed++
		}
	}
	return removed
}

// Handle processes one inbound message end to end and reports what
// happened to it. A non-nil error means the pipeline itself failed, not
// that the message was suppressed or rate limited.
func (c *Controller) Handle(ctx context.Context, msg domain.InboundMessage) (domain.Outcome, error) {
	lock := c.acquireLock(msg.SenderID)
	lock.mu.Lock()
	defer func() {
		lock.mu.Unlock()
		c.releaseLock(lock)
	}()

	san := Sanitize(msg.Body)

	state, err := c.store.LoadState(ctx, msg.SenderID)
	if err != nil {
		return domain.Outcome{Disposition: domain.DispositionFailed}, fmt.Errorf("load state for %s: %w", msg.SenderID, err)
	}

	if reason := ShouldSuppress(msg.SenderID, san, c.selfNumber, state); reason != SuppressNone {
		c.logger.Debug("message suppressed", "sender", msg.SenderID, "reason", string(reason))
		return domain.Outcome{Disposition: domain.DispositionSuppressed}, nil
	}

	reservation, res := c.limiter.Reserve(msg.SenderID)
	if !res.Allowed {
		c.logger.Info("rate limited",
			"sender", msg.SenderID,
			"window", string(res.DeniedBy),
			"retry_after_s", res.RetryAfter.Seconds())
		return domain.Outcome{
			Disposition:       domain.DispositionRateLimited,
			RetryAfterSeconds: res.RetryAfter.Seconds(),
		}, nil
	}

	summary := BuildContext(state, c.lookback, san.Clean)
	candidate := c.orchestrator.Respond(ctx, san.Clean, summary)

	verdict := c.guardrails.Apply(candidate.Text)
	response := verdict.Text
	if verdict.Guarded() {
		c.logViolations(ctx, msg.SenderID, candidate.Text, verdict)
	}
	if !verdict.Allowed {
		// Hard block replaces the candidate but the send still counts
		// against the sender's rate windows.
		candidate.Source = domain.SourceFallback
		candidate.RuleName = ""
	}

	staged := state.Clone()
	RecordTurn(staged, domain.RoleUser, san.Clean, msg.ReceivedAt, c.lookback)
	RecordTurn(staged, domain.RoleAgent, response, time.Now(), c.lookback)
	staged.LastMessageSent = response
	staged.LastSentAt = time.Now()
	staged.LastWasQuestion = endsWithQuestion(response)

	if err := c.store.CommitState(ctx, staged); err != nil {
		reservation.Release()
		return domain.Outcome{Disposition: domain.DispositionFailed}, fmt.Errorf("commit state for %s: %w", msg.SenderID, err)
	}

	if err := c.transport.Send(ctx, msg.SenderID, response); err != nil {
		reservation.Release()
		if rbErr := c.store.CommitState(ctx, state); rbErr != nil {
			c.logger.Error("state rollback failed", "sender", msg.SenderID, "err", rbErr)
		}
		return domain.Outcome{Disposition: domain.DispositionFailed}, fmt.Errorf("send to %s: %w", msg.SenderID, err)
	}

	reservation.Confirm()
	c.logger.Info("response sent",
		"sender", msg.SenderID,
		"source", string(candidate.Source),
		"guarded", verdict.Guarded(),
		"chars", len(response))

	return domain.Outcome{
		Disposition: domain.DispositionSent,
		Response:    response,
		Source:      candidate.Source,
		RuleName:    candidate.RuleName,
		Guarded:     verdict.Guarded(),
	}, nil
}

func (c *Controller) logViolations(ctx context.Context, recipientID, original string, verdict guardrail.Verdict) {
	action := "rewritten"
	if !verdict.Allowed {
		action = "blocked"
	}
	for _, v := range verdict.Violations {
		if err := c.store.LogViolation(ctx, recipientID, original, string(v), action, verdict.Text); err != nil {
			c.logger.Warn("cannot log guardrail violation", "err", err)
		}
	}
}

func endsWithQuestion(text string) bool {
	for i := len(text) - 1; i >= 0; i-- {
		switch text[i] {
		case ' ', '\t', '\n', '\r':
			continue
		case '?':
			return true
		default:
			return false
		}
	}
	return false
}
