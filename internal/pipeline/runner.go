package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"smsagent/internal/domain"
	"smsagent/internal/metrics"
	"smsagent/internal/ratelimit"
)

const idleEvictInterval = 10 * time.Minute

// Runner owns the daemon lifecycle: one poller goroutine feeding the
// bus, a pool of workers draining it into the controller, and a
// housekeeping ticker. Shutdown drains messages already queued before
// returning.
type Runner struct {
	transport    domain.Transport
	bus          domain.MessageBus
	controller   *Controller
	limiter      *ratelimit.Limiter
	pollInterval time.Duration
	workers      int
	logger       *slog.Logger
}

func NewRunner(transport domain.Transport, b domain.MessageBus, controller *Controller, limiter *ratelimit.Limiter, pollInterval time.Duration, workers int, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		transport:    transport,
		bus:          b,
		controller:   controller,
		limiter:      limiter,
		pollInterval: pollInterval,
		workers:      workers,
		logger:       logger,
	}
}

// Run blocks until ctx is cancelled, then drains the bus and returns.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("pipeline starting",
		"transport", r.transport.Name(),
		"workers", r.workers,
		"poll_interval", r.pollInterval)

	var workerWG sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		workerWG.Add(1)
		go func(id int) {
			defer workerWG.Done()
			r.workerLoop(id)
		}(i)
	}

	var pollWG sync.WaitGroup
	pollWG.Add(2)
	go func() {
		defer pollWG.Done()
		r.pollLoop(ctx)
	}()
	go func() {
		defer pollWG.Done()
		r.housekeepingLoop(ctx)
	}()

	<-ctx.Done()
	r.logger.Info("pipeline stopping, draining queue", "queued", r.bus.Depth())

	pollWG.Wait()
	// Closing the bus lets workers finish whatever is already queued.
	r.bus.Close()
	workerWG.Wait()

	r.logger.Info("pipeline stopped")
	return nil
}

func (r *Runner) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, err := r.transport.PollInbox(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("inbox poll failed", "transport", r.transport.Name(), "err", err)
				}
				continue
			}
			for _, msg := range msgs {
				metrics.MessagesTotal.Inc()
				r.bus.Publish(msg)
			}
			metrics.QueueDepth.Set(int64(r.bus.Depth()))
		}
	}
}

func (r *Runner) workerLoop(id int) {
	for msg := range r.bus.Subscribe() {
		start := time.Now()
		// Drain uses Background: queued messages still get a response
		// after shutdown begins.
		out, err := r.controller.Handle(context.Background(), msg)
		metrics.HandleLatency.Observe(time.Since(start).Seconds())
		r.observe(out)
		if err != nil {
			r.logger.Error("pipeline failure", "worker", id, "sender", msg.SenderID, "err", err)
		}
	}
}

func (r *Runner) housekeepingLoop(ctx context.Context) {
	ticker := time.NewTicker(idleEvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.limiter.EvictIdle(24 * time.Hour); n > 0 {
				r.logger.Debug("evicted idle rate-limit windows", "count", n)
			}
			if n := r.controller.EvictIdleLocks(24 * time.Hour); n > 0 {
				r.logger.Debug("evicted idle recipient locks", "count", n)
			}
		}
	}
}

func (r *Runner) observe(out domain.Outcome) {
	switch out.Disposition {
	case domain.DispositionSent:
		metrics.Sent.Inc()
		if out.Guarded {
			if out.Source == domain.SourceFallback {
				metrics.GuardrailBlock.Inc()
			} else {
				metrics.GuardrailRewrite.Inc()
			}
		}
	case domain.DispositionSuppressed:
		metrics.Suppressed.Inc()
	case domain.DispositionRateLimited:
		metrics.RateLimited.Inc()
	case domain.DispositionFailed:
		metrics.Failed.Inc()
	}
}
