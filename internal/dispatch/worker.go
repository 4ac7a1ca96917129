package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/chengis/chengis/internal/build"
	"github.com/chengis/chengis/internal/logfields"
	"github.com/chengis/chengis/internal/retry"
)

// Worker drains the queue in the background: whenever an agent frees up it
// redispatches parked builds, with a bounded backoff per item.
type Worker struct {
	dispatcher *Dispatcher
	policy     retry.Policy
	interval   time.Duration
	logger     *slog.Logger
}

// NewWorker creates a queue worker. A zero interval defaults to 5s.
func NewWorker(d *Dispatcher, policy retry.Policy, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{dispatcher: d, policy: policy, interval: interval, logger: logger}
}

// Run polls until ctx is cancelled. Blocking; callers usually run it on its
// own goroutine.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain attempts one redispatch per queued item, requeueing transient
// failures until the retry budget runs out.
func (w *Worker) drain(ctx context.Context) {
	d := w.dispatcher
	for {
		item := d.queue.DequeueAny()
		if item == nil {
			return
		}
		b := item.SM.Build()

		snap := d.agents.FindAvailable(item.Request)
		if snap == nil || !d.agents.AllowDispatch(snap.ID) {
			// nothing free yet; put it back untouched
			d.queue.Enqueue(item)
			return
		}

		if err := d.tryRemote(ctx, snap, b, item.Pipeline); err == nil {
			d.recorder.IncDispatch(string(ModeRemote))
			w.logger.Info("queued build dispatched",
				logfields.BuildID(b.ID),
				logfields.AgentID(snap.ID),
			)
			continue
		}

		item.Attempts++
		if item.Attempts > w.policy.MaxRetries {
			w.exhaust(item)
			continue
		}
		w.logger.Debug("queued dispatch retry scheduled",
			logfields.BuildID(b.ID),
			slog.Int("attempt", item.Attempts),
			slog.Duration("backoff", w.policy.Delay(item.Attempts)),
		)
		backoff := time.NewTimer(w.policy.Delay(item.Attempts))
		select {
		case <-ctx.Done():
			backoff.Stop()
			d.queue.Enqueue(item)
			return
		case <-backoff.C:
		}
		d.queue.Enqueue(item)
	}
}

// exhaust resolves an item whose retry budget is spent: local fallback when
// configured, otherwise the build fails.
func (w *Worker) exhaust(item *Item) {
	d := w.dispatcher
	b := item.SM.Build()
	if d.cfg.FallbackLocal {
		w.logger.Warn("retries exhausted, running locally", logfields.BuildID(b.ID))
		d.runLocal(item.SM, item.Pipeline)
		return
	}
	w.logger.Warn("retries exhausted, failing build", logfields.BuildID(b.ID))
	if err := item.SM.Transition(build.StatusRunning); err == nil {
		_ = item.SM.Transition(build.StatusFailure)
	}
	d.recorder.IncDispatch(string(ModeFailed))
}
