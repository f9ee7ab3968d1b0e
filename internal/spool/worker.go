package spool

import (
	"context"
	"log/slog"
	"time"
)

// DefaultDrainInterval is the sleep between drain cycles.
const DefaultDrainInterval = 5 * time.Minute

// Sender submits a queued message upstream.
type Sender interface {
	Send(ctx context.Context, mailFrom string, rcptTos []string, raw []byte) error
}

// Worker periodically drains the spool through a Sender.
type Worker struct {
	spool    *Spool
	sender   Sender
	interval time.Duration
	logger   *slog.Logger
}

// NewWorker creates a drain worker. A non-positive interval selects
// DefaultDrainInterval.
func NewWorker(s *Spool, sender Sender, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{spool: s, sender: sender, interval: interval, logger: logger}
}

// Run drains the spool until ctx is cancelled. Each cycle walks the queue in
// order; a failed send leaves the entry in place for the next cycle and the
// walk moves on to the next entry.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("mail queue processor started")
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("mail queue processor stopped")
			return
		case <-t.C:
		}
	}
}

// drain attempts one pass over the queued messages.
func (w *Worker) drain(ctx context.Context) {
	for _, e := range w.spool.Entries() {
		if ctx.Err() != nil {
			return
		}
		if err := w.sender.Send(ctx, e.MailFrom, e.RcptTos, e.Raw); err != nil {
			w.logger.Warn("send failed for queued message, will retry later",
				slog.String("name", e.Name), slog.String("error", err.Error()))
			continue
		}
		if err := w.spool.Remove(e.Name); err != nil {
			w.logger.Warn("failed to remove drained message",
				slog.String("name", e.Name), slog.String("error", err.Error()))
			continue
		}
		w.logger.Info("resent and deleted queued message", slog.String("name", e.Name))
	}
}
