package ingest

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Supervisor runs one worker per merchant plus the notifier.
type Supervisor struct {
	workers  []*Worker
	notifier *AsyncNotifier
	logger   *slog.Logger
}

// NewSupervisor groups workers. notifier may be nil.
func NewSupervisor(workers []*Worker, notifier *AsyncNotifier, logger *slog.Logger) *Supervisor {
	return &Supervisor{workers: workers, notifier: notifier, logger: logger}
}

// Run blocks until ctx is cancelled and every worker finished its cycle.
func (s *Supervisor) Run(ctx context.Context) error {
	// The notifier outlives the workers so their last notifications are
	// still published.
	notifyCtx, stopNotifier := context.WithCancel(context.WithoutCancel(ctx))
	notifyDone := make(chan error, 1)
	if s.notifier != nil {
		go func() { notifyDone <- s.notifier.Run(notifyCtx) }()
	} else {
		notifyDone <- nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	s.logger.InfoContext(ctx, "ingestion supervisor started", "workers", len(s.workers))
	err := g.Wait()

	stopNotifier()
	if nerr := <-notifyDone; err == nil {
		err = nerr
	}
	s.logger.InfoContext(ctx, "ingestion supervisor stopped")
	return err
}
