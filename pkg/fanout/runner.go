package fanout

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner supervises a Listener and its WorkerPool (or a Scheduler and its
// producer-side counterpart) as one unit: both goroutine groups share a
// context, and the first one to fail cancels the other. Grounded on
// sakateka-yanet2's gateway.BuiltInModuleRunner, which pairs a background
// job with a server loop the same way under errgroup.WithContext.
type Runner struct {
	log *zap.SugaredLogger
}

// NewRunner builds a Runner that logs supervision events through log.
func NewRunner(log *zap.SugaredLogger) *Runner {
	return &Runner{log: log}
}

// Stage is one supervised goroutine body.
type Stage func(ctx context.Context) error

// Run starts every stage under a shared errgroup and blocks until ctx is
// cancelled or any stage returns a non-nil, non-context error, then waits
// for the rest to unwind.
func (r *Runner) Run(ctx context.Context, stages ...Stage) error {
	wg, gctx := errgroup.WithContext(ctx)

	for _, stage := range stages {
		stage := stage
		wg.Go(func() error {
			return stage(gctx)
		})
	}

	if err := wg.Wait(); err != nil && err != context.Canceled {
		r.log.Errorw("fanout runner stopped with error", zap.Error(err))
		return err
	}

	r.log.Info("fanout runner stopped cleanly")
	return nil
}
