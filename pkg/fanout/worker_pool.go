package fanout

import (
	"context"

	"go.uber.org/zap"

	"github.com/mi7io/mi7/internal/wire"
)

// Releaser is the subset of *slotpipe.Pipe a worker needs to consume a
// reserved slot.
type Releaser interface {
	Release(index int) (uint64, wire.Message, error)
}

// Handler processes one delivered message. Business logic lives entirely
// outside this package; Handler is the seam a caller plugs a real
// dispatcher into.
type Handler func(ctx context.Context, requestID uint64, msg wire.Message) error

// WorkerPool runs M workers that share the receive side of a Listener's
// index channel. Each worker releases its slot immediately on receipt —
// Release itself performs the PENDING_READ -> IN_PROGRESS -> EMPTY
// transition as one call; there is no separate SetSlotState call here,
// since Release's own precondition already requires PENDING_READ and
// driving through IN_PROGRESS beforehand would make that precondition
// fail. Release takes no mutex: the PENDING_READ state byte already makes
// the calling worker the slot's only owner. See DESIGN.md.
type WorkerPool struct {
	pipe     Releaser
	indices  <-chan int
	workers  int
	handler  Handler
	log      *zap.SugaredLogger
	counters Counters
}

// NewWorkerPool builds a pool of workers workers over indices, dispatching
// each released message to handler.
func NewWorkerPool(pipe Releaser, indices <-chan int, workers int, handler Handler, log *zap.SugaredLogger) *WorkerPool {
	return &WorkerPool{
		pipe:    pipe,
		indices: indices,
		workers: workers,
		handler: handler,
		log:     log,
	}
}

// Counters returns the pool's activity counters, for MetricsTick.
func (wp *WorkerPool) Counters() *Counters { return &wp.counters }

// Run blocks until ctx is cancelled or the indices channel is closed,
// running all configured workers concurrently.
func (wp *WorkerPool) Run(ctx context.Context) error {
	done := make(chan struct{}, wp.workers)

	for i := 0; i < wp.workers; i++ {
		go func(workerID int) {
			wp.runOne(ctx, workerID)
			done <- struct{}{}
		}(i)
	}

	for i := 0; i < wp.workers; i++ {
		<-done
	}

	return ctx.Err()
}

func (wp *WorkerPool) runOne(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case index, ok := <-wp.indices:
			if !ok {
				return
			}

			requestID, msg, err := wp.pipe.Release(index)
			if err != nil {
				wp.log.Errorw("failed to release slot", "worker", workerID, "index", index, zap.Error(err))
				wp.counters.lockTimeouts.Add(1)
				continue
			}
			wp.counters.released.Add(1)

			if err := wp.handler(ctx, requestID, msg); err != nil {
				wp.log.Warnw("handler failed", "worker", workerID, "request_id", requestID, zap.Error(err))
			}
		}
	}
}
