package fanout

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/mi7io/mi7/internal/xerror"
)

// Holder is the subset of *slotpipe.Pipe the scheduler needs.
type Holder interface {
	Hold() (int, error)
}

// Scheduler mirrors Listener on the producer side: it reserves empty
// slots whenever an atomic demand counter is positive and hands their
// indices to producer goroutines over a bounded channel.
// Demand is incremented by callers that need a slot (via Request) and
// decremented by the scheduler on every successful reservation.
type Scheduler struct {
	pipe     Holder
	indices  chan int
	demand   int64
	log      *zap.SugaredLogger
	counters Counters
}

// NewScheduler builds a Scheduler over pipe, publishing reserved indices
// to a channel of the given capacity.
func NewScheduler(pipe Holder, channelCapacity int, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		pipe:    pipe,
		indices: make(chan int, channelCapacity),
		log:     log,
	}
}

// Indices returns the channel producer goroutines should receive reserved
// slot indices from.
func (s *Scheduler) Indices() <-chan int { return s.indices }

// Counters returns the scheduler's activity counters, for MetricsTick.
func (s *Scheduler) Counters() *Counters { return &s.counters }

// Request signals that one more producer wants a slot reservation. The
// scheduler will call Hold on its behalf as soon as one becomes available.
func (s *Scheduler) Request() {
	atomic.AddInt64(&s.demand, 1)
}

// Run drives the scheduler loop until ctx is cancelled: whenever demand is
// positive it attempts a Hold, backing off on NoFreeSlot exactly as the
// Listener backs off on NoMessageAvailable.
func (s *Scheduler) Run(ctx context.Context) error {
	idle := &backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         10 * time.Millisecond,
	}
	idle.Reset()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if atomic.LoadInt64(&s.demand) <= 0 {
			if !sleepCtx(ctx, time.Millisecond) {
				return ctx.Err()
			}
			continue
		}

		index, err := s.pipe.Hold()
		if err != nil {
			if err != xerror.ErrNoFreeSlot {
				s.log.Warnw("hold failed, backing off", zap.Error(err))
				s.counters.lockTimeouts.Add(1)
			}

			delay := idle.NextBackOff()
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		idle.Reset()
		atomic.AddInt64(&s.demand, -1)

		if !s.send(ctx, index) {
			return ctx.Err()
		}
	}
}

func (s *Scheduler) send(ctx context.Context, index int) bool {
	for {
		timer := time.NewTimer(sendTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case s.indices <- index:
			timer.Stop()
			return true
		case <-timer.C:
			s.log.Warnw("scheduler channel send timed out, retrying", "index", index, "timeout", sendTimeout)
			s.counters.sendTimeouts.Add(1)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
