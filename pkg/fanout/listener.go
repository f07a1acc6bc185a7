// Package fanout provides the in-process MPMC glue between the shared-
// memory slot pipe and business-logic goroutines: a listener that drains
// ready slot indices into a bounded channel, a worker pool that consumes
// them, and a producer-side scheduler mirror. Grounded on the bird-adapter
// service loop (reconnect/idle backoff pattern) and the gateway runner
// (errgroup supervision), sakateka-yanet2's
// controlplane/internal/gateway/runner.go.
package fanout

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/mi7io/mi7/internal/xerror"
)

// Fetcher is the subset of *slotpipe.Pipe the listener needs. Narrowed to
// an interface so tests can drive the listener without a real segment.
type Fetcher interface {
	Fetch() (int, error)
}

// sendTimeout is the listener's bound on how long it will block trying to
// push a ready index into the channel before logging and retrying.
const sendTimeout = 30 * time.Second

// Listener repeatedly fetches ready slot indices from a pipe and pushes
// them into a bounded channel, for consumption by a WorkerPool. It never
// deserializes; it carries only indices.
type Listener struct {
	pipe     Fetcher
	indices  chan int
	log      *zap.SugaredLogger
	counters Counters
}

// NewListener builds a Listener over pipe, publishing ready indices to a
// channel of the given capacity.
func NewListener(pipe Fetcher, channelCapacity int, log *zap.SugaredLogger) *Listener {
	return &Listener{
		pipe:    pipe,
		indices: make(chan int, channelCapacity),
		log:     log,
	}
}

// Indices returns the channel workers should receive ready slot indices
// from.
func (l *Listener) Indices() <-chan int { return l.indices }

// Counters returns the listener's activity counters, for MetricsTick.
func (l *Listener) Counters() *Counters { return &l.counters }

// Run drives the listener loop until ctx is cancelled. On NoMessageAvailable
// it backs off with a bounded exponential delay instead of busy-polling;
// on any other fetch error it logs and backs off identically, since the
// pipe surface has no distinct "fatal" fetch error.
func (l *Listener) Run(ctx context.Context) error {
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

		index, err := l.pipe.Fetch()
		if err != nil {
			if err != xerror.ErrNoMessageAvailable {
				l.log.Warnw("fetch failed, backing off", zap.Error(err))
				l.counters.lockTimeouts.Add(1)
			}

			delay := idle.NextBackOff()
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		idle.Reset()
		l.counters.fetched.Add(1)

		if !l.send(ctx, index) {
			return ctx.Err()
		}
	}
}

// send pushes index into the channel, applying sendTimeout. It returns
// false only when ctx is done; a timed-out send is logged and retried
// forever rather than dropping the index.
func (l *Listener) send(ctx context.Context, index int) bool {
	for {
		timer := time.NewTimer(sendTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case l.indices <- index:
			timer.Stop()
			return true
		case <-timer.C:
			l.log.Warnw("listener channel send timed out, retrying", "index", index, "timeout", sendTimeout)
			l.counters.sendTimeouts.Add(1)
		}
	}
}
