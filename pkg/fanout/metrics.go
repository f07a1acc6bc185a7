package fanout

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Counters are the plain activity counters a fanout component
// maintains: messages fetched, messages released, channel-send
// timeouts, and lock-related timeouts surfaced by the underlying pipe.
// No external metrics registry is wired in; these are read back by
// MetricsTick and logged at debug level instead.
type Counters struct {
	fetched      atomic.Int64
	released     atomic.Int64
	sendTimeouts atomic.Int64
	lockTimeouts atomic.Int64
}

// Fetched is the number of slots successfully fetched so far.
func (c *Counters) Fetched() int64 { return c.fetched.Load() }

// Released is the number of slots successfully released so far.
func (c *Counters) Released() int64 { return c.released.Load() }

// SendTimeouts is the number of times a channel send had to be retried
// after sendTimeout elapsed.
func (c *Counters) SendTimeouts() int64 { return c.sendTimeouts.Load() }

// LockTimeouts is the number of pipe calls that failed with something
// other than the expected transient sentinel (NoMessageAvailable on
// Fetch, NoFreeSlot on Hold), which in practice means the underlying
// robust mutex or segment is unhealthy.
func (c *Counters) LockTimeouts() int64 { return c.lockTimeouts.Load() }

// MetricsSource is anything exposing a Counters snapshot. Listener,
// Scheduler, and WorkerPool all implement it.
type MetricsSource interface {
	Counters() *Counters
}

// MetricsTick returns a Stage that logs the aggregated counters of
// sources at the given interval until its context is cancelled,
// debug-level, teacher-style periodic logging (controlplane/pkg/yncp
// logs its config with zap.Any at Debug on a similar tick) rather than
// an external metrics dependency.
func MetricsTick(log *zap.SugaredLogger, interval time.Duration, sources ...MetricsSource) Stage {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				var fetched, released, sendTimeouts, lockTimeouts int64
				for _, s := range sources {
					c := s.Counters()
					fetched += c.Fetched()
					released += c.Released()
					sendTimeouts += c.SendTimeouts()
					lockTimeouts += c.LockTimeouts()
				}

				log.Debugw("fanout metrics",
					"fetched", fetched,
					"released", released,
					"send_timeouts", sendTimeouts,
					"lock_timeouts", lockTimeouts,
				)
			}
		}
	}
}
