package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mi7io/mi7/internal/wire"
)

func Test_ListenerCountsFetchedMessages(t *testing.T) {
	pipe := newFakePipe()
	pipe.push(0, wire.Message{Data: []byte("m1")})

	listener := NewListener(pipe, 4, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	select {
	case <-listener.Indices():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for listener to deliver index")
	}

	cancel()
	<-done

	assert.Equal(t, int64(1), listener.Counters().Fetched())
}

func Test_WorkerPoolCountsReleasedMessages(t *testing.T) {
	pipe := newFakePipe()
	pipe.push(0, wire.Message{Data: []byte("hello")})

	indices := make(chan int, 1)
	indices <- 0
	close(indices)

	handler := func(ctx context.Context, requestID uint64, msg wire.Message) error { return nil }
	pool := NewWorkerPool(pipe, indices, 2, handler, testLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = pool.Run(ctx)

	assert.Equal(t, int64(1), pool.Counters().Released())
}

func Test_MetricsTickLogsAggregatedCounters(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core).Sugar()

	pipe := newFakePipe()
	pipe.push(0, wire.Message{Data: []byte("m1")})

	listener := NewListener(pipe, 4, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenerDone := make(chan error, 1)
	go func() { listenerDone <- listener.Run(ctx) }()

	select {
	case <-listener.Indices():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for listener to deliver index")
	}

	tickDone := make(chan error, 1)
	go func() { tickDone <- MetricsTick(log, 5*time.Millisecond, listener)(ctx) }()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("fanout metrics").Len() > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-listenerDone
	<-tickDone

	entry := logs.FilterMessage("fanout metrics").All()[0]
	fields := entry.ContextMap()
	assert.EqualValues(t, 1, fields["fetched"])
	assert.EqualValues(t, 0, fields["lock_timeouts"])
}
