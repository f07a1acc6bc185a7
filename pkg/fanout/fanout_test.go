package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mi7io/mi7/internal/wire"
	"github.com/mi7io/mi7/internal/xerror"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	return zap.NewNop().Sugar()
}

// fakePipe is an in-memory stand-in for *slotpipe.Pipe, letting fanout
// tests drive Hold/Fetch/Release without a real shared-memory segment.
type fakePipe struct {
	mu      sync.Mutex
	full    []int
	pending map[int]wire.Message
	nextReq uint64
}

func newFakePipe() *fakePipe {
	return &fakePipe{pending: make(map[int]wire.Message)}
}

func (p *fakePipe) Fetch() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.full) == 0 {
		return 0, xerror.ErrNoMessageAvailable
	}
	idx := p.full[0]
	p.full = p.full[1:]
	return idx, nil
}

func (p *fakePipe) Release(index int) (uint64, wire.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, ok := p.pending[index]
	if !ok {
		return 0, wire.Message{}, xerror.ErrInvalidState
	}
	delete(p.pending, index)
	p.nextReq++
	return p.nextReq, msg, nil
}

func (p *fakePipe) push(index int, msg wire.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[index] = msg
	p.full = append(p.full, index)
}

func Test_ListenerDeliversReadyIndices(t *testing.T) {
	pipe := newFakePipe()
	pipe.push(0, wire.Message{Data: []byte("m1")})
	pipe.push(1, wire.Message{Data: []byte("m2")})

	listener := NewListener(pipe, 4, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	var got []int
	for i := 0; i < 2; i++ {
		select {
		case idx := <-listener.Indices():
			got = append(got, idx)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for listener to deliver index")
		}
	}

	cancel()
	<-done

	assert.ElementsMatch(t, []int{0, 1}, got)
}

func Test_WorkerPoolReleasesAndDispatches(t *testing.T) {
	pipe := newFakePipe()
	pipe.push(0, wire.Message{Data: []byte("hello")})

	indices := make(chan int, 1)
	indices <- 0

	var handled int64
	handler := func(ctx context.Context, requestID uint64, msg wire.Message) error {
		atomic.AddInt64(&handled, 1)
		assert.Equal(t, []byte("hello"), msg.Data)
		return nil
	}

	pool := NewWorkerPool(pipe, indices, 3, handler, testLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	close(indices)
	_ = pool.Run(ctx)

	assert.Equal(t, int64(1), atomic.LoadInt64(&handled))
}

type fakeHolder struct {
	mu        sync.Mutex
	available int
}

func (h *fakeHolder) Hold() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.available <= 0 {
		return 0, xerror.ErrNoFreeSlot
	}
	h.available--
	return 7, nil
}

func Test_SchedulerOnlyHoldsWhenDemandPositive(t *testing.T) {
	holder := &fakeHolder{available: 1}
	sched := NewScheduler(holder, 1, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = sched.Run(ctx) }()

	select {
	case <-sched.Indices():
		t.Fatal("scheduler reserved a slot before any demand was requested")
	case <-time.After(20 * time.Millisecond):
	}

	sched.Request()

	select {
	case idx := <-sched.Indices():
		assert.Equal(t, 7, idx)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scheduler to reserve a slot after demand")
	}
}

func Test_RunnerPropagatesStageError(t *testing.T) {
	runner := NewRunner(testLogger(t))

	boom := assertError("boom")
	err := runner.Run(context.Background(),
		func(ctx context.Context) error { return boom },
		func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	)

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

type assertError string

func (e assertError) Error() string { return string(e) }
