package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Chichichkin/logship/pkg/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// intBackend accepts ints and hands every dequeued item to deliver.
type intBackend struct {
	mu        sync.Mutex
	delivered []int
	gate      chan struct{}
	seen      chan int
}

func (b *intBackend) Validate(data any) (any, error) {
	n, ok := data.(int)
	if !ok {
		return nil, logging.NewValidationError(nil, "not an int", data)
	}
	if n < 0 {
		return nil, nil
	}
	return n, nil
}

func (b *intBackend) Upload(w *Worker) {
	for !w.Forced() {
		item, ok := w.Next()
		if !ok {
			if w.StopRequested() {
				return
			}
			continue
		}
		if w.Forced() {
			w.Metrics().AddDiscarded(1)
			return
		}
		if b.seen != nil {
			b.seen <- item.(int)
		}
		if b.gate != nil {
			<-b.gate
		}
		b.mu.Lock()
		b.delivered = append(b.delivered, item.(int))
		b.mu.Unlock()
		w.Metrics().AddSent(1)
	}
}

func (b *intBackend) Delivered() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, len(b.delivered))
	copy(out, b.delivered)
	return out
}

func newTestQueue(b Backend, size int) *Queue {
	return NewQueue(b, Config{
		Name:         "test",
		BufferSize:   size,
		PollInterval: 10 * time.Millisecond,
	})
}

func TestQueue_Defaults(t *testing.T) {
	q := NewQueue(&intBackend{}, Config{Name: "defaults"})

	stats := q.Stats()
	assert.Equal(t, logging.DefaultBufferSize, stats.QueueCapacity)
	assert.Equal(t, logging.StateIdle, stats.State)
	assert.Equal(t, "defaults", q.Name())
	assert.Equal(t, logging.DefaultPollInterval, q.pollInterval)
}

func TestQueue_SendBeforeStartIsQueued(t *testing.T) {
	b := &intBackend{}
	q := newTestQueue(b, 4)

	q.Send(1)
	q.Send(2)

	assert.Equal(t, 2, q.Stats().QueueDepth)
	assert.InDelta(t, 0.5, q.GetQueueUsage(), 1e-9)

	require.NoError(t, q.Start(logging.StartOptions{}))
	q.Stop(logging.StopOptions{})

	assert.Equal(t, []int{1, 2}, b.Delivered())
	assert.Equal(t, 0, q.Stats().QueueDepth)
}

func TestQueue_OverflowIsDropped(t *testing.T) {
	b := &intBackend{}
	q := newTestQueue(b, 2)

	assert.NotPanics(t, func() {
		q.Send(1)
		q.Send(2)
		q.Send(3)
	})

	stamp := q.Metrics().GetMetricsStamp()
	assert.Equal(t, 2, stamp.Enqueued)
	assert.Equal(t, 1, stamp.DroppedFull)

	require.NoError(t, q.Start(logging.StartOptions{}))
	q.Stop(logging.StopOptions{})

	assert.Equal(t, []int{1, 2}, b.Delivered())
}

func TestQueue_EnqueueFullError(t *testing.T) {
	q := newTestQueue(&intBackend{}, 1)

	require.NoError(t, q.Enqueue(1))
	err := q.Enqueue(2)

	var capErr *logging.CapacityExceededError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 1, capErr.Capacity)
	assert.True(t, errors.Is(err, logging.ErrBufferFull))
}

func TestQueue_InvalidPayloadIsDropped(t *testing.T) {
	q := newTestQueue(&intBackend{}, 4)

	q.Send("not an int")
	q.Send(-1)

	assert.Equal(t, 0, q.Stats().QueueDepth)
	assert.Equal(t, 1, q.Metrics().GetMetricsStamp().DroppedInvalid)
}

func TestQueue_StartTwiceFails(t *testing.T) {
	q := newTestQueue(&intBackend{}, 4)

	require.NoError(t, q.Start(logging.StartOptions{}))
	err := q.Start(logging.StartOptions{})

	require.Error(t, err)
	assert.True(t, errors.Is(err, logging.ErrAlreadyRunning))
	var runErr *logging.AlreadyRunningError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, logging.StateRunning, runErr.State)

	q.Stop(logging.StopOptions{})
	assert.Equal(t, logging.StateIdle, q.State())

	require.NoError(t, q.Start(logging.StartOptions{}))
	q.Stop(logging.StopOptions{})
	assert.Equal(t, 2, q.Metrics().GetMetricsStamp().WorkerStarts)
}

func TestQueue_StopIdleIsNoop(t *testing.T) {
	q := newTestQueue(&intBackend{}, 4)

	q.Stop(logging.StopOptions{})
	q.Stop(logging.StopOptions{Force: true})

	assert.Equal(t, logging.StateIdle, q.State())
	q.Send(1)
	assert.Equal(t, 1, q.Stats().QueueDepth)
}

func TestQueue_GracefulStopDrains(t *testing.T) {
	b := &intBackend{}
	q := newTestQueue(b, 100)

	for i := 0; i < 50; i++ {
		q.Send(i)
	}
	require.NoError(t, q.Start(logging.StartOptions{}))
	q.Stop(logging.StopOptions{})

	delivered := b.Delivered()
	require.Len(t, delivered, 50)
	for i, v := range delivered {
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, q.Stats().QueueDepth)
}

func TestQueue_SendAfterStopIgnored(t *testing.T) {
	b := &intBackend{}
	q := newTestQueue(b, 10)

	require.NoError(t, q.Start(logging.StartOptions{}))
	q.Stop(logging.StopOptions{})

	q.Send(7)
	assert.Equal(t, 0, q.Stats().QueueDepth)
	assert.Equal(t, 1, q.Metrics().GetMetricsStamp().DroppedStopping)
}

func TestQueue_ForcedStopDiscards(t *testing.T) {
	b := &intBackend{
		gate: make(chan struct{}),
		seen: make(chan int, 1),
	}
	q := newTestQueue(b, 100)

	for i := 0; i < 10; i++ {
		q.Send(i)
	}
	require.NoError(t, q.Start(logging.StartOptions{}))

	// The worker is now holding item 0 behind the gate.
	assert.Equal(t, 0, <-b.seen)

	stopped := make(chan struct{})
	go func() {
		q.Stop(logging.StopOptions{Force: true})
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		return q.State() == logging.StateStoppingForced
	}, time.Second, 5*time.Millisecond)

	close(b.gate)
	<-stopped

	assert.Equal(t, []int{0}, b.Delivered())
	assert.Equal(t, 0, q.Stats().QueueDepth)
	assert.Equal(t, 9, q.Metrics().GetMetricsStamp().Discarded)
	assert.Equal(t, logging.StateIdle, q.State())
}

func TestQueue_GracefulThenForced(t *testing.T) {
	b := &intBackend{
		gate: make(chan struct{}),
		seen: make(chan int, 1),
	}
	q := newTestQueue(b, 100)

	for i := 0; i < 5; i++ {
		q.Send(i)
	}
	require.NoError(t, q.Start(logging.StartOptions{Daemon: true}))
	<-b.seen

	q.Stop(logging.StopOptions{})
	assert.Equal(t, logging.StateStopping, q.State())

	q.Stop(logging.StopOptions{Force: true})
	assert.Equal(t, logging.StateStoppingForced, q.State())

	close(b.gate)
	require.NoError(t, q.Wait(context.Background()))

	assert.Equal(t, []int{0}, b.Delivered())
}

func TestQueue_DaemonStopDoesNotJoin(t *testing.T) {
	b := &intBackend{
		gate: make(chan struct{}),
		seen: make(chan int, 1),
	}
	q := newTestQueue(b, 10)

	q.Send(1)
	require.NoError(t, q.Start(logging.StartOptions{Daemon: true}))
	<-b.seen

	q.Stop(logging.StopOptions{})

	// Still blocked in transmit, so the worker is alive and Start must fail.
	assert.Equal(t, logging.StateStopping, q.State())
	assert.ErrorIs(t, q.Start(logging.StartOptions{}), logging.ErrAlreadyRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Wait(ctx), context.DeadlineExceeded)

	close(b.gate)
	require.NoError(t, q.Wait(context.Background()))
	assert.Equal(t, logging.StateIdle, q.State())
}

func TestQueue_WaitWithoutStart(t *testing.T) {
	q := newTestQueue(&intBackend{}, 1)
	assert.NoError(t, q.Wait(context.Background()))
}

func TestQueue_ConcurrentSend(t *testing.T) {
	b := &intBackend{}
	q := newTestQueue(b, 1000)
	require.NoError(t, q.Start(logging.StartOptions{}))

	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q.Send(id*1000 + i)
			}
		}(w)
	}
	wg.Wait()
	q.Stop(logging.StopOptions{})

	delivered := b.Delivered()
	assert.Len(t, delivered, 250)

	// Per producer order is preserved.
	last := map[int]int{}
	for _, v := range delivered {
		id, seq := v/1000, v%1000
		if prev, ok := last[id]; ok {
			assert.Greater(t, seq, prev, fmt.Sprintf("producer %d out of order", id))
		}
		last[id] = seq
	}
}

func TestWorker_GuardRecoversPanic(t *testing.T) {
	w := &Worker{queue: newTestQueue(&intBackend{}, 1), run: &run{}}

	err := w.Guard(func() error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	assert.NoError(t, w.Guard(func() error { return nil }))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", logging.StateIdle.String())
	assert.Equal(t, "running", logging.StateRunning.String())
	assert.Equal(t, "stopping", logging.StateStopping.String())
	assert.Equal(t, "stopping_forced", logging.StateStoppingForced.String())
	assert.Equal(t, "unknown", logging.State(42).String())
}
