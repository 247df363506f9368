package consumer

import (
	"fmt"
	"log/slog"
	"time"
)

// Worker is the handle a Backend's Upload loop uses to read from the queue
// and observe stop requests. It is only valid on the worker goroutine.
type Worker struct {
	queue *Queue
	run   *run
}

// TryNext returns the next queued payload without blocking.
func (w *Worker) TryNext() (any, bool) {
	select {
	case item := <-w.queue.items:
		return item, true
	default:
		return nil, false
	}
}

// Next waits up to the poll interval for a payload. It returns early, with
// whatever is already queued, once a stop has been requested.
func (w *Worker) Next() (any, bool) {
	if item, ok := w.TryNext(); ok {
		return item, true
	}

	timer := time.NewTimer(w.queue.pollInterval)
	defer timer.Stop()

	select {
	case item := <-w.queue.items:
		return item, true
	case <-w.run.stopCh:
		return w.TryNext()
	case <-timer.C:
		return nil, false
	}
}

func (w *Worker) StopRequested() bool {
	return w.queue.stopRequested.Load()
}

func (w *Worker) Forced() bool {
	return w.queue.forced.Load()
}

func (w *Worker) Logger() *slog.Logger {
	return w.queue.logger
}

func (w *Worker) Metrics() *Metrics {
	return w.queue.metrics
}

// Guard runs a transmit and turns a panic into an error so one bad payload
// cannot take the worker down.
func (w *Worker) Guard(transmit func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transmit panicked: %v", r)
		}
	}()
	return transmit()
}
