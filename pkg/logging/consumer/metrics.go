package consumer

import (
	"sync"
)

// Metrics counts what happened to payloads on their way through a consumer.
// Enqueued, DroppedFull and DroppedStopping count queue items, so a bulk send
// counts once. DroppedInvalid counts rejected records or strings. Sent and
// Failed count delivered records (HTTP) or datagrams (UDP). Discarded counts
// whatever a forced stop abandoned.
type Metrics struct {
	Enqueued        int
	DroppedInvalid  int
	DroppedFull     int
	DroppedStopping int
	Discarded       int
	Sent            int
	Failed          int
	Batches         int
	WorkerStarts    int
	mu              sync.RWMutex
}

func (m *Metrics) IncEnqueued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Enqueued++
}

func (m *Metrics) IncDroppedInvalid() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DroppedInvalid++
}

func (m *Metrics) IncDroppedFull() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DroppedFull++
}

func (m *Metrics) IncDroppedStopping() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DroppedStopping++
}

func (m *Metrics) AddDiscarded(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Discarded += n
}

func (m *Metrics) AddSent(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent += n
}

func (m *Metrics) AddFailed(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failed += n
}

func (m *Metrics) IncBatches() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Batches++
}

func (m *Metrics) IncWorkerStarts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WorkerStarts++
}

func (m *Metrics) GetMetricsStamp() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		Enqueued:        m.Enqueued,
		DroppedInvalid:  m.DroppedInvalid,
		DroppedFull:     m.DroppedFull,
		DroppedStopping: m.DroppedStopping,
		Discarded:       m.Discarded,
		Sent:            m.Sent,
		Failed:          m.Failed,
		Batches:         m.Batches,
		WorkerStarts:    m.WorkerStarts,
	}
}
