package consumer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/Chichichkin/logship/pkg/logging"
)

// Backend is the transport-specific half of a consumer. Validate runs on the
// caller's goroutine; Upload runs on the single worker goroutine and returns
// when the worker should exit.
type Backend interface {
	Validate(data any) (any, error)
	Upload(w *Worker)
}

type Config struct {
	Name         string
	BufferSize   int
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Queue owns the bounded buffer, the stop flags and the worker handle shared
// by every consumer variant.
type Queue struct {
	name         string
	backend      Backend
	items        chan any
	pollInterval time.Duration
	logger       *slog.Logger
	metrics      *Metrics

	mu            sync.Mutex
	current       *run
	stopRequested atomic.Bool
	forced        atomic.Bool
}

type run struct {
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	daemon   bool
}

func (r *run) alive() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (r *run) signal() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func NewQueue(backend Backend, config Config) *Queue {
	if config.BufferSize <= 0 {
		config.BufferSize = logging.DefaultBufferSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = logging.DefaultPollInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Queue{
		name:         config.Name,
		backend:      backend,
		items:        make(chan any, config.BufferSize),
		pollInterval: config.PollInterval,
		logger:       config.Logger.With("component", config.Name),
		metrics:      &Metrics{},
	}
}

// Send validates data and enqueues it without blocking. Nothing is ever
// returned to the caller: invalid payloads and overflow are logged and
// dropped.
func (q *Queue) Send(data any) {
	if q.stopRequested.Load() {
		q.metrics.IncDroppedStopping()
		q.logger.Debug("stop requested, ignoring payload")
		return
	}

	payload, err := q.backend.Validate(data)
	if err != nil {
		q.metrics.IncDroppedInvalid()
		q.logger.Info("skipping payload", "err", err)
		return
	}
	if payload == nil {
		return
	}

	if err := q.Enqueue(payload); err != nil {
		q.logger.Warn("dropping payload", "err", err, "payload", payload)
	}
}

// Enqueue puts an already validated payload on the queue, or returns a
// CapacityExceededError when the queue is full.
func (q *Queue) Enqueue(payload any) error {
	select {
	case q.items <- payload:
		q.metrics.IncEnqueued()
		return nil
	default:
		q.metrics.IncDroppedFull()
		return &logging.CapacityExceededError{Capacity: cap(q.items)}
	}
}

func (q *Queue) Start(opts logging.StartOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil && q.current.alive() {
		return &logging.AlreadyRunningError{Consumer: q.name, State: q.state()}
	}

	q.forced.Store(false)
	q.stopRequested.Store(false)

	r := &run{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		daemon: opts.Daemon,
	}
	q.current = r
	q.metrics.IncWorkerStarts()

	go q.work(r)

	q.logger.Info("consumer started", "daemon", opts.Daemon, "buffer_size", cap(q.items))
	return nil
}

// Stop requests the worker to exit. A graceful stop lets it drain the queue
// first; a forced stop discards what is left. Unless the worker was started
// as a daemon, Stop waits for it to exit. Stopping an idle consumer is a
// no-op, and a pending graceful stop can be escalated by a forced one.
func (q *Queue) Stop(opts logging.StopOptions) {
	q.mu.Lock()
	r := q.current
	if r == nil || !r.alive() {
		q.mu.Unlock()
		return
	}
	if opts.Force {
		q.forced.Store(true)
	}
	q.stopRequested.Store(true)
	r.signal()
	q.mu.Unlock()

	q.logger.Info("consumer stop requested", "force", opts.Force, "queued", len(q.items))

	if !r.daemon {
		<-r.done
	}
}

// Wait blocks until the current worker has exited or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	r := q.current
	q.mu.Unlock()
	if r == nil {
		return nil
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) State() logging.State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state()
}

func (q *Queue) state() logging.State {
	switch {
	case q.current == nil || !q.current.alive():
		return logging.StateIdle
	case q.forced.Load():
		return logging.StateStoppingForced
	case q.stopRequested.Load():
		return logging.StateStopping
	default:
		return logging.StateRunning
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Metrics() *Metrics { return q.metrics }

func (q *Queue) Logger() *slog.Logger { return q.logger }

type Stats struct {
	Name          string
	State         logging.State
	QueueDepth    int
	QueueCapacity int
	Metrics       Metrics
}

func (q *Queue) Stats() Stats {
	return Stats{
		Name:          q.name,
		State:         q.State(),
		QueueDepth:    len(q.items),
		QueueCapacity: cap(q.items),
		Metrics:       q.metrics.GetMetricsStamp(),
	}
}

// GetQueueUsage returns the fill ratio of the queue in [0, 1].
func (q *Queue) GetQueueUsage() float64 {
	return float64(len(q.items)) / float64(cap(q.items))
}

func (q *Queue) work(r *run) {
	defer close(r.done)

	w := &Worker{queue: q, run: r}
	q.backend.Upload(w)

	if q.forced.Load() {
		if n := q.discard(); n > 0 {
			q.metrics.AddDiscarded(n)
			q.logger.Warn("forced stop discarded queued payloads", "count", n)
		}
	}
	q.logger.Info("consumer worker exited", "queued", len(q.items))
}

func (q *Queue) discard() int {
	n := 0
	for {
		select {
		case <-q.items:
			n++
		default:
			return n
		}
	}
}
