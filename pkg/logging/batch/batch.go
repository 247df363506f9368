package batch

import (
	"context"
	"log/slog"
	"time"

	"github.com/Chichichkin/logship/pkg/logging"
	"github.com/Chichichkin/logship/pkg/logging/consumer"
	"github.com/Chichichkin/logship/pkg/logging/transport"
)

// Consumer ships records to an HTTP collector. Records are queued by Send and
// a single background worker posts them in batches of up to batchSize.
type Consumer struct {
	*consumer.Queue
	url       string
	sender    logging.BatchSender
	batchSize int
	timeout   time.Duration
}

type options struct {
	name         string
	bufferSize   int
	batchSize    int
	timeout      time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	sender       logging.BatchSender
}

type Option func(*options)

func WithName(name string) Option { return func(o *options) { o.name = name } }

func WithBufferSize(n int) Option { return func(o *options) { o.bufferSize = n } }

func WithBatchSize(n int) Option { return func(o *options) { o.batchSize = n } }

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithPollInterval sets how long an idle worker waits for new records before
// it re-checks for a stop request.
func WithPollInterval(d time.Duration) Option { return func(o *options) { o.pollInterval = d } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithSender replaces the HTTP transport, mostly for tests.
func WithSender(s logging.BatchSender) Option { return func(o *options) { o.sender = s } }

func New(url string, opts ...Option) *Consumer {
	o := options{
		name:         "http",
		bufferSize:   logging.DefaultBufferSize,
		batchSize:    logging.DefaultBatchSize,
		timeout:      logging.DefaultTimeout,
		pollInterval: logging.DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.batchSize <= 0 {
		o.batchSize = logging.DefaultBatchSize
	}
	if o.timeout <= 0 {
		o.timeout = logging.DefaultTimeout
	}
	if o.sender == nil {
		o.sender = transport.NewHTTPSender(url, o.timeout)
	}

	c := &Consumer{
		url:       url,
		sender:    o.sender,
		batchSize: o.batchSize,
		timeout:   o.timeout,
	}
	c.Queue = consumer.NewQueue(c, consumer.Config{
		Name:         o.name,
		BufferSize:   o.bufferSize,
		PollInterval: o.pollInterval,
		Logger:       o.logger,
	})
	return c
}

// Validate returns the acceptable records of data, or nil when there are
// none. Rejected records are logged here; a wholly unusable payload is
// returned as an error.
func (c *Consumer) Validate(data any) (any, error) {
	records, rejected, err := Filter(data)
	if err != nil {
		return nil, err
	}
	for _, r := range rejected {
		c.Metrics().IncDroppedInvalid()
		c.Logger().Info("skipping record", "err", r)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records, nil
}

func (c *Consumer) Upload(w *consumer.Worker) {
	for !w.Forced() {
		batch := c.collect(w, nil)
		if len(batch) == 0 {
			if w.StopRequested() {
				return
			}
			item, ok := w.Next()
			if !ok {
				continue
			}
			batch = c.collect(w, appendPayload(nil, item))
		}

		if w.Forced() {
			w.Metrics().AddDiscarded(len(batch))
			return
		}
		c.transmit(w, batch)
	}
}

// collect tops batch up from the queue without blocking. Bulk payloads are
// flattened so each record counts towards the batch size.
func (c *Consumer) collect(w *consumer.Worker, batch []logging.Record) []logging.Record {
	for len(batch) < c.batchSize {
		item, ok := w.TryNext()
		if !ok {
			break
		}
		batch = appendPayload(batch, item)
	}
	return batch
}

func appendPayload(batch []logging.Record, item any) []logging.Record {
	switch v := item.(type) {
	case []logging.Record:
		return append(batch, v...)
	case logging.Record:
		return append(batch, v)
	default:
		return batch
	}
}

// transmit posts batch in chunks of at most batchSize. A failed chunk is
// logged and dropped; there is no retry.
func (c *Consumer) transmit(w *consumer.Worker, batch []logging.Record) {
	for start := 0; start < len(batch); start += c.batchSize {
		if w.Forced() {
			w.Metrics().AddDiscarded(len(batch) - start)
			return
		}

		chunk := batch[start:min(start+c.batchSize, len(batch))]

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		err := w.Guard(func() error { return c.sender.SendBatch(ctx, chunk) })
		cancel()

		w.Metrics().IncBatches()
		if err != nil {
			w.Metrics().AddFailed(len(chunk))
			w.Logger().Error("error uploading batch", "url", c.url, "records", len(chunk), "err", err)
			continue
		}
		w.Metrics().AddSent(len(chunk))
		w.Logger().Debug("uploaded batch", "records", len(chunk))
	}
}

func (c *Consumer) URL() string { return c.url }

var _ logging.Consumer = (*Consumer)(nil)
var _ consumer.Backend = (*Consumer)(nil)
