package datagram

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/Chichichkin/logship/pkg/logging"
	"github.com/Chichichkin/logship/pkg/logging/consumer"
	"github.com/Chichichkin/logship/pkg/logging/transport"
)

// Dialer opens the socket a worker uses for its whole lifetime.
type Dialer func(addr string) (logging.DatagramSender, error)

// Consumer sends each queued string as one UDP datagram.
type Consumer struct {
	*consumer.Queue
	addr string
	dial Dialer
}

type options struct {
	name         string
	bufferSize   int
	pollInterval time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	dial         Dialer
}

type Option func(*options)

func WithName(name string) Option { return func(o *options) { o.name = name } }

func WithBufferSize(n int) Option { return func(o *options) { o.bufferSize = n } }

func WithPollInterval(d time.Duration) Option { return func(o *options) { o.pollInterval = d } }

// WithWriteTimeout bounds each socket write. Zero means no deadline.
func WithWriteTimeout(d time.Duration) Option { return func(o *options) { o.writeTimeout = d } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

func WithDialer(d Dialer) Option { return func(o *options) { o.dial = d } }

func New(host string, port int, opts ...Option) *Consumer {
	o := options{
		name:         "udp",
		bufferSize:   logging.DefaultBufferSize,
		pollInterval: logging.DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dial == nil {
		timeout := o.writeTimeout
		o.dial = func(addr string) (logging.DatagramSender, error) {
			return transport.DialUDP(addr, timeout)
		}
	}

	c := &Consumer{
		addr: net.JoinHostPort(host, strconv.Itoa(port)),
		dial: o.dial,
	}
	c.Queue = consumer.NewQueue(c, consumer.Config{
		Name:         o.name,
		BufferSize:   o.bufferSize,
		PollInterval: o.pollInterval,
		Logger:       o.logger,
	})
	return c
}

func (c *Consumer) Validate(data any) (any, error) {
	s, ok := data.(string)
	if !ok {
		return nil, logging.NewValidationError(nil, fmt.Sprintf("expected string, got %T", data), data)
	}
	return s, nil
}

func (c *Consumer) Upload(w *consumer.Worker) {
	sender, err := c.dial(c.addr)
	if err != nil {
		w.Logger().Error("failed to open UDP socket", "addr", c.addr, "err", err)
		return
	}
	defer func() {
		if err := sender.Close(); err != nil {
			w.Logger().Warn("failed to close UDP socket", "addr", c.addr, "err", err)
		}
	}()

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

		message, _ := item.(string)
		err := w.Guard(func() error { return sender.Send([]byte(message)) })
		if err != nil {
			w.Metrics().AddFailed(1)
			w.Logger().Error("error uploading log", "addr", c.addr, "err", err)
			continue
		}
		w.Metrics().AddSent(1)
	}
}

func (c *Consumer) Addr() string { return c.addr }

var _ logging.Consumer = (*Consumer)(nil)
var _ consumer.Backend = (*Consumer)(nil)
