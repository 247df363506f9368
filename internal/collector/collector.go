// Package collector is a development receiver for both consumers: it accepts
// JSON arrays of flat records over HTTP and raw datagrams over UDP, logs them
// and counts them.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/Chichichkin/logship/internal/server"
	"github.com/Chichichkin/logship/pkg/logging"
	"github.com/Chichichkin/logship/pkg/logging/batch"
)

const maxDatagramSize = 64 * 1024

type Received struct {
	Transport string
	Record    logging.Record
	Line      string
	From      string
}

type Config struct {
	HTTPAddr string
	UDPAddr  string
	Path     string
	// OnReceive, when set, is called for every accepted record and datagram.
	OnReceive func(Received)
}

type Stats struct {
	Requests  int64
	Records   int64
	Rejected  int64
	Datagrams int64
}

type Collector struct {
	config Config
	logger *slog.Logger
	server *server.Server
	conn   net.PacketConn
	bound  bool

	requests  *atomic.Int64
	records   *atomic.Int64
	rejected  *atomic.Int64
	datagrams *atomic.Int64
	received  *prometheus.CounterVec
}

func New(config Config, registry *prometheus.Registry, logger *slog.Logger) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.Path == "" {
		config.Path = "/json/receive"
	}

	c := &Collector{
		config:    config,
		logger:    logger.With("component", "collector"),
		requests:  atomic.NewInt64(0),
		records:   atomic.NewInt64(0),
		rejected:  atomic.NewInt64(0),
		datagrams: atomic.NewInt64(0),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logship",
			Subsystem: "collector",
			Name:      "received_total",
			Help:      "Records and datagrams received, by transport and outcome",
		}, []string{"transport", "outcome"}),
	}
	registry.MustRegister(c.received)

	if config.HTTPAddr != "" {
		c.server = server.New(server.Config{
			Addr:      config.HTTPAddr,
			Subsystem: "logship_collector",
			Registry:  registry,
			Logger:    logger,
		})
		c.server.Echo().POST(config.Path, c.handleJSON)
	}
	return c
}

// Listen binds the HTTP and UDP sockets that are configured. Nil addresses
// are returned for the ones that are not.
func (c *Collector) Listen() (httpAddr, udpAddr net.Addr, err error) {
	if c.server != nil {
		if httpAddr, err = c.server.Listen(); err != nil {
			return nil, nil, err
		}
	}
	if c.config.UDPAddr != "" {
		conn, err := net.ListenPacket("udp", c.config.UDPAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listen udp %s: %w", c.config.UDPAddr, err)
		}
		c.conn = conn
		udpAddr = conn.LocalAddr()
	}
	c.bound = true
	return httpAddr, udpAddr, nil
}

// Run serves until ctx is cancelled. Call Listen first to learn the bound
// addresses; Run listens itself otherwise.
func (c *Collector) Run(ctx context.Context) error {
	if !c.bound {
		if _, _, err := c.Listen(); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if c.server != nil {
		c.server.SetReady(true)
		g.Go(func() error { return c.server.Serve(ctx) })
	}
	if c.conn != nil {
		g.Go(func() error { return c.serveUDP(ctx) })
	}
	return g.Wait()
}

func (c *Collector) Stats() Stats {
	return Stats{
		Requests:  c.requests.Load(),
		Records:   c.records.Load(),
		Rejected:  c.rejected.Load(),
		Datagrams: c.datagrams.Load(),
	}
}

// handleJSON accepts a JSON array of flat records. Records with nested
// objects are rejected one by one; the rest of the array is kept.
func (c *Collector) handleJSON(ctx echo.Context) error {
	c.requests.Inc()

	var body any
	if err := json.NewDecoder(ctx.Request().Body).Decode(&body); err != nil {
		c.logger.Warn("malformed request body", "err", err)
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "malformed JSON: " + err.Error()})
	}

	records, rejected, err := batch.Filter(body)
	if err != nil {
		c.logger.Warn("unusable request body", "err", err)
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	for _, r := range rejected {
		c.logger.Info("rejecting record", "err", r)
	}
	for _, record := range records {
		c.logger.Debug("record", "fields", len(record), "message", record["message"])
		if c.config.OnReceive != nil {
			c.config.OnReceive(Received{Transport: "http", Record: record, From: ctx.RealIP()})
		}
	}

	c.records.Add(int64(len(records)))
	c.rejected.Add(int64(len(rejected)))
	c.received.WithLabelValues("http", "accepted").Add(float64(len(records)))
	c.received.WithLabelValues("http", "rejected").Add(float64(len(rejected)))
	c.logger.Info("received batch", "accepted", len(records), "rejected", len(rejected))

	return ctx.JSON(http.StatusOK, map[string]int{"accepted": len(records), "rejected": len(rejected)})
}

func (c *Collector) serveUDP(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = c.conn.Close()
	}()

	c.logger.Info("serving UDP", "addr", c.conn.LocalAddr().String())
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				c.logger.Info("UDP listener stopped")
				return nil
			}
			return fmt.Errorf("read udp: %w", err)
		}

		line := string(buf[:n])
		c.datagrams.Inc()
		c.received.WithLabelValues("udp", "accepted").Inc()
		c.logger.Debug("datagram", "from", from.String(), "bytes", n)
		if c.config.OnReceive != nil {
			c.config.OnReceive(Received{Transport: "udp", Line: line, From: from.String()})
		}
	}
}
