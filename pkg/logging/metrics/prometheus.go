// Package metrics exports consumer statistics to Prometheus.
package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Chichichkin/logship/pkg/logging"
	"github.com/Chichichkin/logship/pkg/logging/consumer"
)

type StatsSource interface {
	Stats() consumer.Stats
}

// Collector reads a fresh Stats snapshot from every registered consumer on
// each scrape, so nothing on the send path touches Prometheus.
type Collector struct {
	mu      sync.RWMutex
	sources map[string]StatsSource

	enqueued      *prometheus.Desc
	dropped       *prometheus.Desc
	sent          *prometheus.Desc
	failed        *prometheus.Desc
	batches       *prometheus.Desc
	workerStarts  *prometheus.Desc
	queueDepth    *prometheus.Desc
	queueCapacity *prometheus.Desc
	running       *prometheus.Desc
}

func NewCollector(namespace string) *Collector {
	labels := []string{"consumer"}
	return &Collector{
		sources: make(map[string]StatsSource),
		enqueued: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "consumer", "payloads_enqueued_total"),
			"Payloads accepted into the consumer queue", labels, nil),
		dropped: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "consumer", "payloads_dropped_total"),
			"Payloads dropped before delivery, by reason", append(labels, "reason"), nil),
		sent: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "consumer", "records_sent_total"),
			"Records or datagrams delivered to the collector", labels, nil),
		failed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "consumer", "records_failed_total"),
			"Records or datagrams lost to transport errors", labels, nil),
		batches: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "consumer", "transmits_total"),
			"Transmit attempts (HTTP requests)", labels, nil),
		workerStarts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "consumer", "worker_starts_total"),
			"Background workers started", labels, nil),
		queueDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "consumer", "queue_depth"),
			"Payloads currently waiting in the queue", labels, nil),
		queueCapacity: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "consumer", "queue_capacity"),
			"Maximum number of queued payloads", labels, nil),
		running: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "consumer", "running"),
			"1 while the worker is running and no stop has been requested", labels, nil),
	}
}

// Add registers src under its Stats().Name, replacing an earlier source with
// the same name.
func (c *Collector) Add(src StatsSource) {
	name := src.Stats().Name
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = src
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.enqueued
	ch <- c.dropped
	ch <- c.sent
	ch <- c.failed
	ch <- c.batches
	ch <- c.workerStarts
	ch <- c.queueDepth
	ch <- c.queueCapacity
	ch <- c.running
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sources := make([]StatsSource, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		sources = append(sources, c.sources[name])
	}
	c.mu.RUnlock()

	for i, src := range sources {
		stats := src.Stats()
		name := names[i]
		m := &stats.Metrics

		counter := func(desc *prometheus.Desc, v int, extra ...string) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), append([]string{name}, extra...)...)
		}
		gauge := func(desc *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, name)
		}

		counter(c.enqueued, m.Enqueued)
		counter(c.dropped, m.DroppedInvalid, "invalid")
		counter(c.dropped, m.DroppedFull, "buffer_full")
		counter(c.dropped, m.DroppedStopping, "stopping")
		counter(c.dropped, m.Discarded, "forced_stop")
		counter(c.sent, m.Sent)
		counter(c.failed, m.Failed)
		counter(c.batches, m.Batches)
		counter(c.workerStarts, m.WorkerStarts)

		gauge(c.queueDepth, float64(stats.QueueDepth))
		gauge(c.queueCapacity, float64(stats.QueueCapacity))

		running := 0.0
		if stats.State == logging.StateRunning {
			running = 1
		}
		gauge(c.running, running)
	}
}

var _ prometheus.Collector = (*Collector)(nil)
