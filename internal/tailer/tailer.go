// Package tailer follows *.log files under a directory tree and hands every
// new line to a Sink.
package tailer

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"golang.org/x/sync/errgroup"

	"github.com/Chichichkin/logship/pkg/logging"
)

// Sink receives one payload per line. *logging.Logger satisfies it.
type Sink interface {
	Log(data any)
}

type Format int

const (
	// FormatRecord sends a flat logging.Record with the line and its labels.
	FormatRecord Format = iota
	// FormatLine sends the raw line as a string.
	FormatLine
)

type Config struct {
	Root         string
	ScanInterval time.Duration
	// If > 0, stop following a file after this period without new lines.
	// The next scan picks it up again at the saved offset.
	IdleTimeout time.Duration
	Workers     int
	QueueSize   int
	NodeName    string
	Format      Format
	// FromStart reads files seen for the first time from offset 0 instead
	// of their current end.
	FromStart bool
	// ReportInterval controls the periodic metrics log line. 0 disables it.
	ReportInterval time.Duration
}

type Tailer struct {
	config    Config
	sink      Sink
	logger    *slog.Logger
	fileQueue chan string
	metrics   *Metrics

	mu      sync.Mutex
	active  map[string]struct{}
	seen    map[string]struct{}
	offsets map[string]int64
}

func New(config Config, sink Sink, logger *slog.Logger) *Tailer {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.Workers
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Tailer{
		config:    config,
		sink:      sink,
		logger:    logger.With("component", "tailer"),
		fileQueue: make(chan string, config.QueueSize),
		metrics:   &Metrics{FilesQueueCapacity: config.QueueSize},
		active:    make(map[string]struct{}),
		seen:      make(map[string]struct{}),
		offsets:   make(map[string]int64),
	}
}

func (t *Tailer) Metrics() *Metrics { return t.metrics }

// Run scans and follows files until ctx is cancelled. It always returns nil
// once every worker has exited.
func (t *Tailer) Run(ctx context.Context) error {
	t.logger.Info("starting tailer",
		"root", t.config.Root, "workers", t.config.Workers, "queue_size", t.config.QueueSize)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < t.config.Workers; i++ {
		id := i
		g.Go(func() error {
			t.worker(ctx, id)
			return nil
		})
	}
	g.Go(func() error {
		t.scanner(ctx)
		return nil
	})
	if t.config.ReportInterval > 0 {
		g.Go(func() error {
			t.reporter(ctx)
			return nil
		})
	}

	err := g.Wait()
	t.logger.Info("tailer stopped")
	return err
}

func (t *Tailer) worker(ctx context.Context, id int) {
	for {
		select {
		case path := <-t.fileQueue:
			t.metrics.DecQueuedFiles()
			t.metrics.IncWorkersBusy()
			t.processFile(ctx, id, path)
			t.metrics.DecWorkersBusy()
			t.release(path)

		case <-ctx.Done():
			return
		}
	}
}

func (t *Tailer) processFile(ctx context.Context, id int, path string) {
	defer t.metrics.IncFilesProcessed()
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("file processing panicked", "worker", id, "file", path, "panic", r)
			t.metrics.IncFilesFailed()
		}
	}()

	tl, err := tail.TailFile(path, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: t.location(path),
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		t.logger.Error("failed to tail file", "file", path, "err", err)
		t.metrics.IncFilesFailed()
		return
	}
	defer func() {
		if offset, err := tl.Tell(); err == nil {
			t.saveOffset(path, offset)
		}
		_ = tl.Stop()
		tl.Cleanup()
	}()

	labels := t.extractLabels(path)

	checkInterval := time.Second
	if t.config.IdleTimeout > 0 && t.config.IdleTimeout < 2*checkInterval {
		checkInterval = t.config.IdleTimeout / 2
	}
	checkTicker := time.NewTicker(checkInterval)
	defer checkTicker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case line, ok := <-tl.Lines:
			if !ok {
				return
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				t.logger.Warn("error reading file", "file", path, "err", line.Err)
				continue
			}

			t.metrics.IncLinesRead()
			t.sink.Log(t.payload(line.Text, path, labels))
			lastActivity = time.Now()

		case <-checkTicker.C:
			if t.config.IdleTimeout > 0 && time.Since(lastActivity) > t.config.IdleTimeout {
				t.logger.Debug("file idle, releasing", "file", path)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tailer) payload(text, path string, labels map[string]string) any {
	if t.config.Format == FormatLine {
		return text
	}
	record := logging.Record{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"message":   text,
		"path":      path,
	}
	for k, v := range labels {
		record[k] = v
	}
	return record
}

// location resumes a previously followed file at its saved offset. A file
// that shrank since then was truncated or rotated and is read from the start.
func (t *Tailer) location(path string) *tail.SeekInfo {
	t.mu.Lock()
	offset, resumed := t.offsets[path]
	t.mu.Unlock()

	if resumed {
		if info, err := os.Stat(path); err == nil && info.Size() < offset {
			offset = 0
		}
		return &tail.SeekInfo{Offset: offset, Whence: io.SeekStart}
	}
	if t.config.FromStart {
		return nil
	}
	return &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
}

func (t *Tailer) saveOffset(path string, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offsets[path] = offset
}

func (t *Tailer) release(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, path)
}

func (t *Tailer) scanner(ctx context.Context) {
	t.scanFiles(ctx)

	ticker := time.NewTicker(t.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.scanFiles(ctx)

		case <-ctx.Done():
			return
		}
	}
}

// scanFiles queues every discovered file that no worker is following yet.
func (t *Tailer) scanFiles(ctx context.Context) {
	files, err := t.discoverLogFiles()
	if err != nil {
		t.logger.Error("error discovering log files", "err", err)
		return
	}

	for _, file := range files {
		t.mu.Lock()
		_, busy := t.active[file]
		if _, ok := t.seen[file]; !ok {
			t.seen[file] = struct{}{}
			t.metrics.IncFilesDiscovered()
		}
		t.mu.Unlock()
		if busy {
			continue
		}

		select {
		case t.fileQueue <- file:
			t.mu.Lock()
			t.active[file] = struct{}{}
			t.mu.Unlock()
			t.metrics.IncQueuedFiles()
		case <-ctx.Done():
			return
		default:
			t.logger.Warn("file queue full, skipping",
				"queued", len(t.fileQueue), "capacity", cap(t.fileQueue), "file", file)
		}
	}
}

func (t *Tailer) reporter(ctx context.Context) {
	ticker := time.NewTicker(t.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m := t.metrics.GetMetricsStamp()
			t.logger.Info("tailer metrics",
				"workers_busy", m.WorkersBusy,
				"workers", t.config.Workers,
				"queued_files", m.QueuedFiles,
				"queue_usage_pct", int(t.metrics.GetQueueUsage()*100),
				"files_processed", m.FilesProcessed,
				"files_discovered", m.FilesDiscovered,
				"files_failed", m.FilesFailed,
				"lines_read", m.LinesRead,
			)

		case <-ctx.Done():
			return
		}
	}
}

func (t *Tailer) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.Walk(t.config.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			t.logger.Warn("error accessing path", "path", path, "err", err)
			return nil
		}

		if !info.IsDir() && strings.HasSuffix(info.Name(), ".log") {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

// extractLabels reads pod metadata from the kubelet layout
// <root>/<namespace>_<pod>_<uid>/<container>/<n>.log.
func (t *Tailer) extractLabels(path string) map[string]string {
	labels := map[string]string{
		"node": t.config.NodeName,
		"file": filepath.Base(path),
	}

	rel, err := filepath.Rel(t.config.Root, path)
	if err != nil {
		return labels
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return labels
	}

	podParts := strings.SplitN(parts[0], "_", 3)
	if len(podParts) == 3 {
		labels["namespace"] = podParts[0]
		labels["pod"] = podParts[1]
		labels["pod_uid"] = podParts[2]
	}
	if len(parts) >= 3 {
		labels["container"] = parts[1]
	}

	return labels
}
