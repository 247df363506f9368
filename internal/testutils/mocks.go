package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Chichichkin/logship/pkg/logging"
)

// MockBatchSender records every batch it is handed. When Gate is set each
// call blocks until a value can be received from it.
type MockBatchSender struct {
	SentBatches [][]logging.Record
	mu          sync.Mutex
	ShouldFail  bool
	Delay       time.Duration
	Gate        chan struct{}
	Calls       chan int
}

func (m *MockBatchSender) SendBatch(ctx context.Context, records []logging.Record) error {
	if m.Calls != nil {
		m.Calls <- len(records)
	}
	if m.Gate != nil {
		<-m.Gate
	}
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ShouldFail {
		return &logging.TransportError{Op: "POST", Target: "mock", Err: fmt.Errorf("mock send failed")}
	}

	m.SentBatches = append(m.SentBatches, records)
	return nil
}

func (m *MockBatchSender) GetSentBatches() [][]logging.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]logging.Record, len(m.SentBatches))
	copy(out, m.SentBatches)
	return out
}

func (m *MockBatchSender) GetSentRecords() []logging.Record {
	var records []logging.Record
	for _, b := range m.GetSentBatches() {
		records = append(records, b...)
	}
	return records
}

type MockDatagramSender struct {
	Sent       []string
	mu         sync.Mutex
	ShouldFail bool
	Closed     bool
}

func (m *MockDatagramSender) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ShouldFail {
		return &logging.TransportError{Op: "write", Target: "mock", Err: fmt.Errorf("mock write failed")}
	}
	m.Sent = append(m.Sent, string(data))
	return nil
}

func (m *MockDatagramSender) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

func (m *MockDatagramSender) GetSent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Sent))
	copy(out, m.Sent)
	return out
}

func (m *MockDatagramSender) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Closed
}

type MockConsumer struct {
	Payloads   []any
	mu         sync.Mutex
	StartCalls int
	StopCalls  int
	LastStart  logging.StartOptions
	LastStop   logging.StopOptions
	StartErr   error
}

func (m *MockConsumer) Send(data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Payloads = append(m.Payloads, data)
}

func (m *MockConsumer) Start(opts logging.StartOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StartCalls++
	m.LastStart = opts
	return m.StartErr
}

func (m *MockConsumer) Stop(opts logging.StopOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StopCalls++
	m.LastStop = opts
}

func (m *MockConsumer) GetPayloads() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]any, len(m.Payloads))
	copy(out, m.Payloads)
	return out
}

// Eventually polls cond until it holds or timeout passes.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          "log content 1\nline 2\n",
		"default_pod-1_uid123/container-2/app.log":          "log content 2\nerror log\n",
		"kube-system_pod-2_uid456/container/app.log":        "log content 3\ninfo message\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
		"monitoring_pod-4_uid101/prometheus/notes.txt":      "not a log\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}
