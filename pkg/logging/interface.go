package logging

import (
	"context"
	"time"
)

// Record is a single structured log event. Values are scalars or slices of
// scalars; nested records are not accepted by the HTTP transport.
type Record map[string]any

type Consumer interface {
	Send(data any)
	Start(opts StartOptions) error
	Stop(opts StopOptions)
}

type StartOptions struct {
	// Daemon detaches the worker: Stop only signals it and does not wait for
	// it to exit. Use Wait to join a detached worker.
	Daemon bool
}

type StopOptions struct {
	// Force makes the worker exit at its next check and discard whatever is
	// still queued.
	Force bool
}

type BatchSender interface {
	SendBatch(ctx context.Context, records []Record) error
}

type DatagramSender interface {
	Send(data []byte) error
	Close() error
}

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStoppingForced
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStoppingForced:
		return "stopping_forced"
	default:
		return "unknown"
	}
}

const (
	DefaultBufferSize   = 1024
	DefaultBatchSize    = 100
	DefaultTimeout      = 15 * time.Second
	DefaultPollInterval = time.Second
)
