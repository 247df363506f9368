package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/logship/pkg/logging"
)

func TestHTTPSender_SendBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/json/receive", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload []map[string]any
		err := json.NewDecoder(r.Body).Decode(&payload)
		assert.NoError(t, err)

		require.Len(t, payload, 2)
		assert.Equal(t, "value1", payload[0]["key1"])
		assert.Equal(t, float64(2), payload[1]["key1"])

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender := NewHTTPSender(server.URL+"/json/receive", time.Second)

	records := []logging.Record{
		{"key1": "value1", "key4": []string{"x", "y", "z"}},
		{"key1": 2},
	}

	err := sender.SendBatch(context.Background(), records)
	assert.NoError(t, err)
}

func TestHTTPSender_SendBatch_NoRetry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	sender := NewHTTPSender(server.URL, time.Second)

	err := sender.SendBatch(context.Background(), []logging.Record{{"a": 1}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, logging.ErrTransport))

	var transportErr *logging.TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, http.StatusInternalServerError, transportErr.StatusCode)
	assert.Contains(t, err.Error(), "boom")

	assert.Equal(t, int32(1), attempts.Load())
}

func TestHTTPSender_SendBatch_Empty(t *testing.T) {
	sender := NewHTTPSender("http://127.0.0.1:1", time.Second)
	assert.NoError(t, sender.SendBatch(context.Background(), nil))
}

func TestHTTPSender_SendBatch_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	sender := NewHTTPSender(server.URL, 50*time.Millisecond)

	start := time.Now()
	err := sender.SendBatch(context.Background(), []logging.Record{{"a": 1}})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, logging.ErrTransport))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHTTPSender_SendBatch_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	sender := NewHTTPSender(url, time.Second)
	err := sender.SendBatch(context.Background(), []logging.Record{{"a": 1}})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, logging.ErrTransport))
}

func TestHTTPSender_SendBatch_Unencodable(t *testing.T) {
	sender := NewHTTPSender("http://127.0.0.1:1", time.Second)
	err := sender.SendBatch(context.Background(), []logging.Record{{"ch": make(chan int)}})

	var transportErr *logging.TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, "encode", transportErr.Op)
}
