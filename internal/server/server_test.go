package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveHTTP(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestServer_Probes(t *testing.T) {
	s := New(Config{})

	assert.Equal(t, http.StatusOK, serveHTTP(s, http.MethodGet, "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serveHTTP(s, http.MethodGet, "/readyz").Code)

	s.SetReady(true)
	assert.True(t, s.Ready())
	assert.Equal(t, http.StatusOK, serveHTTP(s, http.MethodGet, "/readyz").Code)
}

func TestServer_RejectsRoutesUntilReady(t *testing.T) {
	s := New(Config{})
	s.Echo().POST("/ingest", func(c echo.Context) error {
		return c.NoContent(http.StatusAccepted)
	})

	assert.Equal(t, http.StatusServiceUnavailable, serveHTTP(s, http.MethodPost, "/ingest").Code)

	s.SetReady(true)
	assert.Equal(t, http.StatusAccepted, serveHTTP(s, http.MethodPost, "/ingest").Code)
}

func TestServer_MetricsUseOwnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "logship_test_total", Help: "test"}))
	s := New(Config{Subsystem: "logship_test", Registry: reg})
	s.SetReady(true)

	serveHTTP(s, http.MethodGet, "/healthz")
	rec := serveHTTP(s, http.MethodGet, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "logship_test_total")
	assert.Contains(t, rec.Body.String(), "logship_test_requests_total")

	// a second server on a fresh registry must not clash with the first
	assert.NotPanics(t, func() { New(Config{Subsystem: "logship_test"}) })
}

func TestServer_ServeAndShutdown(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"})
	addr, err := s.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + addr.String() + "/healthz")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.SetReady(true)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.False(t, s.Ready())
}

func TestServer_ListenError(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:-1"})
	_, err := s.Listen()
	assert.Error(t, err)
	assert.Error(t, s.Serve(context.Background()))
}
