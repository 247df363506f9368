package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Chichichkin/logship/pkg/logging"
)

// HTTPSender POSTs a batch of records as one JSON array. It never retries;
// a failed batch is reported to the caller and that is the end of it.
type HTTPSender struct {
	url        string
	httpClient *http.Client
}

func NewHTTPSender(url string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = logging.DefaultTimeout
	}
	return &HTTPSender{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *HTTPSender) SendBatch(ctx context.Context, records []logging.Record) error {
	if len(records) == 0 {
		return nil
	}

	body, err := json.Marshal(records)
	if err != nil {
		return &logging.TransportError{Op: "encode", Target: s.url, Err: err}
	}

	return s.sendRequest(ctx, body)
}

func (s *HTTPSender) sendRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return &logging.TransportError{Op: "POST", Target: s.url, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &logging.TransportError{Op: "POST", Target: s.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &logging.TransportError{
			Op:         "POST",
			Target:     s.url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("collector rejected batch: %s", string(responseBody)),
		}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
