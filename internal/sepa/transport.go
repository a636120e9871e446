// Package sepa hands SEPA batches to a payment service provider. The batch
// document is opaque here; only the PSP answer is interpreted.
package sepa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrRejected is a non-retryable PSP answer (4xx and other non-ok, non-5xx).
	ErrRejected = errors.New("sepa: batch rejected by psp")
	// ErrUnavailable is a 5xx answer or a transport failure.
	ErrUnavailable = errors.New("sepa: psp unavailable")
)

// Batch is what gets submitted.
type Batch struct {
	BatchID  string `json:"batch_id" validate:"required"`
	Document string `json:"document" validate:"required"`
}

// ResponseBody is the PSP payload.
type ResponseBody struct {
	PSPBatchID string `json:"pspBatchId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Response is {ok, status, body}.
type Response struct {
	OK     bool         `json:"ok"`
	Status int          `json:"status"`
	Body   ResponseBody `json:"body"`
}

// Transport delivers a batch. Errors mean the PSP could not be reached.
type Transport interface {
	Send(ctx context.Context, b Batch) (Response, error)
}

// HTTPTransport posts the batch as JSON to URL.
type HTTPTransport struct {
	URL    string
	Client *http.Client
}

func NewHTTPTransport(url string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPTransport{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (t *HTTPTransport) Send(ctx context.Context, b Batch) (Response, error) {
	if t.URL == "" {
		return Response{}, errors.New("sepa: PSP_URL is not configured")
	}
	body, err := json.Marshal(b)
	if err != nil {
		return Response{}, fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", b.BatchID)

	resp, err := t.Client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()

	out := Response{OK: resp.StatusCode >= 200 && resp.StatusCode < 300, Status: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out.Body); err != nil {
			out.Body.Error = string(raw)
		}
	}
	return out, nil
}

// Outcome is stored as the job result of a successful submission.
type Outcome struct {
	BatchID    string `json:"batch_id"`
	PSPBatchID string `json:"psp_batch_id"`
	Status     int    `json:"status"`
}

// Submitter classifies PSP answers.
type Submitter struct {
	transport Transport
	logger    *zap.Logger
}

func NewSubmitter(t Transport, logger *zap.Logger) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{transport: t, logger: logger}
}

// Submit sends b. It wraps ErrUnavailable for transport errors and 5xx and
// ErrRejected for every other non-ok answer.
func (s *Submitter) Submit(ctx context.Context, b Batch) (Outcome, error) {
	resp, err := s.transport.Send(ctx, b)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !resp.OK {
		s.logger.Warn("psp refused batch", zap.String("batch_id", b.BatchID), zap.Int("status", resp.Status), zap.String("error", resp.Body.Error))
		if resp.Status >= 500 {
			return Outcome{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.Status, resp.Body.Error)
		}
		return Outcome{}, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.Status, resp.Body.Error)
	}
	s.logger.Info("batch submitted", zap.String("batch_id", b.BatchID), zap.String("psp_batch_id", resp.Body.PSPBatchID))
	return Outcome{BatchID: b.BatchID, PSPBatchID: resp.Body.PSPBatchID, Status: resp.Status}, nil
}
