// Package webhook posts job payloads to external HTTP endpoints. It is a
// reference handler: it checks the rate limiter before the outbound call
// and fails transiently on denial, so the queue's backoff reschedules it.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"jobflow/internal/domain"
	"jobflow/internal/ratelimit"
)

const processType = "webhook"

type Webhook struct {
	Limiter *ratelimit.Limiter
	Client  *http.Client
}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

func (h Webhook) Handle(ctx context.Context, params json.RawMessage) (domain.Outcome, error) {
	var req Request
	if err := json.Unmarshal(params, &req); err != nil {
		return domain.Outcome{}, fmt.Errorf("invalid webhook payload: %w", err)
	}
	if req.URL == "" {
		return domain.Outcome{}, fmt.Errorf("url is required")
	}
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	if req.Timeout <= 0 {
		req.Timeout = 30
	}

	// Admission check before the expensive call; a denial is a transient
	// failure, the retry path brings the job back after the window clears.
	var usageID string
	if h.Limiter != nil {
		decision, err := h.Limiter.CheckLimit(ctx, processType, 0)
		if err != nil {
			return domain.Outcome{}, fmt.Errorf("rate limit check: %w", err)
		}
		if !decision.Allowed {
			return domain.Outcome{}, fmt.Errorf("rate limited: %s (retry after %s)", decision.Reason, decision.RetryAfter)
		}
		usageID, err = h.Limiter.RecordUsage(ctx, processType, 0, nil)
		if err != nil {
			return domain.Outcome{}, fmt.Errorf("record usage: %w", err)
		}
	}

	client := h.Client
	if client == nil {
		client = &http.Client{}
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, req.URL, body)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("build request: %w", err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("webhook call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return domain.Outcome{}, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	if h.Limiter != nil && usageID != "" {
		// Cost is per-request here; reconcile the zero token estimate.
		_ = h.Limiter.UpdateActualTokens(ctx, usageID, 0)
	}

	result, _ := json.Marshal(map[string]any{"status_code": resp.StatusCode})
	return domain.Outcome{
		Summary: fmt.Sprintf("%s %s -> %d", req.Method, req.URL, resp.StatusCode),
		Data:    result,
	}, nil
}
