package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Request describes one outbound JSON call.
type Request struct {
	Method     string
	URL        string
	Body       []byte
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
	// Prepare runs on every attempt after Headers are applied. An error ends
	// the call without sending.
	Prepare func(*http.Request) error
}

// Do performs the request and returns status and body.
// Retries apply to transport errors and 5xx responses only, and stop as soon as
// ctx is done. Callers that must not repeat side effects pass Retries == 0.
func Do(ctx context.Context, client *http.Client, req Request) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	retries := req.Retries
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, req.RetryDelay); err != nil {
				return 0, nil, err
			}
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return 0, nil, err
		}
		if len(req.Body) > 0 {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		httpReq.Header.Set("Accept", "application/json")
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}
		if req.Prepare != nil {
			if err := req.Prepare(httpReq); err != nil {
				return 0, nil, err
			}
		}
		resp, err := client.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 && attempt < retries {
			continue
		}
		return resp.StatusCode, body, nil
	}
	return 0, nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
