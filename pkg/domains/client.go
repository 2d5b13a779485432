// Package domains calls backend domain services on behalf of a user. Every
// call carries a freshly minted internal trust token.
package domains

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/auth"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/httpx"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/routing"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/trust"
)

const (
	StatusSuccess             = "success"
	StatusError               = "error"
	StatusPendingConfirmation = "pending_confirmation"
)

// Response is the envelope domain services answer with.
type Response struct {
	Status         string          `json:"status"`
	Data           json.RawMessage `json:"data,omitempty"`
	ConfirmationID string          `json:"confirmationId,omitempty"`
	Message        string          `json:"message,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// CallError is a failed domain call. Status is zero for transport errors.
type CallError struct {
	Domain string
	Status int
	Msg    string
	Err    error
}

func (e *CallError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("domain %s: %v", e.Domain, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("domain %s: status %d: %s", e.Domain, e.Status, e.Msg)
	default:
		return fmt.Sprintf("domain %s: %s", e.Domain, e.Msg)
	}
}

func (e *CallError) Unwrap() error { return e.Err }

type Options struct {
	HTTP       *http.Client
	Secret     string
	Retries    int
	RetryDelay time.Duration
	// RatePerSec caps outbound calls per domain. Zero disables pacing.
	RatePerSec float64
	Burst      int
	Now        func() time.Time
}

type Client struct {
	opts     Options
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewClient(opts Options) *Client {
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Burst <= 0 {
		opts.Burst = max(1, int(opts.RatePerSec))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{opts: opts, limiters: map[string]*rate.Limiter{}}
}

// Query sends a read query. Transport errors and 5xx responses are retried.
func (c *Client) Query(ctx context.Context, d routing.DomainConfig, user auth.UserContext, query string) (Response, error) {
	body, _ := json.Marshal(map[string]string{"query": query})
	return c.call(ctx, d, user, "/query", body, c.opts.Retries)
}

type executeRequest struct {
	ConfirmationID string          `json:"confirmationId"`
	Action         string          `json:"action"`
	Data           json.RawMessage `json:"data"`
}

// Execute runs a confirmed write. It is never retried.
func (c *Client) Execute(ctx context.Context, d routing.DomainConfig, user auth.UserContext, confirmationID, action string, data json.RawMessage) (Response, error) {
	body, err := json.Marshal(executeRequest{ConfirmationID: confirmationID, Action: action, Data: data})
	if err != nil {
		return Response{}, err
	}
	return c.call(ctx, d, user, "/execute", body, 0)
}

func (c *Client) call(ctx context.Context, d routing.DomainConfig, user auth.UserContext, path string, body []byte, retries int) (Response, error) {
	if strings.TrimSpace(d.Endpoint) == "" {
		return Response{}, &CallError{Domain: d.Name, Msg: "endpoint is empty"}
	}
	if c.opts.Secret == "" {
		return Response{}, trust.ErrMissingSecret
	}
	if err := c.limiter(d.Name).Wait(ctx); err != nil {
		return Response{}, &CallError{Domain: d.Name, Err: err}
	}
	headers := map[string]string{}
	if id := httpx.RequestIDFromContext(ctx); id != "" {
		headers[httpx.RequestIDHeader] = id
	}
	status, respBody, err := httpx.Do(ctx, c.opts.HTTP, httpx.Request{
		Method:     http.MethodPost,
		URL:        strings.TrimRight(d.Endpoint, "/") + path,
		Body:       body,
		Headers:    headers,
		Retries:    retries,
		RetryDelay: c.opts.RetryDelay,
		// A fresh token per attempt keeps pacing and retry delays out of the
		// replay window.
		Prepare: func(r *http.Request) error {
			token, err := trust.MintAt(c.opts.Secret, user.UserID, user.Roles, c.opts.Now())
			if err != nil {
				return err
			}
			r.Header.Set(trust.Header, token)
			return nil
		},
	})
	if err != nil {
		return Response{}, &CallError{Domain: d.Name, Err: err}
	}
	var resp Response
	decodeErr := json.Unmarshal(respBody, &resp)
	if status < 200 || status >= 300 {
		msg := resp.Error
		if msg == "" {
			msg = resp.Message
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
		return Response{}, &CallError{Domain: d.Name, Status: status, Msg: msg}
	}
	if decodeErr != nil {
		return Response{}, &CallError{Domain: d.Name, Status: status, Msg: "malformed response", Err: decodeErr}
	}
	if resp.Status == "" {
		resp.Status = StatusSuccess
	}
	if resp.Status == StatusError {
		msg := resp.Error
		if msg == "" {
			msg = resp.Message
		}
		return Response{}, &CallError{Domain: d.Name, Status: status, Msg: msg}
	}
	return resp, nil
}

func (c *Client) limiter(domain string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[domain]
	if !ok {
		limit := rate.Inf
		if c.opts.RatePerSec > 0 {
			limit = rate.Limit(c.opts.RatePerSec)
		}
		l = rate.NewLimiter(limit, c.opts.Burst)
		c.limiters[domain] = l
	}
	return l
}

// IsCallError reports whether err came from a domain call rather than local
// configuration.
func IsCallError(err error) bool {
	var ce *CallError
	return errors.As(err, &ce)
}
