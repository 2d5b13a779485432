package trust

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/httpx"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/logging"
)

type payloadKey struct{}

type middlewareConfig struct {
	window time.Duration
	exempt map[string]struct{}
	now    func() time.Time
	logger *slog.Logger
}

type MiddlewareOption func(*middlewareConfig)

func WithReplayWindow(d time.Duration) MiddlewareOption {
	return func(c *middlewareConfig) { c.window = d }
}

// WithExemptPaths replaces the default health paths that skip verification.
func WithExemptPaths(paths ...string) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.exempt = map[string]struct{}{}
		for _, p := range paths {
			c.exempt[p] = struct{}{}
		}
	}
}

func WithClock(now func() time.Time) MiddlewareOption {
	return func(c *middlewareConfig) { c.now = now }
}

func WithLogger(l *slog.Logger) MiddlewareOption {
	return func(c *middlewareConfig) { c.logger = l }
}

// Middleware guards a domain service. Requests other than the exempt health
// paths need a valid X-MCP-Internal-Token. An empty secret makes every guarded
// request fail with 503 rather than letting traffic through.
func Middleware(secret string, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{
		window: DefaultReplayWindow,
		exempt: map[string]struct{}{"/health": {}, "/healthz": {}, "/api/health": {}},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := logging.OrDiscard(cfg.logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := cfg.exempt[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			if secret == "" {
				logger.Error("trust secret not configured, refusing request", "path", r.URL.Path)
				httpx.Error(w, http.StatusServiceUnavailable, httpx.CodeServiceMisconfigured, "service misconfigured")
				return
			}
			token := strings.TrimSpace(r.Header.Get(Header))
			if token == "" {
				httpx.Error(w, http.StatusUnauthorized, httpx.CodeAuthInvalid, "missing internal token")
				return
			}
			p, err := ValidateAt(secret, token, cfg.window, cfg.now())
			if err != nil {
				logger.Warn("internal token rejected", "path", r.URL.Path, "reason", reason(err))
				httpx.Error(w, http.StatusUnauthorized, httpx.CodeAuthInvalid, "invalid internal token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPayload(r.Context(), p)))
		})
	}
}

func WithPayload(ctx context.Context, p Payload) context.Context {
	return context.WithValue(ctx, payloadKey{}, p)
}

func PayloadFromContext(ctx context.Context) (Payload, bool) {
	p, ok := ctx.Value(payloadKey{}).(Payload)
	return p, ok
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenFromFuture):
		return "from_future"
	default:
		return "malformed"
	}
}
