package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/httpx"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/logging"
)

// Middleware requires a valid bearer token and places the UserContext on the
// request context. onReject, if set, receives the error code of every
// rejected request.
func Middleware(ex *Extractor, logger *slog.Logger, onReject func(code string)) func(http.Handler) http.Handler {
	logger = logging.OrDiscard(logger)
	reject := func(w http.ResponseWriter, status int, code, msg string) {
		if onReject != nil {
			onReject(code)
		}
		httpx.Error(w, status, code, msg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				reject(w, http.StatusUnauthorized, httpx.CodeAuthInvalid, "missing bearer token")
				return
			}
			user, err := ex.Extract(r.Context(), token)
			if err != nil {
				requestID := httpx.RequestIDFromContext(r.Context())
				switch {
				case errors.Is(err, ErrTokenRevoked):
					logger.Warn("rejected revoked token", "event", "token_revoked", "jti", TokenID(token), "request_id", requestID)
					reject(w, http.StatusUnauthorized, httpx.CodeTokenRevoked, "token has been revoked")
				case errors.Is(err, ErrRevocationUnavailable):
					logger.Error("revocation status unavailable", "event", "revocation_unavailable", "error", err, "request_id", requestID)
					reject(w, http.StatusServiceUnavailable, httpx.CodeDependencyDegraded, "token revocation status unavailable")
				case errors.Is(err, ErrTokenExpired):
					logger.Info("rejected expired token", "event", "token_expired", "request_id", requestID)
					reject(w, http.StatusUnauthorized, httpx.CodeAuthInvalid, "token expired")
				default:
					logger.Info("rejected invalid token", "event", "token_invalid", "error", err, "request_id", requestID)
					reject(w, http.StatusUnauthorized, httpx.CodeAuthInvalid, "invalid token")
				}
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len("bearer ") || !strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[len("bearer "):])
	return token, token != ""
}
