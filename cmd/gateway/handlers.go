package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/auth"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/confirmation"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/httpx"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/orchestrator"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/trust"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type queryRequest struct {
	Query          string `json:"query" validate:"required"`
	ConversationID string `json:"conversationId" validate:"omitempty,max=128"`
}

type queryMetadata struct {
	DataSourcesQueried   []string                           `json:"dataSourcesQueried"`
	DataSourcesDenied    []string                           `json:"dataSourcesDenied"`
	Domains              []orchestrator.DomainStatus        `json:"domains"`
	PendingConfirmations []orchestrator.PendingConfirmation `json:"pendingConfirmations,omitempty"`
	ProcessingTimeMs     int64                              `json:"processingTimeMs"`
}

type queryResponse struct {
	RequestID      string        `json:"requestId"`
	ConversationID string        `json:"conversationId"`
	Response       string        `json:"response"`
	Metadata       queryMetadata `json:"metadata"`
}

type confirmRequest struct {
	Approved *bool `json:"approved" validate:"required"`
}

type executionFailure struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// decodeBody reports whether the handler may continue; on false the error
// response has already been written.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.Error(w, http.StatusRequestEntityTooLarge, httpx.CodeRequestTooLarge, "request body too large")
			return false
		}
		httpx.Error(w, http.StatusBadRequest, httpx.CodeInvalidRequest, "invalid JSON body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		httpx.Error(w, http.StatusBadRequest, httpx.CodeInvalidRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := auth.UserFromContext(ctx)
	requestID := httpx.RequestIDFromContext(ctx)

	var req queryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		httpx.Error(w, http.StatusBadRequest, httpx.CodeInvalidRequest, "query must not be blank")
		return
	}
	if s.RateLimiter != nil {
		d := s.RateLimiter.Allow(ctx, "user:"+user.UserID, s.Config.RateLimitPerMinute)
		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter(time.Now()).Seconds())))
			httpx.Error(w, http.StatusTooManyRequests, httpx.CodeRateLimited, "rate limit exceeded")
			return
		}
	}

	res, err := s.Orchestrator.Query(ctx, orchestrator.Request{Query: req.Query, User: user, RequestID: requestID})
	switch {
	case errors.Is(err, orchestrator.ErrNoAccessibleDomains):
		httpx.Error(w, http.StatusForbidden, httpx.CodeInsufficientPermissions, "no data sources are available for your roles")
		return
	case err != nil:
		s.Logger.Error("query failed", "error", err, "request_id", requestID)
		httpx.Error(w, http.StatusInternalServerError, httpx.CodeInternal, "query failed")
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	httpx.WriteJSON(w, http.StatusOK, queryResponse{
		RequestID:      requestID,
		ConversationID: conversationID,
		Response:       res.Response,
		Metadata: queryMetadata{
			DataSourcesQueried:   res.Queried(),
			DataSourcesDenied:    nonNil(res.Denied),
			Domains:              res.Domains,
			PendingConfirmations: res.PendingConfirmations,
			ProcessingTimeMs:     res.DurationMs,
		},
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := auth.UserFromContext(ctx)
	requestID := httpx.RequestIDFromContext(ctx)

	id := strings.TrimSpace(chi.URLParam(r, "confirmationId"))
	if id == "" {
		httpx.Error(w, http.StatusBadRequest, httpx.CodeInvalidRequest, "confirmation id required")
		return
	}
	var req confirmRequest
	if !decodeBody(w, r, &req) {
		return
	}

	out, err := s.Confirmations.Resolve(ctx, confirmation.Resolution{
		ConfirmationID: id,
		Approved:       *req.Approved,
		User:           user,
		RequestID:      requestID,
	})
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, out)
	case errors.Is(err, confirmation.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, httpx.CodeConfirmationNotFound, "confirmation not found or expired")
	case errors.Is(err, confirmation.ErrUnreadable):
		httpx.Error(w, http.StatusInternalServerError, httpx.CodeInternal, "confirmation record could not be read")
	case errors.Is(err, confirmation.ErrUserMismatch):
		httpx.Error(w, http.StatusForbidden, httpx.CodeConfirmationUserMismatch, "confirmation belongs to another user")
	case errors.Is(err, trust.ErrMissingSecret):
		s.Logger.Error("trust secret not configured", "request_id", requestID)
		httpx.Error(w, http.StatusServiceUnavailable, httpx.CodeServiceMisconfigured, "gateway trust secret is not configured")
	case errors.Is(err, confirmation.ErrExecutionFailed):
		httpx.WriteJSON(w, http.StatusBadGateway, executionFailure{
			Status:  out.Status,
			Message: out.Message,
			Error:   err.Error(),
			Code:    httpx.CodeDomainCallFailed,
		})
	default:
		s.Logger.Error("confirmation store failed", "error", err, "confirmation_id", id, "request_id", requestID)
		httpx.Error(w, http.StatusServiceUnavailable, httpx.CodeDependencyDegraded, "confirmation store unavailable")
	}
}

type revocationComponent struct {
	Status              string `json:"status"`
	CacheSize           int    `json:"cacheSize"`
	LastSyncMs          int64  `json:"lastSyncMs"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
}

type healthResponse struct {
	Status     string         `json:"status"`
	Service    string         `json:"service"`
	Timestamp  string         `json:"timestamp"`
	Components map[string]any `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.Revocation.Health()
	component := revocationComponent{
		Status:              "healthy",
		CacheSize:           h.CacheSize,
		ConsecutiveFailures: h.ConsecutiveFailures,
	}
	if at := s.Revocation.Snapshot().CapturedAt; !at.IsZero() {
		component.LastSyncMs = at.UnixMilli()
	}
	status, code := "healthy", http.StatusOK
	switch {
	case !h.IsHealthy:
		component.Status = "unhealthy"
		status, code = "unhealthy", http.StatusServiceUnavailable
	case h.ConsecutiveFailures > 0:
		component.Status = "degraded"
		status = "degraded"
	}
	httpx.WriteJSON(w, code, healthResponse{
		Status:     status,
		Service:    serviceName,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: map[string]any{"tokenRevocationCache": component},
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
