package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/audit"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/auth"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/config"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/confirmation"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/httpx"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/logging"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/revocation"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/stream"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/telemetry"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/trust"
)

const (
	testJWTSecret   = "gateway-test-hs256-secret"
	testTrustSecret = "0123456789abcdef0123456789abcdef"
)

type harness struct {
	srv         *httptest.Server
	s           *Server
	mr          *miniredis.Miniredis
	redis       *redis.Client
	hrQueries   atomic.Int32
	hrExecutes  atomic.Int32
	hrUser      atomic.Value
	executeFail atomic.Bool

	mu      sync.Mutex
	records []audit.Record
}

func (h *harness) audits() []audit.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]audit.Record(nil), h.records...)
}

// newDomain is a trust-protected stand-in for a domain service.
func newDomain(t *testing.T, query, execute http.HandlerFunc) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Use(trust.Middleware(testTrustSecret))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Post("/query", query)
	if execute != nil {
		r.Post("/execute", execute)
	}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func writeDomain(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func newHarness(t *testing.T, env map[string]string) *harness {
	t.Helper()
	h := &harness{}
	hr := newDomain(t,
		func(w http.ResponseWriter, r *http.Request) {
			h.hrQueries.Add(1)
			if p, ok := trust.PayloadFromContext(r.Context()); ok {
				h.hrUser.Store(p.UserID)
			}
			writeDomain(w, http.StatusOK, `{"status":"success","data":[{"id":"T-1"},{"id":"T-2"}]}`)
		},
		func(w http.ResponseWriter, _ *http.Request) {
			h.hrExecutes.Add(1)
			if h.executeFail.Load() {
				writeDomain(w, http.StatusInternalServerError, `{"status":"error","error":"hr database unavailable"}`)
				return
			}
			writeDomain(w, http.StatusOK, `{"status":"success","data":{"deleted":true}}`)
		})
	finance := newDomain(t, func(w http.ResponseWriter, _ *http.Request) {
		writeDomain(w, http.StatusInternalServerError, `{"status":"error","error":"ledger offline"}`)
	}, nil)
	support := newDomain(t, func(w http.ResponseWriter, _ *http.Request) {
		writeDomain(w, http.StatusOK, `{"status":"success","data":[{"ticket":"S-9"}]}`)
	}, nil)

	h.mr = miniredis.RunT(t)
	h.redis = redis.NewClient(&redis.Options{Addr: h.mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = h.redis.Close() })

	t.Setenv("OIDC_JWKS_URL", "")
	t.Setenv("OIDC_HS256_SECRET", testJWTSecret)
	t.Setenv("MCP_INTERNAL_SECRET", testTrustSecret)
	t.Setenv("DOMAINS", fmt.Sprintf("hr=%s|hr-read;finance=%s|finance-read;support=%s|support-read", hr.URL, finance.URL, support.URL))
	t.Setenv("REDIS_ADDR", h.mr.Addr())
	t.Setenv("UPSTREAM_RETRIES", "0")
	t.Setenv("REVOCATION_REFRESH_MS", "100")
	t.Setenv("AUDIT_SINKS", "log")
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("OPENAI_API_KEY", "")
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	sink := audit.SinkFunc(func(_ context.Context, rec audit.Record) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.records = append(h.records, rec)
		return nil
	})
	h.s, err = newServer(context.Background(), cfg, logging.Discard(), h.redis, sink)
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	h.s.Revocation.Start(context.Background())
	t.Cleanup(h.s.Revocation.Stop)
	h.srv = httptest.NewServer(h.s.routes())
	t.Cleanup(h.srv.Close)
	return h
}

func bearer(t *testing.T, sub string, roles ...string) (token, jti string) {
	t.Helper()
	jti = uuid.NewString()
	now := time.Now()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":                sub,
		"jti":                jti,
		"preferred_username": sub,
		"roles":              roles,
		"iat":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok, jti
}

func (h *harness) do(t *testing.T, method, path, token, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, raw
}

func errorCode(t *testing.T, raw []byte) string {
	t.Helper()
	var body httpx.ErrorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode error body %q: %v", raw, err)
	}
	return body.Code
}

func TestQueryHRReaderListsOpenTickets(t *testing.T) {
	h := newHarness(t, nil)
	tok, _ := bearer(t, "alice", "hr-read")

	resp, raw := h.do(t, http.MethodPost, "/api/ai/query", tok, `{"query":"list open tickets"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var body queryResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := strings.Join(body.Metadata.DataSourcesQueried, ","); got != "hr" {
		t.Fatalf("expected only hr queried, got %q", got)
	}
	if got := strings.Join(body.Metadata.DataSourcesDenied, ","); got != "finance,support" {
		t.Fatalf("expected finance,support denied, got %q", got)
	}
	if body.RequestID == "" || body.RequestID != resp.Header.Get(httpx.RequestIDHeader) {
		t.Fatalf("expected request id echoed, body=%q header=%q", body.RequestID, resp.Header.Get(httpx.RequestIDHeader))
	}
	if body.ConversationID == "" {
		t.Fatal("expected a conversation id to be assigned")
	}
	if !strings.Contains(body.Response, "hr: 2 record(s)") {
		t.Fatalf("unexpected response text %q", body.Response)
	}
	if got, _ := h.hrUser.Load().(string); got != "alice" {
		t.Fatalf("domain must see the caller through the trust token, got %q", got)
	}

	recs := h.audits()
	if len(recs) != 1 || recs[0].Kind != audit.KindQuery || recs[0].Actor != "alice" {
		t.Fatalf("expected one query audit record for alice, got %+v", recs)
	}
}

func TestQueryPartialFailure(t *testing.T) {
	h := newHarness(t, nil)
	tok, _ := bearer(t, "ceo", "executive")

	resp, raw := h.do(t, http.MethodPost, "/api/ai/query", tok, `{"query":"company overview","conversationId":"conv-7"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 despite a failing domain, got %d: %s", resp.StatusCode, raw)
	}
	var body queryResponse
	_ = json.Unmarshal(raw, &body)
	if body.ConversationID != "conv-7" {
		t.Fatalf("expected conversation id preserved, got %q", body.ConversationID)
	}
	if len(body.Metadata.DataSourcesQueried) != 3 {
		t.Fatalf("expected all 3 domains attempted, got %v", body.Metadata.DataSourcesQueried)
	}
	statuses := map[string]string{}
	for _, d := range body.Metadata.Domains {
		statuses[d.Domain] = d.Status
	}
	if statuses["finance"] != "error" || statuses["hr"] != "success" || statuses["support"] != "success" {
		t.Fatalf("unexpected per-domain statuses %v", statuses)
	}
	if strings.Contains(body.Response, "finance") {
		t.Fatalf("failed domain must not feed synthesis: %q", body.Response)
	}
}

func TestQueryRejections(t *testing.T) {
	h := newHarness(t, map[string]string{"MAX_REQUEST_BODY_BYTES": "256"})
	tok, _ := bearer(t, "alice", "hr-read")
	guest, _ := bearer(t, "guest", "guest")

	cases := []struct {
		name   string
		token  string
		body   string
		status int
		code   string
	}{
		{"no_token", "", `{"query":"x"}`, http.StatusUnauthorized, httpx.CodeAuthInvalid},
		{"bad_token", "not-a-jwt", `{"query":"x"}`, http.StatusUnauthorized, httpx.CodeAuthInvalid},
		{"missing_query", tok, `{}`, http.StatusBadRequest, httpx.CodeInvalidRequest},
		{"non_string_query", tok, `{"query":42}`, http.StatusBadRequest, httpx.CodeInvalidRequest},
		{"blank_query", tok, `{"query":"   "}`, http.StatusBadRequest, httpx.CodeInvalidRequest},
		{"malformed_json", tok, `{"query":`, http.StatusBadRequest, httpx.CodeInvalidRequest},
		{"too_large", tok, `{"query":"` + strings.Repeat("a", 512) + `"}`, http.StatusRequestEntityTooLarge, httpx.CodeRequestTooLarge},
		{"no_accessible_domains", guest, `{"query":"x"}`, http.StatusForbidden, httpx.CodeInsufficientPermissions},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, raw := h.do(t, http.MethodPost, "/api/ai/query", tc.token, tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, resp.StatusCode, raw)
			}
			if got := errorCode(t, raw); got != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, got)
			}
		})
	}
	if n := h.hrQueries.Load(); n != 0 {
		t.Fatalf("rejected requests must not reach domains, got %d calls", n)
	}
}

func TestRevokedTokenIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	tok, jti := bearer(t, "alice", "hr-read")

	if resp, raw := h.do(t, http.MethodPost, "/api/ai/query", tok, `{"query":"x"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 before revocation, got %d: %s", resp.StatusCode, raw)
	}
	src := revocation.NewRedisSource(h.redis, revocation.DefaultKey)
	if err := src.Revoke(context.Background(), jti, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := h.s.Revocation.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	resp, raw := h.do(t, http.MethodPost, "/api/ai/query", tok, `{"query":"x"}`)
	if resp.StatusCode != http.StatusUnauthorized || errorCode(t, raw) != httpx.CodeTokenRevoked {
		t.Fatalf("expected 401 TOKEN_REVOKED, got %d: %s", resp.StatusCode, raw)
	}
}

func TestRateLimitPerUser(t *testing.T) {
	h := newHarness(t, map[string]string{"RATE_LIMIT_PER_MINUTE": "1"})
	alice, _ := bearer(t, "alice", "hr-read")
	bob, _ := bearer(t, "bob", "hr-read")

	if resp, _ := h.do(t, http.MethodPost, "/api/ai/query", alice, `{"query":"x"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected first query allowed, got %d", resp.StatusCode)
	}
	resp, raw := h.do(t, http.MethodPost, "/api/ai/query", alice, `{"query":"x"}`)
	if resp.StatusCode != http.StatusTooManyRequests || errorCode(t, raw) != httpx.CodeRateLimited {
		t.Fatalf("expected 429 RATE_LIMITED, got %d: %s", resp.StatusCode, raw)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if resp, _ := h.do(t, http.MethodPost, "/api/ai/query", bob, `{"query":"x"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("other users keep their own quota, got %d", resp.StatusCode)
	}
}

func propose(t *testing.T, h *harness, userID string) string {
	t.Helper()
	a, err := h.s.Confirmations.Propose(context.Background(), auth.UserContext{UserID: userID}, "hr",
		confirmation.DeleteEmployee{EmployeeID: "E42", Reason: "left company"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	return a.ConfirmationID
}

func TestConfirmApproveExecutesOnce(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := bearer(t, "alice", "hr-write")
	id := propose(t, h, "alice")

	resp, raw := h.do(t, http.MethodPost, "/api/confirm/"+id, alice, `{"approved":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var out struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	_ = json.Unmarshal(raw, &out)
	if out.Status != "success" || !bytes.Contains(out.Result, []byte(`"deleted":true`)) {
		t.Fatalf("unexpected outcome %s", raw)
	}

	resp, raw = h.do(t, http.MethodPost, "/api/confirm/"+id, alice, `{"approved":true}`)
	if resp.StatusCode != http.StatusNotFound || errorCode(t, raw) != httpx.CodeConfirmationNotFound {
		t.Fatalf("expected 404 on replay, got %d: %s", resp.StatusCode, raw)
	}
	if n := h.hrExecutes.Load(); n != 1 {
		t.Fatalf("expected exactly one execute call, got %d", n)
	}
}

func TestConfirmByAnotherUserBurnsAction(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := bearer(t, "alice", "hr-write")
	bob, _ := bearer(t, "bob", "hr-write")
	id := propose(t, h, "alice")

	resp, raw := h.do(t, http.MethodPost, "/api/confirm/"+id, bob, `{"approved":true}`)
	if resp.StatusCode != http.StatusForbidden || errorCode(t, raw) != httpx.CodeConfirmationUserMismatch {
		t.Fatalf("expected 403 mismatch, got %d: %s", resp.StatusCode, raw)
	}
	resp, raw = h.do(t, http.MethodPost, "/api/confirm/"+id, alice, `{"approved":true}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("mismatch must consume the action, got %d: %s", resp.StatusCode, raw)
	}
	if n := h.hrExecutes.Load(); n != 0 {
		t.Fatalf("nothing may execute, got %d calls", n)
	}
}

func TestConfirmReject(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := bearer(t, "alice", "hr-write")
	id := propose(t, h, "alice")

	resp, raw := h.do(t, http.MethodPost, "/api/confirm/"+id, alice, `{"approved":false}`)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), `"status":"cancelled"`) {
		t.Fatalf("expected cancelled, got %d: %s", resp.StatusCode, raw)
	}
	if n := h.hrExecutes.Load(); n != 0 {
		t.Fatalf("rejected action must not execute, got %d calls", n)
	}
}

func TestConfirmUnreadableRecordIsInternalError(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := bearer(t, "alice", "hr-write")
	key := confirmation.KeyPrefix + "c-bad"
	if err := h.mr.Set(key, `{"confirmationId":"c-bad","userId":"alice","domain":"hr","action":"update_salary","data":{"employeeId":"E100","newSalary":0}}`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, raw := h.do(t, http.MethodPost, "/api/confirm/c-bad", alice, `{"approved":true}`)
	if resp.StatusCode != http.StatusInternalServerError || errorCode(t, raw) != httpx.CodeInternal {
		t.Fatalf("expected 500 INTERNAL, got %d: %s", resp.StatusCode, raw)
	}
	if h.mr.Exists(key) {
		t.Fatal("claim must consume the record")
	}
	if n := h.hrExecutes.Load(); n != 0 {
		t.Fatalf("unreadable action must not execute, got %d calls", n)
	}
	var found bool
	for _, rec := range h.audits() {
		if rec.Kind == audit.KindConfirmation && rec.Outcome == confirmation.OutcomeUnreadable && rec.ConfirmationID == "c-bad" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an unreadable audit record, got %+v", h.audits())
	}
}

func TestConfirmExecutionFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.executeFail.Store(true)
	alice, _ := bearer(t, "alice", "hr-write")
	id := propose(t, h, "alice")

	resp, raw := h.do(t, http.MethodPost, "/api/confirm/"+id, alice, `{"approved":true}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", resp.StatusCode, raw)
	}
	var body executionFailure
	_ = json.Unmarshal(raw, &body)
	if body.Status != "failed" || body.Code != httpx.CodeDomainCallFailed {
		t.Fatalf("unexpected failure body %s", raw)
	}
	resp, _ = h.do(t, http.MethodPost, "/api/confirm/"+id, alice, `{"approved":true}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("failed action must not be re-queued, got %d", resp.StatusCode)
	}
}

func TestConfirmRequiresBooleanApproval(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := bearer(t, "alice", "hr-write")
	id := propose(t, h, "alice")

	for _, body := range []string{`{}`, `{"approved":"yes"}`, `{"approved":null}`} {
		resp, raw := h.do(t, http.MethodPost, "/api/confirm/"+id, alice, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d: %s", body, resp.StatusCode, raw)
		}
	}
	// Invalid requests never claim the action.
	if resp, raw := h.do(t, http.MethodPost, "/api/confirm/"+id, alice, `{"approved":false}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected action still pending, got %d: %s", resp.StatusCode, raw)
	}
}

func TestHealthTracksRevocationStaleness(t *testing.T) {
	h := newHarness(t, nil)

	for _, path := range []string{"/health", "/api/health", "/healthz"} {
		resp, raw := h.do(t, http.MethodGet, path, "", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", path, resp.StatusCode, raw)
		}
		var body struct {
			Components struct {
				Cache revocationComponent `json:"tokenRevocationCache"`
			} `json:"components"`
		}
		_ = json.Unmarshal(raw, &body)
		if body.Components.Cache.Status != "healthy" || body.Components.Cache.LastSyncMs == 0 {
			t.Fatalf("%s: unexpected component %+v", path, body.Components.Cache)
		}
	}

	h.mr.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, raw := h.do(t, http.MethodGet, "/health", "", "")
		if resp.StatusCode == http.StatusServiceUnavailable {
			if !strings.Contains(string(raw), `"status":"unhealthy"`) {
				t.Fatalf("expected unhealthy body, got %s", raw)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("health never turned unhealthy, last %d: %s", resp.StatusCode, raw)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestFailClosedRevocationDegradesAuthenticatedRoutes(t *testing.T) {
	h := newHarness(t, map[string]string{"REVOCATION_FAIL_OPEN": "false"})
	tok, _ := bearer(t, "alice", "hr-read")
	h.mr.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, raw := h.do(t, http.MethodPost, "/api/ai/query", tok, `{"query":"x"}`)
		if resp.StatusCode == http.StatusServiceUnavailable {
			if errorCode(t, raw) != httpx.CodeDependencyDegraded {
				t.Fatalf("expected DEPENDENCY_DEGRADED, got %s", raw)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("fail-closed gateway kept serving, last %d: %s", resp.StatusCode, raw)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestStreamDeliversCallersEvents(t *testing.T) {
	h := newHarness(t, nil)
	tok, _ := bearer(t, "alice", "hr-read")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/ai/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + tok}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var evt stream.Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil || evt.Type != "ready" {
		t.Fatalf("expected ready event, got %+v err=%v", evt, err)
	}

	resp, _ := h.do(t, http.MethodPost, "/api/ai/query", tok, `{"query":"list open tickets"}`)
	requestID := resp.Header.Get(httpx.RequestIDHeader)

	var types []string
	for len(types) == 0 || types[len(types)-1] != stream.EventSynthesisCompleted {
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			t.Fatalf("read: %v (so far %v)", err, types)
		}
		if evt.RequestID != requestID {
			t.Fatalf("event for another request: %+v", evt)
		}
		types = append(types, evt.Type)
	}
	want := []string{stream.EventDomainStarted, stream.EventDomainCompleted, stream.EventSynthesisCompleted}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, types)
	}
}

func TestStreamRequiresAuth(t *testing.T) {
	h := newHarness(t, nil)
	resp, _ := h.do(t, http.MethodGet, "/api/ai/stream", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	tok, _ := bearer(t, "alice", "hr-read")
	h.do(t, http.MethodPost, "/api/ai/query", tok, `{"query":"x"}`)
	h.do(t, http.MethodPost, "/api/ai/query", "", `{"query":"x"}`)

	_, raw := h.do(t, http.MethodGet, "/metrics", "", "")
	for _, want := range []string{
		`mcp_gateway_http_requests_total{code="200",route="/api/ai/query"} 1`,
		`mcp_gateway_domain_calls_total{domain="hr",status="success"} 1`,
		`mcp_gateway_auth_failures_total{code="AUTH_INVALID"} 1`,
		"mcp_gateway_revocation_healthy 1",
	} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

func stubDeps(client *redis.Client, listen func(*http.Server) error) gatewayDeps {
	return gatewayDeps{
		initTelemetry: func(context.Context, telemetry.Options) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		},
		openRedis:    func(context.Context) (*redis.Client, error) { return client, nil },
		openDB:       func(context.Context) (*pgxpool.Pool, error) { return nil, fmt.Errorf("no database in tests") },
		newKafkaSink: audit.NewKafkaSink,
		listen:       listen,
	}
}

func TestRunGatewayServesUntilClosed(t *testing.T) {
	h := newHarness(t, nil)
	var handler http.Handler
	err := runGateway(context.Background(), logging.Discard(), stubDeps(h.redis, func(s *http.Server) error {
		handler = s.Handler
		return http.ErrServerClosed
	}))
	if err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected healthy handler, got %d", rr.Code)
	}
}

func TestRunGatewayRefusesWeakProductionConfig(t *testing.T) {
	h := newHarness(t, map[string]string{"ENVIRONMENT": "production"})
	err := runGateway(context.Background(), logging.Discard(), stubDeps(h.redis, func(*http.Server) error {
		t.Fatal("must not listen")
		return nil
	}))
	if err == nil || !strings.Contains(err.Error(), "OIDC_HS256_SECRET") {
		t.Fatalf("expected hardening failure, got %v", err)
	}
}

func TestRunGatewayAuditDatabaseFailure(t *testing.T) {
	h := newHarness(t, map[string]string{"AUDIT_SINKS": "log,postgres"})
	err := runGateway(context.Background(), logging.Discard(), stubDeps(h.redis, func(*http.Server) error { return nil }))
	if err == nil || !strings.Contains(err.Error(), "audit db") {
		t.Fatalf("expected audit db error, got %v", err)
	}
}

func TestWSOriginPatterns(t *testing.T) {
	got := wsOriginPatterns([]string{"https://console.example.com", " ", "app.example.com"})
	if strings.Join(got, ",") != "console.example.com,app.example.com" {
		t.Fatalf("unexpected patterns %v", got)
	}
}
