package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/auth"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/confirmation"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/domains"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/logging"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/routing"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/store"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/telemetry"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/trust"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fixture struct {
	srv     *httptest.Server
	kv      store.KV
	client  *domains.Client
	router  *routing.Router
	manager *confirmation.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	kv := store.NewKV(context.Background(), rc, logging.Discard())

	m := &mockDomain{
		Name:          "hr",
		Records:       sampleRecords["hr"],
		Confirmations: &confirmation.Manager{Store: confirmation.NewKVStore(kv, time.Minute), Logger: logging.Discard()},
		Logger:        logging.Discard(),
	}
	srv := httptest.NewServer(m.routes(testSecret))
	t.Cleanup(srv.Close)

	router := routing.NewRouter([]routing.DomainConfig{{Name: "hr", Endpoint: srv.URL, RequiredRoles: []string{"hr-read"}}})
	client := domains.NewClient(domains.Options{Secret: testSecret})
	return &fixture{
		srv:    srv,
		kv:     kv,
		client: client,
		router: router,
		manager: &confirmation.Manager{
			Store:    confirmation.NewKVStore(kv, time.Minute),
			Executor: domains.ActionExecutor{Router: router, Client: client},
			Logger:   logging.Discard(),
		},
	}
}

func (f *fixture) hr(t *testing.T) routing.DomainConfig {
	t.Helper()
	d, ok := f.router.Domain("hr")
	if !ok {
		t.Fatal("hr domain missing")
	}
	return d
}

func TestReadQueryReturnsRecords(t *testing.T) {
	f := newFixture(t)
	alice := auth.UserContext{UserID: "alice", Roles: []string{"hr-read"}}

	resp, err := f.client.Query(context.Background(), f.hr(t), alice, "who works in Finance?")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Status != domains.StatusSuccess {
		t.Fatalf("expected success, got %+v", resp)
	}
	var records []map[string]any
	if err := json.Unmarshal(resp.Data, &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0]["employeeId"] != "E101" {
		t.Fatalf("expected the Finance employee only, got %v", records)
	}

	resp, _ = f.client.Query(context.Background(), f.hr(t), alice, "list everyone")
	_ = json.Unmarshal(resp.Data, &records)
	if len(records) != 2 {
		t.Fatalf("unmatched query returns every record, got %d", len(records))
	}
}

func TestWriteQueryRoundTripsThroughConfirmation(t *testing.T) {
	f := newFixture(t)
	alice := auth.UserContext{UserID: "alice", Roles: []string{"hr-read", "hr-write"}}

	resp, err := f.client.Query(context.Background(), f.hr(t), alice, "Delete employee E100 please")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Status != domains.StatusPendingConfirmation || resp.ConfirmationID == "" {
		t.Fatalf("expected pending confirmation, got %+v", resp)
	}
	if !strings.Contains(resp.Message, "delete employee") {
		t.Fatalf("unexpected message %q", resp.Message)
	}

	out, err := f.manager.Resolve(context.Background(), confirmation.Resolution{
		ConfirmationID: resp.ConfirmationID,
		Approved:       true,
		User:           alice,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Status != confirmation.StatusSuccess {
		t.Fatalf("expected success, got %+v", out)
	}
	var result struct {
		Action  string         `json:"action"`
		Applied map[string]any `json:"applied"`
	}
	if err := json.Unmarshal(out.Result, &result); err != nil {
		t.Fatalf("decode result %s: %v", out.Result, err)
	}
	if result.Action != confirmation.ActionDeleteEmployee || result.Applied["employeeId"] != "E100" {
		t.Fatalf("unexpected execution result %s", out.Result)
	}

	_, err = f.manager.Resolve(context.Background(), confirmation.Resolution{ConfirmationID: resp.ConfirmationID, Approved: true, User: alice})
	if !errors.Is(err, confirmation.ErrNotFound) {
		t.Fatalf("expected second resolution to find nothing, got %v", err)
	}
}

func TestWriteQueryWithInvalidPayloadIsRefused(t *testing.T) {
	f := newFixture(t)
	token, err := trust.Mint(testSecret, "alice", []string{"hr-write"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/query", strings.NewReader(`{"query":"update salary of E100 to 0"}`))
	req.Header.Set(trust.Header, token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var body domains.Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != domains.StatusError || body.ConfirmationID != "" || !strings.Contains(body.Error, "update_salary") {
		t.Fatalf("expected refusal without a confirmation id, got %+v", body)
	}
}

func TestWriteIntents(t *testing.T) {
	cases := []struct {
		query string
		want  confirmation.Payload
	}{
		{"delete employee E7", confirmation.DeleteEmployee{EmployeeID: "E7"}},
		{"please update salary for E7 to 91000.50", confirmation.UpdateSalary{EmployeeID: "E7", NewSalary: 91000.50}},
		{"Delete invoice INV-2001", confirmation.DeleteInvoice{InvoiceID: "INV-2001"}},
		{"close ticket TCK-42 now", confirmation.CloseTicket{TicketID: "TCK-42"}},
	}
	for _, tc := range cases {
		got, ok := writeIntent(tc.query)
		if !ok || got != tc.want {
			t.Fatalf("%q: expected %#v, got %#v (ok=%v)", tc.query, tc.want, got, ok)
		}
	}
	if _, ok := writeIntent("how many employees were deleted last year"); ok {
		t.Fatal("read query must not be treated as a write")
	}
}

func TestExecuteRejectsDuplicatesAndBadPayloads(t *testing.T) {
	f := newFixture(t)
	token, err := trust.Mint(testSecret, "alice", []string{"hr-write"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	post := func(body string) int {
		req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/execute", strings.NewReader(body))
		req.Header.Set(trust.Header, token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	ok := `{"confirmationId":"c1","action":"close_ticket","data":{"ticketId":"TCK-42"}}`
	if code := post(ok); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := post(ok); code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate, got %d", code)
	}
	if code := post(`{"confirmationId":"c2","action":"close_ticket","data":{}}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid payload, got %d", code)
	}
	if code := post(`{"action":"close_ticket"}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400 without confirmation id, got %d", code)
	}
}

func TestTrustBoundary(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health must be exempt, got %d", resp.StatusCode)
	}

	resp, err = http.Post(f.srv.URL+"/query", "application/json", strings.NewReader(`{"query":"x"}`))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without trust token, got %d", resp.StatusCode)
	}

	wrong := domains.NewClient(domains.Options{Secret: "another-secret-another-secret-00"})
	if _, err := wrong.Query(context.Background(), f.hr(t), auth.UserContext{UserID: "alice"}, "x"); err == nil {
		t.Fatal("expected a token minted with the wrong secret to be refused")
	}
}

func TestLoadRecords(t *testing.T) {
	recs, err := loadRecords("", "support")
	if err != nil || len(recs) != 2 {
		t.Fatalf("expected built-in support records, got %v err=%v", recs, err)
	}

	path := filepath.Join(t.TempDir(), "data.yaml")
	if err := os.WriteFile(path, []byte("hr:\n  - employeeId: E9\n    name: Lee\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	recs, err = loadRecords(path, "hr")
	if err != nil || len(recs) != 1 || recs[0]["employeeId"] != "E9" {
		t.Fatalf("unexpected records %v err=%v", recs, err)
	}

	if _, err := loadRecords(filepath.Join(t.TempDir(), "missing.yaml"), "hr"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestRunDomainMock(t *testing.T) {
	origTel, origListen := initTelemetryFn, listenFn
	t.Cleanup(func() { initTelemetryFn, listenFn = origTel, origListen })

	initTelemetryFn = func(context.Context, telemetry.Options) (func(context.Context) error, error) {
		return func(context.Context) error { return nil }, nil
	}
	var addr string
	listenFn = func(s *http.Server) error {
		addr = s.Addr
		return http.ErrServerClosed
	}
	t.Setenv("ADDR", ":3199")
	t.Setenv("DOMAIN_NAME", "support")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("DATA_FILE", "")

	if err := runDomainMock(context.Background(), logging.Discard()); err != nil {
		t.Fatalf("runDomainMock: %v", err)
	}
	if addr != ":3199" {
		t.Fatalf("expected ADDR to be honoured, got %q", addr)
	}

	listenFn = func(*http.Server) error { return errors.New("bind failed") }
	if err := runDomainMock(context.Background(), logging.Discard()); err == nil {
		t.Fatal("expected listen error")
	}
}
