package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/auth"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/confirmation"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/domains"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/httpx"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/logging"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/store"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/telemetry"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/trust"
)

// Testable variables for main()
var (
	initTelemetryFn = telemetry.Init
	openRedisFn     = store.NewRedisFromEnv
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	logger := logging.New("domain-mock")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runDomainMock(ctx, logger); err != nil {
		logger.Error("domain mock exited", "error", err)
		stop()
		os.Exit(1)
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func runDomainMock(ctx context.Context, logger *slog.Logger) error {
	domain := env("DOMAIN_NAME", "hr")
	shutdown, err := initTelemetryFn(ctx, telemetry.Options{Service: "domain-mock-" + domain, Endpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), Logger: logger})
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	records, err := loadRecords(os.Getenv("DATA_FILE"), domain)
	if err != nil {
		return err
	}

	var client *redis.Client
	if os.Getenv("REDIS_ADDR") != "" {
		if client, err = openRedisFn(ctx); err != nil {
			logger.Warn("redis unavailable, pending actions stay local", "error", err)
			client = nil
		} else {
			defer client.Close()
		}
	}
	ttl := time.Duration(envInt("CONFIRMATION_TTL_SEC", 300)) * time.Second
	m := &mockDomain{
		Name:    domain,
		Records: records,
		Confirmations: &confirmation.Manager{
			Store:  confirmation.NewKVStore(store.NewKV(ctx, client, logger), ttl),
			Logger: logger,
		},
		Logger: logger,
	}

	addr := env("ADDR", ":3101")
	server := &http.Server{
		Addr:              addr,
		Handler:           m.routes(os.Getenv("MCP_INTERNAL_SECRET")),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(envInt("HTTP_READ_TIMEOUT_SEC", 15)) * time.Second,
		WriteTimeout:      time.Duration(envInt("HTTP_WRITE_TIMEOUT_SEC", 30)) * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Info("domain mock listening", "addr", addr, "domain", domain, "records", len(records))
	if err := listenFn(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// mockDomain answers reads from a fixed record set and turns write-like
// queries into pending actions the gateway confirms later.
type mockDomain struct {
	Name          string
	Records       []map[string]any
	Confirmations *confirmation.Manager
	Logger        *slog.Logger

	mu       sync.Mutex
	executed map[string]bool
}

func (m *mockDomain) routes(secret string) http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("domain-mock-" + m.Name))
	r.Use(trust.Middleware(secret, trust.WithLogger(m.Logger)))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "domain-mock", "domain": m.Name})
	})
	r.Post("/query", m.handleQuery)
	r.Post("/execute", m.handleExecute)
	return r
}

var writeIntents = []struct {
	re    *regexp.Regexp
	build func(match []string) confirmation.Payload
}{
	{regexp.MustCompile(`(?i)\bdelete\s+employee\s+(\S+)`), func(m []string) confirmation.Payload {
		return confirmation.DeleteEmployee{EmployeeID: m[1]}
	}},
	{regexp.MustCompile(`(?i)\b(?:update|set)\s+salary\s+(?:of\s+|for\s+)?(\S+)\s+to\s+([0-9]+(?:\.[0-9]+)?)`), func(m []string) confirmation.Payload {
		amount, _ := strconv.ParseFloat(m[2], 64)
		return confirmation.UpdateSalary{EmployeeID: m[1], NewSalary: amount}
	}},
	{regexp.MustCompile(`(?i)\bdelete\s+invoice\s+(\S+)`), func(m []string) confirmation.Payload {
		return confirmation.DeleteInvoice{InvoiceID: m[1]}
	}},
	{regexp.MustCompile(`(?i)\bclose\s+ticket\s+(\S+)`), func(m []string) confirmation.Payload {
		return confirmation.CloseTicket{TicketID: m[1]}
	}},
}

// writeIntent returns the payload for the first write pattern query matches.
func writeIntent(query string) (confirmation.Payload, bool) {
	for _, w := range writeIntents {
		if match := w.re.FindStringSubmatch(query); match != nil {
			return w.build(match), true
		}
	}
	return nil, false
}

func caller(r *http.Request) auth.UserContext {
	p, _ := trust.PayloadFromContext(r.Context())
	return auth.UserContext{UserID: p.UserID, Roles: p.Roles}
}

func (m *mockDomain) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		httpx.WriteJSON(w, http.StatusBadRequest, domains.Response{Status: domains.StatusError, Error: "query required"})
		return
	}

	if p, ok := writeIntent(req.Query); ok {
		a, err := m.Confirmations.Propose(r.Context(), caller(r), m.Name, p)
		if errors.Is(err, confirmation.ErrInvalidPayload) {
			httpx.WriteJSON(w, http.StatusBadRequest, domains.Response{Status: domains.StatusError, Error: err.Error()})
			return
		}
		if err != nil {
			m.Logger.Error("propose failed", "error", err)
			httpx.WriteJSON(w, http.StatusServiceUnavailable, domains.Response{Status: domains.StatusError, Error: "confirmation store unavailable"})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, domains.Response{
			Status:         domains.StatusPendingConfirmation,
			ConfirmationID: a.ConfirmationID,
			Message:        fmt.Sprintf("%s requires confirmation (%s).", strings.ReplaceAll(a.Action(), "_", " "), a.ConfirmationID),
		})
		return
	}

	data, _ := json.Marshal(filterRecords(m.Records, req.Query))
	httpx.WriteJSON(w, http.StatusOK, domains.Response{Status: domains.StatusSuccess, Data: data})
}

// filterRecords keeps records with a string field named in the query. With no
// such record every record is returned.
func filterRecords(records []map[string]any, query string) []map[string]any {
	q := strings.ToLower(query)
	var hits []map[string]any
	for _, rec := range records {
		for _, v := range rec {
			if s, ok := v.(string); ok && s != "" && strings.Contains(q, strings.ToLower(s)) {
				hits = append(hits, rec)
				break
			}
		}
	}
	if len(hits) == 0 {
		return records
	}
	return hits
}

func (m *mockDomain) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConfirmationID string          `json:"confirmationId"`
		Action         string          `json:"action"`
		Data           json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConfirmationID == "" {
		httpx.WriteJSON(w, http.StatusBadRequest, domains.Response{Status: domains.StatusError, Error: "confirmationId and action required"})
		return
	}
	p, err := confirmation.DecodePayload(req.Action, req.Data)
	if err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, domains.Response{Status: domains.StatusError, Error: err.Error()})
		return
	}

	m.mu.Lock()
	if m.executed == nil {
		m.executed = map[string]bool{}
	}
	dup := m.executed[req.ConfirmationID]
	m.executed[req.ConfirmationID] = true
	m.mu.Unlock()
	if dup {
		httpx.WriteJSON(w, http.StatusConflict, domains.Response{Status: domains.StatusError, Error: "action already executed"})
		return
	}

	m.Logger.Info("action executed", "domain", m.Name, "action", p.ActionName(), "confirmation_id", req.ConfirmationID, "user_id", caller(r).UserID)
	data, _ := json.Marshal(map[string]any{"action": p.ActionName(), "applied": p})
	httpx.WriteJSON(w, http.StatusOK, domains.Response{Status: domains.StatusSuccess, Data: data})
}

// loadRecords reads the domain's records from a YAML file keyed by domain
// name, falling back to built-in samples when path is empty.
func loadRecords(path, domain string) ([]map[string]any, error) {
	if path == "" {
		return sampleRecords[domain], nil
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied fixture path.
	if err != nil {
		return nil, fmt.Errorf("read data file: %w", err)
	}
	var byDomain map[string][]map[string]any
	if err := yaml.Unmarshal(raw, &byDomain); err != nil {
		return nil, fmt.Errorf("parse data file: %w", err)
	}
	return byDomain[domain], nil
}

var sampleRecords = map[string][]map[string]any{
	"hr": {
		{"employeeId": "E100", "name": "Dana Reyes", "department": "Engineering"},
		{"employeeId": "E101", "name": "Sam Okafor", "department": "Finance"},
	},
	"finance": {
		{"invoiceId": "INV-2001", "vendor": "Acme Supplies", "amount": 1250.0, "status": "open"},
		{"invoiceId": "INV-2002", "vendor": "Northwind", "amount": 830.5, "status": "paid"},
	},
	"sales": {
		{"opportunityId": "OPP-7", "account": "Globex", "stage": "negotiation"},
	},
	"support": {
		{"ticketId": "TCK-42", "subject": "VPN access", "status": "open"},
		{"ticketId": "TCK-43", "subject": "Laptop replacement", "status": "open"},
	},
}
