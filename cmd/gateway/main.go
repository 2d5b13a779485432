package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/audit"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/auth"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/config"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/confirmation"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/domains"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/hardening"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/httpx"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/logging"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/metrics"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/orchestrator"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/ratelimit"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/revocation"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/routing"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/store"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/stream"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/synth"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/telemetry"
)

const serviceName = "mcp-gateway"

// Server holds the process-wide, read-mostly state shared by request handlers.
type Server struct {
	Config        config.Config
	Logger        *slog.Logger
	Extractor     *auth.Extractor
	Revocation    *revocation.Cache
	Router        *routing.Router
	Orchestrator  *orchestrator.Orchestrator
	Confirmations *confirmation.Manager
	Events        *stream.Hub
	Metrics       *metrics.Registry
	RateLimiter   ratelimit.Limiter
}

// gatewayDeps are the side-effecting constructors, swapped out in tests.
type gatewayDeps struct {
	initTelemetry func(ctx context.Context, o telemetry.Options) (func(context.Context) error, error)
	openRedis     func(ctx context.Context) (*redis.Client, error)
	openDB        func(ctx context.Context) (*pgxpool.Pool, error)
	newKafkaSink  func(cfg audit.KafkaConfig) (*audit.KafkaSink, error)
	listen        func(server *http.Server) error
}

var defaultDeps = gatewayDeps{
	initTelemetry: telemetry.Init,
	openRedis:     store.NewRedisFromEnv,
	openDB:        store.NewPostgresPool,
	newKafkaSink:  audit.NewKafkaSink,
	listen:        func(server *http.Server) error { return server.ListenAndServe() },
}

func main() {
	logger := logging.New(serviceName)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runGateway(ctx, logger, defaultDeps); err != nil {
		logger.Error("gateway exited", "error", err)
		stop()
		os.Exit(1)
	}
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := hardening.ValidateProduction(cfg.Hardening(serviceName)); err != nil {
		return err
	}

	telemetryOpts := cfg.Telemetry
	telemetryOpts.Logger = logger
	shutdownTelemetry, err := deps.initTelemetry(ctx, telemetryOpts)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = deps.openRedis(ctx)
		if err != nil {
			logger.Warn("redis unavailable, falling back to in-memory stores", "error", err)
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	sink, closeSinks, err := buildAuditSink(ctx, cfg, deps, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	s, err := newServer(ctx, cfg, logger, redisClient, sink)
	if err != nil {
		return err
	}
	s.Revocation.Start(ctx)
	defer s.Revocation.Stop()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway listening", "addr", cfg.Addr, "domains", len(s.Router.Domains()), "environment", cfg.Environment)
	if err := deps.listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newServer assembles every component from cfg. A nil redisClient selects the
// in-memory confirmation store and an empty revocation list.
func newServer(ctx context.Context, cfg config.Config, logger *slog.Logger, redisClient *redis.Client, sink audit.Sink) (*Server, error) {
	domainList, err := cfg.Domains()
	if err != nil {
		return nil, err
	}
	router := routing.NewRouter(domainList, cfg.OverrideRoles...)
	reg := metrics.NewRegistry()
	recorder := audit.Recorder{Sink: sink, Logger: logger}

	var src revocation.Source = revocation.SourceFunc(func(context.Context) ([]string, error) { return nil, nil })
	if redisClient != nil {
		src = revocation.NewRedisSource(redisClient, cfg.RevocationKey)
	} else {
		logger.Warn("no shared store configured, token revocation is not enforced")
	}
	cache := revocation.New(src, revocation.Options{
		Interval: cfg.RevocationRefresh,
		FailOpen: cfg.RevocationFailOpen,
		Logger:   logger,
	})
	reg.RegisterRevocationHealth(cache.Health)

	extractorOpts := []auth.Option{
		auth.WithIssuer(cfg.Issuer),
		auth.WithAudience(cfg.Audience),
		auth.WithTimeout(cfg.AuthTimeout),
		auth.WithRevocation(cache),
	}
	if cfg.JWKSURL != "" {
		extractorOpts = append(extractorOpts, auth.WithJWKS(cfg.JWKSURL))
	}
	if cfg.HS256Secret != "" {
		extractorOpts = append(extractorOpts, auth.WithHMACSecret(cfg.HS256Secret))
	}

	client := domains.NewClient(domains.Options{
		HTTP:       telemetry.InstrumentClient(&http.Client{Timeout: cfg.DomainTimeout}),
		Secret:     cfg.TrustSecret,
		Retries:    cfg.UpstreamRetries,
		RetryDelay: cfg.UpstreamRetryDelay,
		RatePerSec: cfg.DomainRatePerSec,
	})
	events := stream.NewHub()

	s := &Server{
		Config:     cfg,
		Logger:     logger,
		Extractor:  auth.NewExtractor(extractorOpts...),
		Revocation: cache,
		Router:     router,
		Events:     events,
		Metrics:    reg,
	}
	s.Orchestrator = &orchestrator.Orchestrator{
		Router:       router,
		Domains:      client,
		Synth:        newSynthesizer(cfg, logger),
		Audit:        recorder,
		Publisher:    events,
		Logger:       logger,
		CallTimeout:  cfg.DomainTimeout,
		OnDomainCall: reg.ObserveDomainCall,
	}
	salt := []byte(cfg.AuditHashSalt)
	s.Confirmations = &confirmation.Manager{
		Store:      confirmation.NewKVStore(store.NewKV(ctx, redisClient, logger), cfg.ConfirmationTTL),
		Executor:   domains.ActionExecutor{Router: router, Client: client},
		Audit:      recorder,
		Logger:     logger,
		HashID:     func(id string) string { return audit.HashActor(id, salt) },
		OnResolved: reg.IncConfirmation,
	}
	if cfg.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, cfg.RateLimitWindow, logger)
		} else {
			s.RateLimiter = ratelimit.NewMemory(cfg.RateLimitWindow)
		}
	}
	return s, nil
}

func newSynthesizer(cfg config.Config, logger *slog.Logger) synth.Synthesizer {
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return synth.Summary{}
	}
	model, err := synth.NewOpenAI(synth.OpenAIConfig{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL, Model: cfg.OpenAIModel})
	if err != nil {
		logger.Warn("openai synthesis disabled", "error", err)
		return synth.Summary{}
	}
	return synth.WithFallback(model, synth.Summary{}, logger)
}

// buildAuditSink fans records out to every configured sink. Actor ids are
// hashed before any sink sees them when AUDIT_HASH_SALT is set.
func buildAuditSink(ctx context.Context, cfg config.Config, deps gatewayDeps, logger *slog.Logger) (audit.Sink, func(), error) {
	var sinks audit.Multi
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	for _, name := range cfg.AuditSinks {
		switch name {
		case "log":
			sinks = append(sinks, audit.LogSink{Logger: logger})
		case "postgres":
			pool, err := deps.openDB(ctx)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("audit db: %w", err)
			}
			closers = append(closers, pool.Close)
			sinks = append(sinks, audit.PostgresSink{DB: pool})
		case "kafka":
			ks, err := deps.newKafkaSink(audit.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaAuditTopic})
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("audit kafka: %w", err)
			}
			closers = append(closers, func() { _ = ks.Close() })
			sinks = append(sinks, ks)
		}
	}
	var sink audit.Sink = sinks
	if cfg.AuditHashSalt != "" {
		sink = audit.Redacted(sinks, []byte(cfg.AuditHashSalt))
	}
	return sink, closeAll, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestID)
	r.Use(httpx.CORSMiddleware(strings.Join(s.Config.CORSAllowedOrigins, ",")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Use(httpx.LimitBody(s.Config.MaxRequestBodyBytes))

	for _, path := range []string{"/health", "/api/health", "/healthz"} {
		r.Get(path, s.instrument("/health", s.handleHealth))
	}
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Extractor, s.Logger, s.Metrics.IncAuthFailure))
		r.Post("/api/ai/query", s.instrument("/api/ai/query", s.handleQuery))
		r.Post("/api/confirm/{confirmationId}", s.instrument("/api/confirm", s.handleConfirm))
		// Not wrapped by the metrics recorder, which cannot hijack connections.
		r.Get("/api/ai/stream", s.streamEvents)
	})
	return r
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return s.Metrics.Middleware(route, h).ServeHTTP
}
