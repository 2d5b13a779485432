// Package config reads the gateway's environment into a validated Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/hardening"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/revocation"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/routing"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/telemetry"
)

var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

type Config struct {
	Addr                string        `validate:"required"`
	Environment         string        `validate:"required"`
	StrictProdSecurity  bool
	CORSAllowedOrigins  []string
	MaxRequestBodyBytes int64         `validate:"gt=0"`
	ReadTimeout         time.Duration `validate:"gt=0"`
	WriteTimeout        time.Duration `validate:"gt=0"`
	IdleTimeout         time.Duration `validate:"gt=0"`

	TrustSecret       string
	TrustReplayWindow time.Duration `validate:"gt=0"`

	JWKSURL     string `validate:"required_without=HS256Secret,omitempty,url"`
	Issuer      string
	Audience    string
	HS256Secret string
	AuthTimeout time.Duration `validate:"gt=0"`

	RedisAddr        string
	RedisRequireTLS  bool
	RedisTLSInsecure bool

	RevocationRefresh   time.Duration `validate:"gte=100ms"`
	RevocationFailOpen  bool
	AllowFailOpenInProd bool
	RevocationKey       string `validate:"required"`

	ConfirmationTTL time.Duration `validate:"gt=0"`

	DomainsFile        string
	DomainsSpec        string
	OverrideRoles      []string
	DomainTimeout      time.Duration `validate:"gt=0"`
	DomainRatePerSec   float64       `validate:"gte=0"`
	UpstreamRetries    int           `validate:"gte=0,lte=5"`
	UpstreamRetryDelay time.Duration `validate:"gte=0"`

	OpenAIAPIKey  string
	OpenAIBaseURL string `validate:"omitempty,url"`
	OpenAIModel   string

	AuditSinks         []string `validate:"dive,oneof=log postgres kafka"`
	AuditHashSalt      string
	KafkaBrokers       []string
	KafkaAuditTopic    string
	DatabaseRequireTLS bool

	RateLimitEnabled   bool
	RateLimitPerMinute int           `validate:"gt=0"`
	RateLimitWindow    time.Duration `validate:"gt=0"`

	Telemetry telemetry.Options `validate:"-"`
}

// Load reads the environment. Every problem found is reported together,
// wrapped in ErrInvalid.
func Load() (Config, error) {
	var p parser
	c := Config{
		Addr:                p.str("ADDR", ":3100"),
		Environment:         p.str("ENVIRONMENT", "development"),
		StrictProdSecurity:  p.boolean("STRICT_PROD_SECURITY", true),
		CORSAllowedOrigins:  list(os.Getenv("CORS_ALLOWED_ORIGINS")),
		MaxRequestBodyBytes: int64(p.integer("MAX_REQUEST_BODY_BYTES", 1<<20)),
		ReadTimeout:         p.seconds("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:        p.seconds("HTTP_WRITE_TIMEOUT_SEC", 90),
		IdleTimeout:         p.seconds("HTTP_IDLE_TIMEOUT_SEC", 60),

		TrustSecret:       os.Getenv("MCP_INTERNAL_SECRET"),
		TrustReplayWindow: p.seconds("TRUST_REPLAY_WINDOW_SEC", 30),

		JWKSURL:     p.str("OIDC_JWKS_URL", ""),
		Issuer:      p.str("OIDC_ISSUER", ""),
		Audience:    p.str("OIDC_AUDIENCE", ""),
		HS256Secret: os.Getenv("OIDC_HS256_SECRET"),
		AuthTimeout: p.millis("AUTH_TIMEOUT_MS", 5000),

		RedisAddr:        p.str("REDIS_ADDR", ""),
		RedisRequireTLS:  p.boolean("REDIS_REQUIRE_TLS", false),
		RedisTLSInsecure: p.boolean("REDIS_TLS_INSECURE", false),

		RevocationRefresh:   p.millis("REVOCATION_REFRESH_MS", 2000),
		RevocationFailOpen:  p.boolean("REVOCATION_FAIL_OPEN", true),
		AllowFailOpenInProd: p.boolean("REVOCATION_ALLOW_FAIL_OPEN_IN_PROD", false),
		RevocationKey:       p.str("REVOCATION_KEY", revocation.DefaultKey),

		ConfirmationTTL: p.seconds("CONFIRMATION_TTL_SEC", 300),

		DomainsFile:        p.str("DOMAINS_FILE", ""),
		DomainsSpec:        p.str("DOMAINS", ""),
		DomainTimeout:      p.millis("DOMAIN_TIMEOUT_MS", 30000),
		DomainRatePerSec:   p.float("DOMAIN_RATE_PER_SEC", 50),
		UpstreamRetries:    p.integer("UPSTREAM_RETRIES", 2),
		UpstreamRetryDelay: p.millis("UPSTREAM_RETRY_DELAY_MS", 200),

		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: p.str("OPENAI_BASE_URL", ""),
		OpenAIModel:   p.str("OPENAI_MODEL", ""),

		AuditSinks:         list(p.str("AUDIT_SINKS", "log")),
		AuditHashSalt:      os.Getenv("AUDIT_HASH_SALT"),
		KafkaBrokers:       list(os.Getenv("KAFKA_BROKERS")),
		KafkaAuditTopic:    p.str("KAFKA_AUDIT_TOPIC", "mcp-gateway-audit"),
		DatabaseRequireTLS: p.boolean("DATABASE_REQUIRE_TLS", false),

		RateLimitEnabled:   p.boolean("RATE_LIMIT_ENABLED", true),
		RateLimitPerMinute: p.integer("RATE_LIMIT_PER_MINUTE", 60),
		RateLimitWindow:    p.seconds("RATE_LIMIT_WINDOW_SEC", 60),

		Telemetry: telemetry.Options{
			Service:    p.str("OTEL_SERVICE_NAME", "mcp-gateway"),
			Endpoint:   p.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:    os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
			Timeout:    p.seconds("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5),
			Insecure:   p.boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
			Required:   p.boolean("OTEL_REQUIRED", false),
			Sampler:    os.Getenv("OTEL_TRACES_SAMPLER"),
			SamplerArg: os.Getenv("OTEL_TRACES_SAMPLER_ARG"),
		},
	}
	// Present but empty disables the override role entirely.
	if raw, ok := os.LookupEnv("OVERRIDE_ROLES"); ok {
		c.OverrideRoles = list(raw)
		if len(c.OverrideRoles) == 0 {
			c.OverrideRoles = []string{""}
		}
	}

	errs := p.errs
	if err := validate.Struct(c); err != nil {
		errs = append(errs, err)
	}
	if c.DomainsFile == "" && c.DomainsSpec == "" {
		errs = append(errs, errors.New("one of DOMAINS_FILE or DOMAINS is required"))
	}
	if c.AuditSinkEnabled("kafka") && len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("AUDIT_SINKS includes kafka but KAFKA_BROKERS is empty"))
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return c, nil
}

// Domains loads the registry, preferring DOMAINS_FILE over DOMAINS.
func (c Config) Domains() ([]routing.DomainConfig, error) {
	if c.DomainsFile != "" {
		return routing.LoadFile(c.DomainsFile)
	}
	return routing.ParseSpec(c.DomainsSpec)
}

func (c Config) AuditSinkEnabled(name string) bool {
	return slices.Contains(c.AuditSinks, name)
}

func (c Config) Hardening(service string) hardening.Options {
	return hardening.Options{
		Service:             service,
		Environment:         c.Environment,
		Strict:              c.StrictProdSecurity,
		TrustSecret:         c.TrustSecret,
		RedisAddr:           c.RedisAddr,
		RedisRequireTLS:     c.RedisRequireTLS,
		RedisTLSInsecure:    c.RedisTLSInsecure,
		DatabaseInUse:       c.AuditSinkEnabled("postgres"),
		DatabaseRequireTLS:  c.DatabaseRequireTLS,
		CORSAllowedOrigins:  c.CORSAllowedOrigins,
		JWKSURL:             c.JWKSURL,
		HS256Secret:         c.HS256Secret,
		RevocationFailOpen:  c.RevocationFailOpen,
		AllowFailOpenInProd: c.AllowFailOpenInProd,
	}
}

// parser collects malformed values instead of stopping at the first one.
type parser struct{ errs []error }

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		return def
	}
	return v
}

func (p *parser) float(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a number", key, raw))
		return def
	}
	return v
}

func (p *parser) boolean(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a boolean", key, raw))
		return def
	}
	return v
}

func (p *parser) seconds(key string, def int) time.Duration {
	return time.Duration(p.integer(key, def)) * time.Second
}

func (p *parser) millis(key string, def int) time.Duration {
	return time.Duration(p.integer(key, def)) * time.Millisecond
}

func list(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
