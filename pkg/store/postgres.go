package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var pgxPoolNewWithConfig = pgxpool.NewWithConfig

// PostgresOptions configures the audit database pool.
type PostgresOptions struct {
	DSN             string
	RequireTLS      bool
	ApplicationName string
	MaxConns        int32
	ConnectAttempts int
	RetryDelay      time.Duration
	PingTimeout     time.Duration
}

// PostgresOptionsFromEnv reads DATABASE_URL, or assembles a URL from the
// DATABASE_* parts when it is unset.
func PostgresOptionsFromEnv() PostgresOptions {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = postgresURLFromParts()
	}
	return PostgresOptions{
		DSN:             dsn,
		RequireTLS:      isTruthy(os.Getenv("DATABASE_REQUIRE_TLS")),
		ApplicationName: envOr("DATABASE_APPLICATION_NAME", "mcp-gateway"),
		MaxConns:        int32(envIntOr("DATABASE_MAX_CONNS", 10)),
		ConnectAttempts: envIntOr("DATABASE_CONNECT_ATTEMPTS", 30),
		RetryDelay:      2 * time.Second,
		PingTimeout:     2 * time.Second,
	}
}

// NewPostgresPool opens the audit database from the environment.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	return NewPostgres(ctx, PostgresOptionsFromEnv())
}

// NewPostgres retries until the database answers a ping, ctx is done, or the
// attempts run out.
func NewPostgres(ctx context.Context, opts PostgresOptions) (*pgxpool.Pool, error) {
	if opts.RequireTLS {
		if err := validatePostgresTLS(opts.DSN); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok && opts.ApplicationName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = opts.ApplicationName
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	attempts := max(opts.ConnectAttempts, 1)
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("db connect: %w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(opts.RetryDelay):
			}
		}
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
	}
	return nil, fmt.Errorf("db unreachable after %d attempt(s): %w", attempts, lastErr)
}

func postgresURLFromParts() string {
	port := envOr("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   envOr("DATABASE_HOST", "localhost") + ":" + port,
		Path:   "/" + envOr("DATABASE_NAME", "gateway_audit"),
		User:   url.User(envOr("DATABASE_USER", "gateway")),
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		uri.User = url.UserPassword(uri.User.Username(), password)
	}
	uri.RawQuery = url.Values{"sslmode": {envOr("DATABASE_SSLMODE", "disable")}}.Encode()
	return uri.String()
}

// validatePostgresTLS accepts only sslmodes that refuse plaintext.
func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	switch mode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode"))); mode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires an explicit sslmode of require, verify-ca or verify-full")
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but sslmode=%q is insecure", mode)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && n > 0 {
		return n
	}
	return def
}
