// Package hardening refuses to start a production-like gateway whose
// configuration would weaken the trust boundary.
package hardening

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const MinTrustSecretBytes = 32

type Options struct {
	Service     string
	Environment string
	// Strict disables every check when false.
	Strict bool

	TrustSecret string

	RedisAddr        string
	RedisRequireTLS  bool
	RedisTLSInsecure bool

	// DatabaseInUse is set when an audit sink writes to Postgres.
	DatabaseInUse      bool
	DatabaseRequireTLS bool

	CORSAllowedOrigins []string

	JWKSURL     string
	HS256Secret string

	RevocationFailOpen  bool
	AllowFailOpenInProd bool
}

// ValidateProduction reports every violation at once so an operator can fix
// the deployment in one pass.
func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Environment) || !o.Strict {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: "+format, append([]any{service}, args...)...))
	}

	if len(o.TrustSecret) < MinTrustSecretBytes {
		fail("MCP_INTERNAL_SECRET must be at least %d bytes", MinTrustSecretBytes)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !o.RedisRequireTLS {
			fail("strict production hardening requires REDIS_REQUIRE_TLS=true")
		}
		if o.RedisTLSInsecure {
			fail("strict production hardening forbids REDIS_TLS_INSECURE")
		}
	}
	if o.DatabaseInUse && !o.DatabaseRequireTLS {
		fail("strict production hardening requires DATABASE_REQUIRE_TLS=true")
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins); err != nil {
		fail("%v", err)
	}
	if strings.TrimSpace(o.HS256Secret) != "" {
		fail("OIDC_HS256_SECRET is a development mode and is forbidden in production")
	}
	if u, err := url.Parse(strings.TrimSpace(o.JWKSURL)); err != nil || u.Scheme != "https" || u.Host == "" {
		fail("OIDC_JWKS_URL must be an https URL, got %q", o.JWKSURL)
	}
	if o.RevocationFailOpen && !o.AllowFailOpenInProd {
		fail("REVOCATION_FAIL_OPEN=true requires REVOCATION_ALLOW_FAIL_OPEN_IN_PROD=true")
	}
	return errors.Join(errs...)
}

func validateCORSOrigins(origins []string) error {
	valid := 0
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		valid++
		lower := strings.ToLower(o)
		switch {
		case lower == "*":
			return errors.New("strict production hardening forbids CORS wildcard origin")
		case isLoopbackOrigin(lower):
			return fmt.Errorf("strict production hardening forbids localhost CORS origin %q", o)
		case !strings.HasPrefix(lower, "https://"):
			return fmt.Errorf("strict production hardening requires HTTPS CORS origin, got %q", o)
		}
	}
	if valid == 0 {
		return errors.New("strict production hardening requires explicit CORS_ALLOWED_ORIGINS")
	}
	return nil
}

func isLoopbackOrigin(lower string) bool {
	for _, p := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func IsProductionLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
