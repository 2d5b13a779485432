// Package auth turns inbound bearer tokens into a UserContext.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")
	// ErrRevocationUnavailable means the revocation check could not give an
	// answer, which only happens when the cache runs fail-closed.
	ErrRevocationUnavailable = errors.New("revocation status unavailable")
)

// RevocationChecker is satisfied by *revocation.Cache.
type RevocationChecker interface {
	IsRevoked(jti string) (bool, error)
}

// Claims covers the registered claims plus the identity provider's role and
// profile claims. Roles may arrive top-level or under realm_access.
type Claims struct {
	jwt.RegisteredClaims
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Email             string   `json:"email,omitempty"`
	Roles             []string `json:"roles,omitempty"`
	Groups            []string `json:"groups,omitempty"`
	RealmAccess       struct {
		Roles []string `json:"roles,omitempty"`
	} `json:"realm_access,omitempty"`
}

type Extractor struct {
	jwks       *jwksCache
	hmacSecret []byte
	issuer     string
	audience   string
	timeout    time.Duration
	revocation RevocationChecker
	now        func() time.Time
}

type Option func(*Extractor)

func WithJWKS(url string) Option {
	return func(e *Extractor) {
		if url = strings.TrimSpace(url); url != "" {
			e.jwks = newJWKSCache(url, e.timeout)
		}
	}
}

// WithHMACSecret enables HS256 tokens. Intended for local development.
func WithHMACSecret(secret string) Option {
	return func(e *Extractor) {
		if secret != "" {
			e.hmacSecret = []byte(secret)
		}
	}
}

func WithIssuer(issuer string) Option {
	return func(e *Extractor) { e.issuer = strings.TrimSpace(issuer) }
}

func WithAudience(audience string) Option {
	return func(e *Extractor) { e.audience = strings.TrimSpace(audience) }
}

// WithTimeout bounds JWKS fetches. Apply it before WithJWKS.
func WithTimeout(d time.Duration) Option {
	return func(e *Extractor) { e.timeout = d }
}

func WithRevocation(rc RevocationChecker) Option {
	return func(e *Extractor) { e.revocation = rc }
}

func WithClock(now func() time.Time) Option {
	return func(e *Extractor) {
		if now != nil {
			e.now = now
		}
	}
}

func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{timeout: 5 * time.Second, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract validates token and returns the caller's identity. Errors wrap one
// of ErrTokenInvalid, ErrTokenExpired, ErrTokenRevoked or
// ErrRevocationUnavailable.
func (e *Extractor) Extract(ctx context.Context, token string) (UserContext, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return UserContext{}, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}
	methods := e.validMethods()
	if len(methods) == 0 {
		return UserContext{}, fmt.Errorf("%w: no verification keys configured", ErrTokenInvalid)
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(e.now),
	}
	if e.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(e.issuer))
	}
	if e.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(e.audience))
	}

	var claims Claims
	_, err := jwt.NewParser(parserOpts...).ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return e.keyFor(ctx, t)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return UserContext{}, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return UserContext{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Subject == "" {
		return UserContext{}, fmt.Errorf("%w: subject required", ErrTokenInvalid)
	}
	if claims.ID == "" {
		return UserContext{}, fmt.Errorf("%w: jti required", ErrTokenInvalid)
	}
	if e.revocation != nil {
		revoked, err := e.revocation.IsRevoked(claims.ID)
		if revoked {
			return UserContext{}, fmt.Errorf("%w: jti %s", ErrTokenRevoked, claims.ID)
		}
		if err != nil {
			return UserContext{}, fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
		}
	}
	return UserContext{
		UserID:   claims.Subject,
		Username: claims.PreferredUsername,
		Email:    claims.Email,
		Roles:    uniqueStrings(claims.Roles, claims.RealmAccess.Roles),
		Groups:   uniqueStrings(claims.Groups),
	}, nil
}

// TokenID returns the jti of an already-validated token without verifying it
// again. Used for log attribution only.
func TokenID(token string) string {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return ""
	}
	return claims.ID
}

func (e *Extractor) validMethods() []string {
	var methods []string
	if e.jwks != nil {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}
	if len(e.hmacSecret) > 0 {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	return methods
}

func (e *Extractor) keyFor(ctx context.Context, t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		return e.hmacSecret, nil
	case *jwt.SigningMethodRSA:
		kid, _ := t.Header["kid"].(string)
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("kid required")
		}
		return e.jwks.key(ctx, kid, e.now())
	default:
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
}
