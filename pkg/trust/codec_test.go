package trust

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestMintValidateRoundTrip(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	cases := []struct {
		name   string
		user   string
		roles  []string
		window time.Duration
	}{
		{"single_role", "alice", []string{"hr-read"}, 30 * time.Second},
		{"many_roles", "bob", []string{"hr-read", "finance-read", "executive"}, time.Minute},
		{"no_roles", "carol", nil, 30 * time.Second},
		{"zero_window", "dave", []string{"support-read"}, 0},
		{"uuid_user", "7d1c0f3e-7f9b-4c62-9c2b-3f0f6a2f1d11", []string{"sales-read"}, 30 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tok, err := MintAt(testSecret, tc.user, tc.roles, now)
			if err != nil {
				t.Fatalf("mint: %v", err)
			}
			p, err := ValidateAt(testSecret, tok, tc.window, now)
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if p.UserID != tc.user {
				t.Fatalf("expected user %q, got %q", tc.user, p.UserID)
			}
			if !reflect.DeepEqual(p.Roles, tc.roles) {
				t.Fatalf("expected roles %v, got %v", tc.roles, p.Roles)
			}
			if !p.IssuedAt.Equal(now) {
				t.Fatalf("expected issued at %v, got %v", now, p.IssuedAt)
			}
		})
	}
}

func TestMintWireFormat(t *testing.T) {
	tok, err := MintAt(testSecret, "alice", []string{"hr-read", "hr-write"}, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if !strings.HasPrefix(tok, "1700000000:alice:hr-read,hr-write.") {
		t.Fatalf("unexpected token layout %q", tok)
	}
	if sig := tok[strings.LastIndexByte(tok, '.')+1:]; len(sig) != 64 {
		t.Fatalf("expected 64 hex chars of signature, got %d", len(sig))
	}
}

func TestValidateReplayWindow(t *testing.T) {
	minted := time.Unix(1_760_000_000, 0)
	tok, _ := MintAt(testSecret, "alice", []string{"hr-read"}, minted)

	if _, err := ValidateAt(testSecret, tok, 30*time.Second, minted.Add(30*time.Second)); err != nil {
		t.Fatalf("expected token valid at window edge, got %v", err)
	}
	if _, err := ValidateAt(testSecret, tok, 30*time.Second, minted.Add(31*time.Second)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if _, err := ValidateAt(testSecret, tok, 0, minted.Add(time.Second)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired for zero window, got %v", err)
	}
	if _, err := ValidateAt(testSecret, tok, 30*time.Second, minted.Add(-2*time.Second)); !errors.Is(err, ErrTokenFromFuture) {
		t.Fatalf("expected ErrTokenFromFuture, got %v", err)
	}
	if _, err := ValidateAt(testSecret, tok, -1, minted.Add(29*time.Second)); err != nil {
		t.Fatalf("expected default window to accept 29s old token, got %v", err)
	}
}

func TestValidateDetectsSignatureTampering(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	tok, _ := MintAt(testSecret, "alice", []string{"hr-read"}, now)
	sigStart := strings.LastIndexByte(tok, '.') + 1
	for i := sigStart; i < len(tok); i++ {
		b := []byte(tok)
		if b[i] == 'f' {
			b[i] = '0'
		} else {
			b[i] = 'f'
		}
		if _, err := ValidateAt(testSecret, string(b), time.Minute, now); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("flip at %d: expected ErrInvalidSignature, got %v", i, err)
		}
	}
}

func TestValidateDetectsPayloadTampering(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	tok, _ := MintAt(testSecret, "alice", []string{"hr-read"}, now)
	forged := strings.Replace(tok, "hr-read", "executive", 1)
	if _, err := ValidateAt(testSecret, forged, time.Minute, now); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if _, err := ValidateAt("another-secret", tok, time.Minute, now); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature with wrong secret, got %v", err)
	}
}

func TestValidateMalformedAndMissingSecret(t *testing.T) {
	if _, err := MintAt("", "alice", nil, time.Now()); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret from mint, got %v", err)
	}
	if _, err := Validate("", "x.y", time.Minute); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret from validate, got %v", err)
	}
	for _, tok := range []string{"", "no-dot", ".abc"} {
		if _, err := Validate(testSecret, tok, time.Minute); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%q: expected ErrMalformed, got %v", tok, err)
		}
	}
	// Correctly signed but structurally wrong payloads.
	for _, payload := range []string{"abc:alice:hr-read", "1700000000:hr-read", "1700000000::hr-read"} {
		tok := payload + "." + sign(testSecret, payload)
		if _, err := ValidateAt(testSecret, tok, time.Minute, time.Unix(1700000000, 0)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%q: expected ErrMalformed, got %v", payload, err)
		}
	}
}
