// Package trust implements the signed internal token the gateway attaches to
// every call it makes to a domain service.
//
// Wire format: "<unix-seconds>:<userId>:<role1,role2>.<hex(hmac-sha256)>",
// where the MAC covers everything before the final dot.
package trust

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Header carries the token on gateway to domain requests.
const Header = "X-MCP-Internal-Token"

const DefaultReplayWindow = 30 * time.Second

var (
	ErrMissingSecret    = errors.New("trust secret not configured")
	ErrMalformed        = errors.New("malformed trust token")
	ErrInvalidSignature = errors.New("invalid trust token signature")
	ErrTokenFromFuture  = errors.New("trust token issued in the future")
	ErrTokenExpired     = errors.New("trust token outside replay window")
)

// Payload is the identity recovered from a valid token.
type Payload struct {
	IssuedAt time.Time
	UserID   string
	Roles    []string
}

func Mint(secret, userID string, roles []string) (string, error) {
	return MintAt(secret, userID, roles, time.Now())
}

func MintAt(secret, userID string, roles []string, now time.Time) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	payload := strconv.FormatInt(now.Unix(), 10) + ":" + userID + ":" + strings.Join(roles, ",")
	return payload + "." + sign(secret, payload), nil
}

// Validate checks the signature and the replay window. A negative window
// selects DefaultReplayWindow; zero accepts only tokens minted this second.
func Validate(secret, token string, window time.Duration) (Payload, error) {
	return ValidateAt(secret, token, window, time.Now())
}

func ValidateAt(secret, token string, window time.Duration, now time.Time) (Payload, error) {
	if secret == "" {
		return Payload{}, ErrMissingSecret
	}
	if window < 0 {
		window = DefaultReplayWindow
	}
	dot := strings.LastIndexByte(token, '.')
	if dot <= 0 {
		return Payload{}, ErrMalformed
	}
	payload, sig := token[:dot], token[dot+1:]
	if !hmac.Equal([]byte(sig), []byte(sign(secret, payload))) {
		return Payload{}, ErrInvalidSignature
	}

	first := strings.IndexByte(payload, ':')
	last := strings.LastIndexByte(payload, ':')
	if first <= 0 || last <= first+1 {
		return Payload{}, ErrMalformed
	}
	ts, err := strconv.ParseInt(payload[:first], 10, 64)
	if err != nil {
		return Payload{}, ErrMalformed
	}
	age := now.Unix() - ts
	if age < 0 {
		return Payload{}, ErrTokenFromFuture
	}
	if time.Duration(age)*time.Second > window {
		return Payload{}, ErrTokenExpired
	}
	out := Payload{
		IssuedAt: time.Unix(ts, 0).UTC(),
		UserID:   payload[first+1 : last],
	}
	if roles := payload[last+1:]; roles != "" {
		out.Roles = strings.Split(roles, ",")
	}
	return out, nil
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
