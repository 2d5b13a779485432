package auth

import (
	"context"
	"strings"
)

// UserContext is the caller identity for one request. It is never persisted.
type UserContext struct {
	UserID   string   `json:"userId"`
	Username string   `json:"username,omitempty"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles"`
	Groups   []string `json:"groups,omitempty"`
}

type contextKey string

const userContextKey contextKey = "gateway.user"

func WithUser(ctx context.Context, u UserContext) context.Context {
	return context.WithValue(ctx, userContextKey, u)
}

func UserFromContext(ctx context.Context) (UserContext, bool) {
	v := ctx.Value(userContextKey)
	if v == nil {
		return UserContext{}, false
	}
	u, ok := v.(UserContext)
	return u, ok
}

func (u UserContext) HasAnyRole(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(u.Roles))
	for _, r := range u.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

// uniqueStrings drops blanks and duplicates, keeping first-seen order.
func uniqueStrings(lists ...[]string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, list := range lists {
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
