// Package confirmation holds write actions until their initiator approves or
// rejects them, and executes approved actions at most once.
package confirmation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/store"
)

const (
	DefaultTTL = 5 * time.Minute
	KeyPrefix  = "pending:"
)

var (
	// ErrNotFound covers expired, already-claimed and unknown ids alike.
	ErrNotFound = errors.New("confirmation not found")
	// ErrUnreadable is a claimed record that no longer decodes. The claim has
	// already deleted it.
	ErrUnreadable = errors.New("pending action unreadable")
)

// Store must make Claim a single atomic get-and-delete against shared storage
// so concurrent resolutions across gateway instances cannot both succeed.
type Store interface {
	Put(ctx context.Context, a PendingAction) error
	Claim(ctx context.Context, confirmationID string) (PendingAction, error)
}

type KVStore struct {
	kv  store.KV
	ttl time.Duration
}

func NewKVStore(kv store.KV, ttl time.Duration) *KVStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &KVStore{kv: kv, ttl: ttl}
}

func (s *KVStore) TTL() time.Duration { return s.ttl }

func (s *KVStore) Put(ctx context.Context, a PendingAction) error {
	if err := a.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode pending action: %w", err)
	}
	return s.kv.SetEX(ctx, KeyPrefix+a.ConfirmationID, string(b), s.ttl)
}

func (s *KVStore) Claim(ctx context.Context, confirmationID string) (PendingAction, error) {
	if confirmationID == "" {
		return PendingAction{}, ErrNotFound
	}
	raw, err := s.kv.GetDel(ctx, KeyPrefix+confirmationID)
	if errors.Is(err, store.ErrNotFound) {
		return PendingAction{}, ErrNotFound
	}
	if err != nil {
		return PendingAction{}, fmt.Errorf("claim pending action: %w", err)
	}
	var a PendingAction
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return PendingAction{ConfirmationID: confirmationID}, fmt.Errorf("%w: %s: %v", ErrUnreadable, confirmationID, err)
	}
	return a, nil
}
