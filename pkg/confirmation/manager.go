package confirmation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/audit"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/auth"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/logging"
)

var (
	// ErrUserMismatch is terminal: the action was already claimed and is gone.
	ErrUserMismatch    = errors.New("confirmation belongs to another user")
	ErrExecutionFailed = errors.New("confirmed action failed")
)

const (
	StatusSuccess   = "success"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"

	OutcomeUserMismatch = "user_mismatch"
	OutcomeUnreadable   = "unreadable"
)

// Executor runs an approved action against its owning domain. It is called at
// most once per action and must not retry on its own.
type Executor interface {
	Execute(ctx context.Context, user auth.UserContext, a PendingAction) (json.RawMessage, error)
}

type Resolution struct {
	ConfirmationID string
	Approved       bool
	User           auth.UserContext
	RequestID      string
}

type Outcome struct {
	State   State           `json:"-"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result,omitempty"`
	Action  PendingAction   `json:"-"`
}

type Manager struct {
	Store    Store
	Executor Executor
	Audit    audit.Recorder
	Logger   *slog.Logger
	// HashID renders user ids for logs. Defaults to identity.
	HashID     func(string) string
	OnResolved func(status string)
	Now        func() time.Time
}

// Propose persists a new action for user and returns it with its id.
func (m *Manager) Propose(ctx context.Context, user auth.UserContext, domain string, p Payload) (PendingAction, error) {
	if _, err := Next(Proposed, EventPersist); err != nil {
		return PendingAction{}, err
	}
	a := NewPendingAction(user.UserID, domain, p, m.now())
	if err := m.Store.Put(ctx, a); err != nil {
		return PendingAction{}, fmt.Errorf("persist pending action: %w", err)
	}
	m.logger().Info("confirmation proposed", "confirmation_id", a.ConfirmationID, "domain", domain, "action", a.Action())
	return a, nil
}

// Resolve claims the action and then rejects or executes it. The claim comes
// first, so every path below it is terminal for this confirmation id.
func (m *Manager) Resolve(ctx context.Context, r Resolution) (Outcome, error) {
	start := m.now()
	a, err := m.Store.Claim(ctx, r.ConfirmationID)
	if errors.Is(err, ErrUnreadable) {
		m.logger().Error("claimed confirmation could not be decoded",
			"confirmation_id", r.ConfirmationID, "error", err, "request_id", r.RequestID)
		m.Audit.Record(ctx, audit.Record{
			Timestamp:       start.UTC(),
			RequestID:       r.RequestID,
			Kind:            audit.KindConfirmation,
			Actor:           r.User.UserID,
			RolesAtDecision: r.User.Roles,
			ConfirmationID:  r.ConfirmationID,
			Outcome:         OutcomeUnreadable,
			DurationMs:      m.now().Sub(start).Milliseconds(),
		})
		if m.OnResolved != nil {
			m.OnResolved(OutcomeUnreadable)
		}
		return Outcome{}, err
	}
	if err != nil {
		return Outcome{}, err
	}

	rec := audit.Record{
		Timestamp:       start.UTC(),
		RequestID:       r.RequestID,
		Kind:            audit.KindConfirmation,
		Actor:           r.User.UserID,
		RolesAtDecision: r.User.Roles,
		ConfirmationID:  a.ConfirmationID,
		Action:          a.Action(),
	}
	finish := func(status string) {
		rec.Outcome = status
		rec.DurationMs = m.now().Sub(start).Milliseconds()
		m.Audit.Record(ctx, rec)
		if m.OnResolved != nil {
			m.OnResolved(status)
		}
	}

	if a.InitiatingUserID != r.User.UserID {
		m.logger().Warn("confirmation resolved by another user",
			"event", "confirmation_user_mismatch",
			"confirmation_id", a.ConfirmationID,
			"initiator", m.hash(a.InitiatingUserID),
			"resolver", m.hash(r.User.UserID),
			"request_id", r.RequestID)
		finish(OutcomeUserMismatch)
		return Outcome{}, ErrUserMismatch
	}

	if !r.Approved {
		state, _ := Next(PendingConfirmation, EventReject)
		finish(StatusCancelled)
		return Outcome{State: state, Status: StatusCancelled, Message: "Action cancelled", Action: a}, nil
	}

	state, err := Walk(PendingConfirmation, EventApprove, EventExecute)
	if err != nil {
		return Outcome{}, err
	}
	rec.DomainsAccessed = []string{a.Domain}
	result, execErr := m.Executor.Execute(ctx, r.User, a)
	if execErr != nil {
		state, _ = Next(state, EventFail)
		m.logger().Warn("confirmed action failed", "confirmation_id", a.ConfirmationID, "domain", a.Domain, "action", a.Action(), "error", execErr, "request_id", r.RequestID)
		finish(StatusFailed)
		return Outcome{State: state, Status: StatusFailed, Message: "Action failed", Action: a},
			fmt.Errorf("%w: %w", ErrExecutionFailed, execErr)
	}
	state, _ = Next(state, EventSucceed)
	finish(StatusSuccess)
	return Outcome{State: state, Status: StatusSuccess, Message: "Action completed", Result: result, Action: a}, nil
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Manager) logger() *slog.Logger { return logging.OrDiscard(m.Logger) }

func (m *Manager) hash(id string) string {
	if m.HashID == nil {
		return id
	}
	return m.HashID(id)
}
