// Package audit records one structured entry per gateway decision. Records
// are append-only and never read back by the gateway.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/logging"
)

const (
	KindQuery        = "query"
	KindConfirmation = "confirmation"
)

type Record struct {
	Timestamp       time.Time `json:"timestamp"`
	RequestID       string    `json:"requestId"`
	Kind            string    `json:"kind"`
	Actor           string    `json:"actor"`
	RolesAtDecision []string  `json:"rolesAtDecision"`
	DomainsAccessed []string  `json:"domainsAccessed"`
	DomainsDenied   []string  `json:"domainsDenied"`
	Outcome         string    `json:"outcome"`
	ConfirmationID  string    `json:"confirmationId,omitempty"`
	Action          string    `json:"action,omitempty"`
	DurationMs      int64     `json:"durationMs"`
}

type Sink interface {
	Write(ctx context.Context, rec Record) error
}

type SinkFunc func(ctx context.Context, rec Record) error

func (f SinkFunc) Write(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Multi writes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Write(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink emits records as structured log lines.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Write(ctx context.Context, rec Record) error {
	logging.OrDiscard(s.Logger).LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("kind", rec.Kind),
		slog.String("request_id", rec.RequestID),
		slog.String("actor", rec.Actor),
		slog.Any("roles", rec.RolesAtDecision),
		slog.Any("domains_accessed", rec.DomainsAccessed),
		slog.Any("domains_denied", rec.DomainsDenied),
		slog.String("outcome", rec.Outcome),
		slog.String("confirmation_id", rec.ConfirmationID),
		slog.String("action", rec.Action),
		slog.Int64("duration_ms", rec.DurationMs),
	)
	return nil
}

// Recorder wraps a sink so a failed write is logged instead of returned.
// Audit failures never change the caller's response.
type Recorder struct {
	Sink   Sink
	Logger *slog.Logger
}

func (r Recorder) Record(ctx context.Context, rec Record) {
	if r.Sink == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := r.Sink.Write(ctx, rec); err != nil {
		logging.OrDiscard(r.Logger).Error("audit write failed", "error", err, "kind", rec.Kind, "request_id", rec.RequestID)
	}
}
