package audit

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink appends to the audit_records table created by cmd/migrator.
type PostgresSink struct {
	DB auditDB
}

func (s PostgresSink) Write(ctx context.Context, rec Record) error {
	if s.DB == nil {
		return errors.New("audit database not configured")
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO audit_records
		(created_at, request_id, kind, actor, roles, domains_accessed, domains_denied, outcome, confirmation_id, action, duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),NULLIF($10,''),$11)
	`, rec.Timestamp, rec.RequestID, rec.Kind, rec.Actor,
		nonNil(rec.RolesAtDecision), nonNil(rec.DomainsAccessed), nonNil(rec.DomainsDenied),
		rec.Outcome, rec.ConfirmationID, rec.Action, rec.DurationMs)
	return err
}

// text[] columns are NOT NULL; pgx encodes a nil slice as NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
