package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"sweepdesk.io/internal/audit"
)

const defaultAuditLimit = 100

// AuditStore appends to and reads from audit_log. Reads are bound to the
// requested organization, so row level security limits what comes back.
type AuditStore struct {
	g *Gateway
}

func NewAuditStore(g *Gateway) *AuditStore { return &AuditStore{g: g} }

func (s *AuditStore) Append(ctx context.Context, r audit.Record) error {
	meta := []byte("{}")
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = b
	}
	return s.g.WithScope(ctx, scopeFor(r.OrganizationID), func(ctx context.Context, tx *Tx) error {
		_, err := tx.ExecContext(ctx, `
			insert into audit_log(id, occurred_at, actor_id, actor_kind, organization_id, action,
				resource_type, resource_id, outcome, error_kind, request_id, metadata)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, r.ID, r.OccurredAt, nullIfEmpty(r.ActorID), nullIfEmpty(r.ActorKind), nullIfEmpty(r.OrganizationID),
			r.Action, nullIfEmpty(r.ResourceType), nullIfEmpty(r.ResourceID), string(r.Outcome),
			nullIfEmpty(r.ErrorKind), nullIfEmpty(r.RequestID), meta)
		return err
	})
}

// List returns the newest records visible in the scope carried by ctx. Row
// level security does the filtering; a context without a scope is refused.
func (s *AuditStore) List(ctx context.Context, limit int) ([]audit.Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = defaultAuditLimit
	}
	var out []audit.Record
	err := s.g.InScope(ctx, func(ctx context.Context, tx *Tx) error {
		rows, err := tx.QueryContext(ctx, `
			select id, occurred_at, coalesce(actor_id, ''), coalesce(actor_kind, ''), coalesce(organization_id, ''),
				action, coalesce(resource_type, ''), coalesce(resource_id, ''), outcome, coalesce(error_kind, ''),
				coalesce(request_id, ''), metadata
			from audit_log
			order by occurred_at desc, id desc
			limit $1
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r       audit.Record
				outcome string
				meta    []byte
			)
			if err := rows.Scan(&r.ID, &r.OccurredAt, &r.ActorID, &r.ActorKind, &r.OrganizationID, &r.Action,
				&r.ResourceType, &r.ResourceID, &outcome, &r.ErrorKind, &r.RequestID, &meta); err != nil {
				return err
			}
			r.Outcome = audit.Outcome(outcome)
			if len(meta) > 0 {
				if err := json.Unmarshal(meta, &r.Metadata); err != nil {
					return fmt.Errorf("decode metadata: %w", err)
				}
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ audit.Store = (*AuditStore)(nil)
