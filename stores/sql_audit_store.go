package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/pbac"
)

// SQLAuditStore persists audit entries in an append-only SQL table. It never
// issues UPDATE or DELETE against audit_log.
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) (*SQLAuditStore, error) {
	if db == nil {
		return nil, pbac.NewValidationError("db", "database is required")
	}
	return &SQLAuditStore{db: db}, nil
}

func (s *SQLAuditStore) Append(ctx context.Context, entry *pbac.AuditEntry) error {
	if entry == nil {
		return pbac.NewValidationError("entry", "entry is nil")
	}
	metaB, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}
	q := `INSERT INTO audit_log(seq, id, timestamp, actor, action, resource, decision, reason, source_address, policy_id, metadata_json) VALUES(:seq, :id, :timestamp, :actor, :action, :resource, :decision, :reason, :source_address, :policy_id, :metadata_json)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"seq":            int64(entry.Seq),
		"id":             entry.ID,
		"timestamp":      formatTime(entry.Timestamp),
		"actor":          entry.Actor,
		"action":         entry.Action,
		"resource":       entry.Resource,
		"decision":       entry.Decision,
		"reason":         entry.Reason,
		"source_address": entry.SourceAddress,
		"policy_id":      entry.PolicyID,
		"metadata_json":  string(metaB),
	})
	return err
}

func (s *SQLAuditStore) Query(ctx context.Context, filter pbac.AuditFilter) ([]*pbac.AuditEntry, error) {
	q := `SELECT seq, id, timestamp, actor, action, resource, decision, reason, source_address, policy_id, metadata_json FROM audit_log WHERE 1=1`
	params := map[string]any{}
	like := func(column, key, value string) {
		q += " AND LOWER(" + column + ") LIKE :" + key
		params[key] = "%" + strings.ToLower(value) + "%"
	}
	if filter.Actor != "" {
		like("actor", "actor", filter.Actor)
	}
	if filter.Action != "" {
		like("action", "action", filter.Action)
	}
	if filter.Resource != "" {
		like("resource", "resource", filter.Resource)
	}
	if filter.Search != "" {
		q += " AND (LOWER(actor) LIKE :search OR LOWER(action) LIKE :search OR LOWER(resource) LIKE :search)"
		params["search"] = "%" + strings.ToLower(filter.Search) + "%"
	}
	if filter.Decision != "" {
		q += " AND UPPER(decision) = :decision"
		params["decision"] = strings.ToUpper(filter.Decision)
	}
	if !filter.Since.IsZero() {
		q += " AND timestamp >= :since"
		params["since"] = formatTime(filter.Since)
	}
	if !filter.Until.IsZero() {
		q += " AND timestamp <= :until"
		params["until"] = formatTime(filter.Until)
	}
	q += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*pbac.AuditEntry, 0)
	for r.Next() {
		var seq int64
		var id, actor, action, resource, decision, reason, source, policyID, metaJSON string
		var timestampRaw any
		if err := r.Scan(&seq, &id, &timestampRaw, &actor, &action, &resource, &decision, &reason, &source, &policyID, &metaJSON); err != nil {
			return nil, err
		}
		entry := &pbac.AuditEntry{
			ID:            id,
			Seq:           uint64(seq),
			Timestamp:     scanTime(timestampRaw),
			Actor:         actor,
			Action:        action,
			Resource:      resource,
			Decision:      decision,
			Reason:        reason,
			SourceAddress: source,
			PolicyID:      policyID,
		}
		if metaJSON != "" && metaJSON != "null" {
			if err := json.Unmarshal([]byte(metaJSON), &entry.Metadata); err != nil {
				return nil, pbac.Persistence("audit.query", fmt.Errorf("entry %s metadata: %w", id, err))
			}
		}
		out = append(out, entry)
	}
	return out, r.Err()
}

func (s *SQLAuditStore) LastSeq(ctx context.Context) (uint64, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM audit_log`, map[string]any{})
	if err != nil {
		return 0, err
	}
	defer r.Close()
	var last int64
	if r.Next() {
		if err := r.Scan(&last); err != nil {
			return 0, err
		}
	}
	return uint64(last), nil
}
