package stores

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oarkflow/squealx"

	"github.com/oarkflow/pbac"
)

const policyColumns = `id, name, description, effect, resources_json, actions_json, conditions_json, roles_json, status, version, created_by, created_at, updated_at`

// SQLPolicyStore persists policies in SQL (squealx). Mutations are serialized
// in-process; every stored version is also kept in policy_history.
type SQLPolicyStore struct {
	db    *squealx.DB
	mu    sync.Mutex
	rev   atomic.Uint64
	clock func() time.Time
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db, clock: time.Now}
}

func policyParams(p *pbac.Policy) map[string]any {
	return map[string]any{
		"id":              p.ID,
		"name":            p.Name,
		"description":     p.Description,
		"effect":          string(p.Effect),
		"resources_json":  marshalStrings(p.Resources),
		"actions_json":    marshalStrings(p.Actions),
		"conditions_json": marshalStrings(p.Conditions),
		"roles_json":      marshalStrings(p.Roles),
		"status":          string(p.Status),
		"version":         p.Version,
		"created_by":      p.CreatedBy,
		"created_at":      formatTime(p.CreatedAt),
		"updated_at":      formatTime(p.UpdatedAt),
	}
}

func (s *SQLPolicyStore) Create(ctx context.Context, p *pbac.Policy) (*pbac.Policy, error) {
	draft := p.Clone()
	pbac.NormalizePolicy(draft)
	if err := pbac.ValidatePolicy(draft); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// ids are store-assigned; a caller-supplied id is ignored
	draft.ID = uuid.NewString()
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return nil, pbac.Persistence("policy.create", err)
	}
	now := s.clock().UTC()
	draft.CreatedAt = now
	draft.UpdatedAt = now
	draft.Version = 1

	params := policyParams(draft)
	params["seq"] = seq
	q := `INSERT INTO policies(seq, ` + policyColumns + `) VALUES(:seq, :id, :name, :description, :effect, :resources_json, :actions_json, :conditions_json, :roles_json, :status, :version, :created_by, :created_at, :updated_at)`
	err = s.inTx(ctx, func(tx *squealx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, q, params); err != nil {
			return pbac.Persistence("policy.create", err)
		}
		return s.insertPolicyHistory(ctx, tx, draft)
	})
	if err != nil {
		return nil, err
	}
	s.rev.Add(1)
	return draft, nil
}

func (s *SQLPolicyStore) nextSeq(ctx context.Context) (int64, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM policies`, map[string]any{})
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
	return last + 1, nil
}

func (s *SQLPolicyStore) Get(ctx context.Context, id string) (*pbac.Policy, error) {
	return s.get(ctx, id)
}

func (s *SQLPolicyStore) get(ctx context.Context, id string) (*pbac.Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, pbac.Persistence("policy.get", err)
	}
	defer r.Close()
	if !r.Next() {
		return nil, &pbac.NotFoundError{Kind: "policy", ID: id}
	}
	p, err := scanPolicy(r)
	if err != nil {
		return nil, pbac.Persistence("policy.get", err)
	}
	return p, nil
}

func scanPolicy(r rowScanner) (*pbac.Policy, error) {
	var id, name, description, effect, resourcesJSON, actionsJSON, conditionsJSON, rolesJSON, status, createdBy string
	var version int
	var createdRaw, updatedRaw any
	if err := r.Scan(&id, &name, &description, &effect, &resourcesJSON, &actionsJSON, &conditionsJSON, &rolesJSON, &status, &version, &createdBy, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	return &pbac.Policy{
		ID:          id,
		Name:        name,
		Description: description,
		Effect:      pbac.Effect(effect),
		Resources:   unmarshalStrings(resourcesJSON),
		Actions:     unmarshalStrings(actionsJSON),
		Conditions:  unmarshalStrings(conditionsJSON),
		Roles:       unmarshalStrings(rolesJSON),
		Status:      pbac.Status(status),
		Version:     version,
		CreatedBy:   createdBy,
		CreatedAt:   scanTime(createdRaw),
		UpdatedAt:   scanTime(updatedRaw),
	}, nil
}

func (s *SQLPolicyStore) List(ctx context.Context, opts pbac.ListOptions) ([]*pbac.Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies WHERE 1=1`
	params := map[string]any{}
	if opts.ActiveOnly {
		q += " AND status = :status"
		params["status"] = string(pbac.StatusActive)
	}
	if opts.NameContains != "" {
		q += " AND LOWER(name) LIKE :name"
		params["name"] = "%" + strings.ToLower(opts.NameContains) + "%"
	}
	q += " ORDER BY seq ASC"
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, pbac.Persistence("policy.list", err)
	}
	defer r.Close()
	out := make([]*pbac.Policy, 0)
	for r.Next() {
		p, err := scanPolicy(r)
		if err != nil {
			return nil, pbac.Persistence("policy.list", err)
		}
		out = append(out, p)
	}
	if err := r.Err(); err != nil {
		return nil, pbac.Persistence("policy.list", err)
	}
	return out, nil
}

func (s *SQLPolicyStore) Update(ctx context.Context, id string, patch pbac.PolicyPatch) (*pbac.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	merged := patch.Apply(old)
	pbac.NormalizePolicy(merged)
	if err := pbac.ValidatePolicy(merged); err != nil {
		return nil, err
	}
	merged.ID = old.ID
	merged.CreatedAt = old.CreatedAt
	merged.CreatedBy = old.CreatedBy
	merged.Version = old.Version + 1
	merged.UpdatedAt = s.clock().UTC()

	q := `UPDATE policies SET name=:name, description=:description, effect=:effect, resources_json=:resources_json, actions_json=:actions_json, conditions_json=:conditions_json, roles_json=:roles_json, status=:status, version=:version, updated_at=:updated_at WHERE id=:id`
	params := policyParams(merged)
	delete(params, "created_at")
	delete(params, "created_by")
	err = s.inTx(ctx, func(tx *squealx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, q, params); err != nil {
			return pbac.Persistence("policy.update", err)
		}
		return s.insertPolicyHistory(ctx, tx, merged)
	})
	if err != nil {
		return nil, err
	}
	s.rev.Add(1)
	return merged, nil
}

func (s *SQLPolicyStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.NamedExecContext(ctx, `DELETE FROM policies WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return pbac.Persistence("policy.delete", err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		s.rev.Add(1)
	}
	return nil
}

func (s *SQLPolicyStore) Revision() uint64 {
	return s.rev.Load()
}

// inTx runs fn in a transaction. The transaction is committed only when fn
// returns nil; any error rolls back both the policy row and its history.
func (s *SQLPolicyStore) inTx(ctx context.Context, fn func(tx *squealx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return pbac.Persistence("policy.begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return pbac.Persistence("policy.commit", err)
	}
	return nil
}

// insertPolicyHistory appends a JSON snapshot of p to policy_history
func (s *SQLPolicyStore) insertPolicyHistory(ctx context.Context, tx *squealx.Tx, p *pbac.Policy) error {
	b, err := json.Marshal(p)
	if err != nil {
		return pbac.Persistence("policy.history", err)
	}
	q := `INSERT INTO policy_history(policy_id, version, snapshot_json, recorded_at) VALUES(:policy_id, :version, :snapshot_json, :recorded_at)`
	_, err = tx.NamedExecContext(ctx, q, map[string]any{
		"policy_id":     p.ID,
		"version":       p.Version,
		"snapshot_json": string(b),
		"recorded_at":   formatTime(s.clock()),
	})
	if err != nil {
		return pbac.Persistence("policy.history", err)
	}
	return nil
}

// History returns every stored version of policy id, oldest first.
func (s *SQLPolicyStore) History(ctx context.Context, id string) ([]*pbac.Policy, error) {
	q := `SELECT snapshot_json FROM policy_history WHERE policy_id = :policy_id ORDER BY version ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"policy_id": id})
	if err != nil {
		return nil, pbac.Persistence("policy.history", err)
	}
	defer r.Close()
	out := make([]*pbac.Policy, 0)
	for r.Next() {
		var snap string
		if err := r.Scan(&snap); err != nil {
			return nil, pbac.Persistence("policy.history", err)
		}
		p := &pbac.Policy{}
		if err := json.Unmarshal([]byte(snap), p); err != nil {
			return nil, pbac.Persistence("policy.history", err)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, &pbac.NotFoundError{Kind: "policy", ID: id}
	}
	return out, nil
}
