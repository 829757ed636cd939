package stores

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oarkflow/squealx"

	"github.com/oarkflow/pbac"
)

const userColumns = `id, name, email, roles_json, status, created_at, updated_at`

// SQLUserStore persists users in SQL (squealx)
type SQLUserStore struct {
	db    *squealx.DB
	mu    sync.Mutex
	clock func() time.Time
}

func NewSQLUserStore(db *squealx.DB) *SQLUserStore {
	return &SQLUserStore{db: db, clock: time.Now}
}

func scanUser(r rowScanner) (*pbac.User, error) {
	var id, name, email, rolesJSON, status string
	var createdRaw, updatedRaw any
	if err := r.Scan(&id, &name, &email, &rolesJSON, &status, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	return &pbac.User{
		ID:        id,
		Name:      name,
		Email:     email,
		Roles:     unmarshalStrings(rolesJSON),
		Status:    pbac.Status(status),
		CreatedAt: scanTime(createdRaw),
		UpdatedAt: scanTime(updatedRaw),
	}, nil
}

func (s *SQLUserStore) queryOne(ctx context.Context, where string, params map[string]any, key string) (*pbac.User, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where+` ORDER BY seq ASC`, params)
	if err != nil {
		return nil, pbac.Persistence("user.get", err)
	}
	defer r.Close()
	if !r.Next() {
		return nil, &pbac.NotFoundError{Kind: "user", ID: key}
	}
	u, err := scanUser(r)
	if err != nil {
		return nil, pbac.Persistence("user.get", err)
	}
	return u, nil
}

func (s *SQLUserStore) Lookup(ctx context.Context, principal string) (*pbac.User, error) {
	return s.queryOne(ctx, `id = :key OR LOWER(email) = :email`, map[string]any{
		"key":   principal,
		"email": strings.ToLower(principal),
	}, principal)
}

func (s *SQLUserStore) Get(ctx context.Context, id string) (*pbac.User, error) {
	return s.queryOne(ctx, `id = :id`, map[string]any{"id": id}, id)
}

func (s *SQLUserStore) Create(ctx context.Context, u *pbac.User) (*pbac.User, error) {
	draft := u.Clone()
	pbac.NormalizeUser(draft)
	if err := pbac.ValidateUser(draft); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	if _, err := s.Lookup(ctx, draft.ID); err == nil {
		return nil, pbac.NewValidationError("id", "user %s already exists", draft.ID)
	}
	if draft.Email != "" {
		if _, err := s.Lookup(ctx, draft.Email); err == nil {
			return nil, pbac.NewValidationError("email", "user %s already exists", draft.Email)
		}
	}
	now := s.clock().UTC()
	draft.CreatedAt = now
	draft.UpdatedAt = now
	q := `INSERT INTO users(seq, ` + userColumns + `) VALUES((SELECT COALESCE(MAX(seq), 0) + 1 FROM users), :id, :name, :email, :roles_json, :status, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":         draft.ID,
		"name":       draft.Name,
		"email":      draft.Email,
		"roles_json": marshalStrings(draft.Roles),
		"status":     string(draft.Status),
		"created_at": formatTime(draft.CreatedAt),
		"updated_at": formatTime(draft.UpdatedAt),
	})
	if err != nil {
		return nil, pbac.Persistence("user.create", err)
	}
	return draft, nil
}

func (s *SQLUserStore) List(ctx context.Context) ([]*pbac.User, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY seq ASC`, map[string]any{})
	if err != nil {
		return nil, pbac.Persistence("user.list", err)
	}
	defer r.Close()
	out := make([]*pbac.User, 0)
	for r.Next() {
		u, err := scanUser(r)
		if err != nil {
			return nil, pbac.Persistence("user.list", err)
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *SQLUserStore) Update(ctx context.Context, id string, patch pbac.UserPatch) (*pbac.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	merged := patch.Apply(old)
	pbac.NormalizeUser(merged)
	if err := pbac.ValidateUser(merged); err != nil {
		return nil, err
	}
	if merged.Email != "" && !strings.EqualFold(merged.Email, old.Email) {
		if _, err := s.Lookup(ctx, merged.Email); err == nil {
			return nil, pbac.NewValidationError("email", "email %s already in use", merged.Email)
		}
	}
	merged.ID = old.ID
	merged.CreatedAt = old.CreatedAt
	merged.UpdatedAt = s.clock().UTC()
	q := `UPDATE users SET name=:name, email=:email, roles_json=:roles_json, status=:status, updated_at=:updated_at WHERE id=:id`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":         merged.ID,
		"name":       merged.Name,
		"email":      merged.Email,
		"roles_json": marshalStrings(merged.Roles),
		"status":     string(merged.Status),
		"updated_at": formatTime(merged.UpdatedAt),
	})
	if err != nil {
		return nil, pbac.Persistence("user.update", err)
	}
	return merged, nil
}

func (s *SQLUserStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.NamedExecContext(ctx, `DELETE FROM users WHERE id = :id`, map[string]any{"id": id}); err != nil {
		return pbac.Persistence("user.delete", err)
	}
	return nil
}
