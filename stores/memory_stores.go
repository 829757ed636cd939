package stores

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/pbac"
)

// policySnapshot is immutable once published.
type policySnapshot struct {
	list  []*pbac.Policy
	index map[string]int
	rev   uint64
}

// MemoryPolicyStore keeps policies in memory. Writers are serialized by mu and
// publish a fresh snapshot; readers load the current snapshot without locking.
type MemoryPolicyStore struct {
	mu        sync.Mutex
	snapshot  atomic.Pointer[policySnapshot]
	histories map[string][]*pbac.Policy // guarded by mu
	clock     func() time.Time
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	s := &MemoryPolicyStore{
		histories: make(map[string][]*pbac.Policy),
		clock:     time.Now,
	}
	s.snapshot.Store(&policySnapshot{index: map[string]int{}})
	return s
}

// publish installs list as the new snapshot. Callers hold mu.
func (s *MemoryPolicyStore) publish(list []*pbac.Policy) {
	index := make(map[string]int, len(list))
	for i, p := range list {
		index[p.ID] = i
	}
	s.snapshot.Store(&policySnapshot{list: list, index: index, rev: s.snapshot.Load().rev + 1})
}

func (s *MemoryPolicyStore) Create(ctx context.Context, p *pbac.Policy) (*pbac.Policy, error) {
	draft := p.Clone()
	pbac.NormalizePolicy(draft)
	if err := pbac.ValidatePolicy(draft); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snapshot.Load()
	// ids are store-assigned; a caller-supplied id is ignored
	draft.ID = uuid.NewString()
	now := s.clock().UTC()
	draft.CreatedAt = now
	draft.UpdatedAt = now
	draft.Version = 1

	next := make([]*pbac.Policy, len(cur.list), len(cur.list)+1)
	copy(next, cur.list)
	next = append(next, draft)
	s.histories[draft.ID] = append(s.histories[draft.ID], draft.Clone())
	s.publish(next)
	return draft.Clone(), nil
}

func (s *MemoryPolicyStore) Get(ctx context.Context, id string) (*pbac.Policy, error) {
	snap := s.snapshot.Load()
	i, ok := snap.index[id]
	if !ok {
		return nil, &pbac.NotFoundError{Kind: "policy", ID: id}
	}
	return snap.list[i].Clone(), nil
}

func (s *MemoryPolicyStore) List(ctx context.Context, opts pbac.ListOptions) ([]*pbac.Policy, error) {
	snap := s.snapshot.Load()
	out := make([]*pbac.Policy, 0, len(snap.list))
	for _, p := range snap.list {
		if opts.Matches(p) {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (s *MemoryPolicyStore) Update(ctx context.Context, id string, patch pbac.PolicyPatch) (*pbac.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snapshot.Load()
	i, ok := cur.index[id]
	if !ok {
		return nil, &pbac.NotFoundError{Kind: "policy", ID: id}
	}
	old := cur.list[i]
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

	next := make([]*pbac.Policy, len(cur.list))
	copy(next, cur.list)
	next[i] = merged
	s.histories[id] = append(s.histories[id], merged.Clone())
	s.publish(next)
	return merged.Clone(), nil
}

func (s *MemoryPolicyStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snapshot.Load()
	i, ok := cur.index[id]
	if !ok {
		return nil
	}
	next := make([]*pbac.Policy, 0, len(cur.list)-1)
	next = append(next, cur.list[:i]...)
	next = append(next, cur.list[i+1:]...)
	s.publish(next)
	return nil
}

func (s *MemoryPolicyStore) Revision() uint64 {
	return s.snapshot.Load().rev
}

// History returns every stored version of policy id, oldest first.
func (s *MemoryPolicyStore) History(ctx context.Context, id string) ([]*pbac.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.histories[id]
	if !ok {
		return nil, &pbac.NotFoundError{Kind: "policy", ID: id}
	}
	out := make([]*pbac.Policy, 0, len(h))
	for _, p := range h {
		out = append(out, p.Clone())
	}
	return out, nil
}

// ============================================================================
// AUDIT
// ============================================================================

// MemoryAuditStore is an append-only in-memory audit sink.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*pbac.AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) Append(ctx context.Context, entry *pbac.AuditEntry) error {
	if entry == nil {
		return pbac.NewValidationError("entry", "entry is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry.Clone())
	return nil
}

func (s *MemoryAuditStore) Query(ctx context.Context, filter pbac.AuditFilter) ([]*pbac.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*pbac.AuditEntry, 0)
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !filter.Matches(e) {
			continue
		}
		out = append(out, e.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryAuditStore) LastSeq(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return 0, nil
	}
	return s.entries[len(s.entries)-1].Seq, nil
}

// Len reports how many entries were appended.
func (s *MemoryAuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ============================================================================
// USERS
// ============================================================================

// MemoryUserStore keeps users in insertion order. Lookup accepts an id or an email.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users []*pbac.User
	clock func() time.Time
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{clock: time.Now}
}

func (s *MemoryUserStore) find(key string) int {
	for i, u := range s.users {
		if u.ID == key || (u.Email != "" && strings.EqualFold(u.Email, key)) {
			return i
		}
	}
	return -1
}

func (s *MemoryUserStore) Lookup(ctx context.Context, principal string) (*pbac.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.find(principal)
	if i < 0 {
		return nil, &pbac.NotFoundError{Kind: "user", ID: principal}
	}
	return s.users[i].Clone(), nil
}

func (s *MemoryUserStore) Create(ctx context.Context, u *pbac.User) (*pbac.User, error) {
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
	if s.find(draft.ID) >= 0 || (draft.Email != "" && s.find(draft.Email) >= 0) {
		return nil, pbac.NewValidationError("email", "user %s already exists", draft.ID)
	}
	now := s.clock().UTC()
	draft.CreatedAt = now
	draft.UpdatedAt = now
	s.users = append(s.users, draft)
	return draft.Clone(), nil
}

func (s *MemoryUserStore) Get(ctx context.Context, id string) (*pbac.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.ID == id {
			return u.Clone(), nil
		}
	}
	return nil, &pbac.NotFoundError{Kind: "user", ID: id}
}

func (s *MemoryUserStore) List(ctx context.Context) ([]*pbac.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*pbac.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.Clone())
	}
	return out, nil
}

func (s *MemoryUserStore) Update(ctx context.Context, id string, patch pbac.UserPatch) (*pbac.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, u := range s.users {
		if u.ID != id {
			continue
		}
		merged := patch.Apply(u)
		pbac.NormalizeUser(merged)
		if err := pbac.ValidateUser(merged); err != nil {
			return nil, err
		}
		if merged.Email != "" && !strings.EqualFold(merged.Email, u.Email) && s.find(merged.Email) >= 0 {
			return nil, pbac.NewValidationError("email", "email %s already in use", merged.Email)
		}
		merged.ID = u.ID
		merged.CreatedAt = u.CreatedAt
		merged.UpdatedAt = s.clock().UTC()
		s.users[i] = merged
		return merged.Clone(), nil
	}
	return nil, &pbac.NotFoundError{Kind: "user", ID: id}
}

func (s *MemoryUserStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, u := range s.users {
		if u.ID == id {
			s.users = append(s.users[:i:i], s.users[i+1:]...)
			return nil
		}
	}
	return nil
}
