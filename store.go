package pbac

import (
	"context"
	"strings"
)

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// ListOptions narrows PolicyStore.List.
type ListOptions struct {
	ActiveOnly   bool
	NameContains string // case-insensitive
}

// Matches reports whether p passes the options.
func (o ListOptions) Matches(p *Policy) bool {
	if p == nil {
		return false
	}
	if o.ActiveOnly && !p.IsActive() {
		return false
	}
	if o.NameContains != "" && !containsFold(p.Name, o.NameContains) {
		return false
	}
	return true
}

// PolicyStore owns the lifecycle of policies. List returns insertion order and
// every returned policy is a copy the caller may keep.
type PolicyStore interface {
	Create(ctx context.Context, p *Policy) (*Policy, error)
	Get(ctx context.Context, id string) (*Policy, error)
	List(ctx context.Context, opts ListOptions) ([]*Policy, error)
	Update(ctx context.Context, id string, patch PolicyPatch) (*Policy, error)
	Delete(ctx context.Context, id string) error
	// Revision changes after every successful mutation.
	Revision() uint64
}

// PolicyHistoryStore is implemented by stores that keep prior versions.
type PolicyHistoryStore interface {
	History(ctx context.Context, id string) ([]*Policy, error)
}

// AuditSink persists audit entries. Query returns most recent first and honors Limit.
type AuditSink interface {
	Append(ctx context.Context, e *AuditEntry) error
	Query(ctx context.Context, f AuditFilter) ([]*AuditEntry, error)
}

// SequenceSource is implemented by durable sinks so a restarted recorder
// continues the sequence instead of restarting it.
type SequenceSource interface {
	LastSeq(ctx context.Context) (uint64, error)
}

// UserDirectory resolves a principal to a user. Unknown principals yield a NotFoundError.
type UserDirectory interface {
	Lookup(ctx context.Context, principal string) (*User, error)
}

// UserStore is a UserDirectory with administration operations.
type UserStore interface {
	UserDirectory
	Create(ctx context.Context, u *User) (*User, error)
	Get(ctx context.Context, id string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	Update(ctx context.Context, id string, patch UserPatch) (*User, error)
	Delete(ctx context.Context, id string) error
}

// ============================================================================
// VALIDATION
// ============================================================================

// NormalizePolicy trims and de-duplicates pattern sets in place and defaults Status.
func NormalizePolicy(p *Policy) {
	if p == nil {
		return
	}
	p.Name = strings.TrimSpace(p.Name)
	p.Effect = Effect(strings.ToLower(strings.TrimSpace(string(p.Effect))))
	p.Status = Status(strings.ToLower(strings.TrimSpace(string(p.Status))))
	if p.Status == "" {
		p.Status = StatusActive
	}
	p.Resources = dedupe(p.Resources)
	p.Actions = dedupe(p.Actions)
	p.Conditions = dedupe(p.Conditions)
	p.Roles = dedupe(p.Roles)
}

// ValidatePolicy rejects policies that could never apply or carry unknown enums.
func ValidatePolicy(p *Policy) error {
	if p == nil {
		return NewValidationError("policy", "policy is required")
	}
	details := make(map[string]string)
	if !p.Effect.Valid() {
		details["effect"] = "must be allow or deny"
	}
	if !p.Status.Valid() {
		details["status"] = "must be active or inactive"
	}
	checkPatterns(details, "resources", p.Resources, true)
	checkPatterns(details, "actions", p.Actions, true)
	checkPatterns(details, "conditions", p.Conditions, false)
	checkPatterns(details, "roles", p.Roles, false)
	if len(details) == 0 {
		return nil
	}
	return &ValidationError{Message: "invalid policy", Details: details}
}

func checkPatterns(details map[string]string, field string, values []string, required bool) {
	if required && len(values) == 0 {
		details[field] = "must not be empty"
		return
	}
	for _, v := range values {
		if v == "" {
			details[field] = "must not contain empty entries"
			return
		}
	}
}

// ValidateRequest checks that a request names a principal, resource and action.
func ValidateRequest(req AuthorizationRequest) error {
	details := make(map[string]string)
	if strings.TrimSpace(req.Principal) == "" {
		details["principal"] = "is required"
	}
	if req.Resource == "" {
		details["resource"] = "is required"
	}
	if req.Action == "" {
		details["action"] = "is required"
	}
	if len(details) == 0 {
		return nil
	}
	return &ValidationError{Message: "invalid authorization request", Details: details}
}

// NormalizeUser trims identity fields and defaults Status.
func NormalizeUser(u *User) {
	if u == nil {
		return
	}
	u.ID = strings.TrimSpace(u.ID)
	u.Email = strings.TrimSpace(u.Email)
	u.Status = Status(strings.ToLower(strings.TrimSpace(string(u.Status))))
	if u.Status == "" {
		u.Status = StatusActive
	}
	u.Roles = dedupe(u.Roles)
}

// ValidateUser requires an id or email and a known status.
func ValidateUser(u *User) error {
	if u == nil {
		return NewValidationError("user", "user is required")
	}
	details := make(map[string]string)
	if u.Email == "" && u.ID == "" {
		details["email"] = "id or email is required"
	}
	if !u.Status.Valid() {
		details["status"] = "must be active or inactive"
	}
	checkPatterns(details, "roles", u.Roles, false)
	if len(details) == 0 {
		return nil
	}
	return &ValidationError{Message: "invalid user", Details: details}
}

func dedupe(in []string) []string {
	if in == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
