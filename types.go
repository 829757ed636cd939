package pbac

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Effect is the outcome a policy asserts when it applies
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Valid reports whether e is a known effect
func (e Effect) Valid() bool {
	return e == EffectAllow || e == EffectDeny
}

// Status controls whether a stored policy or user takes part in evaluation
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

// Outcome is the result of an authorization decision
type Outcome string

const (
	Allowed Outcome = "ALLOWED"
	Denied  Outcome = "DENIED"
)

// DefaultDenyReason is the reason attached to decisions where no policy applied.
const DefaultDenyReason = "No matching policy — default deny"

// Policy is a stored access rule
type Policy struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description" yaml:"description"`
	Effect      Effect    `json:"effect" yaml:"effect"`
	Resources   []string  `json:"resources" yaml:"resources"`
	Actions     []string  `json:"actions" yaml:"actions"`
	Conditions  []string  `json:"conditions" yaml:"conditions"`
	Roles       []string  `json:"roles,omitempty" yaml:"roles,omitempty"` // empty = any principal
	Status      Status    `json:"status" yaml:"status"`
	Version     int       `json:"version" yaml:"version"`
	CreatedBy   string    `json:"createdBy,omitempty" yaml:"created_by,omitempty"`
	CreatedAt   time.Time `json:"createdAt" yaml:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"updated_at"`
}

// IsActive reports whether the policy takes part in evaluation
func (p *Policy) IsActive() bool {
	return p != nil && p.Status == StatusActive
}

// Clone returns a deep copy of the policy
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	dup := *p
	dup.Resources = cloneStrings(p.Resources)
	dup.Actions = cloneStrings(p.Actions)
	dup.Conditions = cloneStrings(p.Conditions)
	dup.Roles = cloneStrings(p.Roles)
	return &dup
}

// Checksum returns a deterministic hash of the authoritative policy fields
func (p *Policy) Checksum() string {
	data, _ := json.Marshal(struct {
		ID         string
		Effect     Effect
		Resources  []string
		Actions    []string
		Conditions []string
		Roles      []string
		Status     Status
	}{
		ID:         p.ID,
		Effect:     p.Effect,
		Resources:  nilIfEmpty(p.Resources),
		Actions:    nilIfEmpty(p.Actions),
		Conditions: nilIfEmpty(p.Conditions),
		Roles:      nilIfEmpty(p.Roles),
		Status:     p.Status,
	})
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// PolicyPatch is a partial update. Nil fields are left untouched. ID and CreatedAt
// are not part of the patch and therefore can never change.
type PolicyPatch struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Effect      *Effect   `json:"effect,omitempty"`
	Resources   *[]string `json:"resources,omitempty"`
	Actions     *[]string `json:"actions,omitempty"`
	Conditions  *[]string `json:"conditions,omitempty"`
	Roles       *[]string `json:"roles,omitempty"`
	Status      *Status   `json:"status,omitempty"`
}

// Empty reports whether the patch changes nothing
func (pp PolicyPatch) Empty() bool {
	return pp.Name == nil && pp.Description == nil && pp.Effect == nil && pp.Resources == nil &&
		pp.Actions == nil && pp.Conditions == nil && pp.Roles == nil && pp.Status == nil
}

// Apply returns a copy of p with the patch merged in. p is not modified.
func (pp PolicyPatch) Apply(p *Policy) *Policy {
	out := p.Clone()
	if pp.Name != nil {
		out.Name = *pp.Name
	}
	if pp.Description != nil {
		out.Description = *pp.Description
	}
	if pp.Effect != nil {
		out.Effect = *pp.Effect
	}
	if pp.Resources != nil {
		out.Resources = cloneStrings(*pp.Resources)
	}
	if pp.Actions != nil {
		out.Actions = cloneStrings(*pp.Actions)
	}
	if pp.Conditions != nil {
		out.Conditions = cloneStrings(*pp.Conditions)
	}
	if pp.Roles != nil {
		out.Roles = cloneStrings(*pp.Roles)
	}
	if pp.Status != nil {
		out.Status = *pp.Status
	}
	return out
}

// RequestContext carries condition-relevant attributes of a request
type RequestContext struct {
	Time       time.Time      `json:"time,omitempty"`
	SourceIP   string         `json:"sourceIp,omitempty"`
	Network    string         `json:"network,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// AuthorizationRequest asks whether Principal may perform Action on Resource
type AuthorizationRequest struct {
	Principal string         `json:"principal"`
	Resource  string         `json:"resource"`
	Action    string         `json:"action"`
	Context   RequestContext `json:"context"`
}

// Decision is the write-once result of an evaluation
type Decision struct {
	Outcome         Outcome   `json:"outcome"`
	Reason          string    `json:"reason"`
	MatchedPolicyID string    `json:"matchedPolicyId,omitempty"`
	EvaluatedAt     time.Time `json:"evaluatedAt"`
	Trace           []string  `json:"trace,omitempty"`
}

// IsAllowed reports whether the decision grants access
func (d Decision) IsAllowed() bool {
	return d.Outcome == Allowed
}

// User is an opaque principal managed by the admin surface. Only Roles and Status
// are consumed by the engine.
type User struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Email     string    `json:"email" yaml:"email"`
	Roles     []string  `json:"roles" yaml:"roles"`
	Status    Status    `json:"status" yaml:"status"`
	CreatedAt time.Time `json:"createdAt" yaml:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updated_at"`
}

// IsActive reports whether the user may be considered for role-scoped policies
func (u *User) IsActive() bool {
	return u != nil && u.Status == StatusActive
}

// Clone returns a deep copy of the user
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	dup := *u
	dup.Roles = cloneStrings(u.Roles)
	return &dup
}

// UserPatch is a partial user update
type UserPatch struct {
	Name   *string   `json:"name,omitempty"`
	Email  *string   `json:"email,omitempty"`
	Roles  *[]string `json:"roles,omitempty"`
	Status *Status   `json:"status,omitempty"`
}

// Apply returns a copy of u with the patch merged in
func (up UserPatch) Apply(u *User) *User {
	out := u.Clone()
	if up.Name != nil {
		out.Name = *up.Name
	}
	if up.Email != nil {
		out.Email = *up.Email
	}
	if up.Roles != nil {
		out.Roles = cloneStrings(*up.Roles)
	}
	if up.Status != nil {
		out.Status = *up.Status
	}
	return out
}

// ============================================================================
// AUDIT OBJECTS
// ============================================================================

// Audit actions recorded by the engine
const (
	AuditAccessResource = "ACCESS_RESOURCE"
	AuditCreatePolicy   = "CREATE_POLICY"
	AuditUpdatePolicy   = "UPDATE_POLICY"
	AuditDeletePolicy   = "DELETE_POLICY"
	AuditCreateUser     = "CREATE_USER"
	AuditUpdateUser     = "UPDATE_USER"
	AuditDeleteUser     = "DELETE_USER"
)

// AuditSuccess is the decision value recorded for administrative mutations.
const AuditSuccess = "SUCCESS"

// AuditEntry is an immutable record of a decision or administrative mutation
type AuditEntry struct {
	ID            string         `json:"id"`
	Seq           uint64         `json:"seq"`
	Timestamp     time.Time      `json:"timestamp"`
	Actor         string         `json:"actor"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource"`
	Decision      string         `json:"decision"`
	Reason        string         `json:"reason"`
	SourceAddress string         `json:"sourceAddress,omitempty"`
	PolicyID      string         `json:"policyId,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy that shares nothing mutable with e
func (e *AuditEntry) Clone() *AuditEntry {
	if e == nil {
		return nil
	}
	dup := *e
	if e.Metadata != nil {
		dup.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

// AuditFilter selects audit entries. String filters are case-insensitive substrings.
type AuditFilter struct {
	Actor    string    `json:"actor,omitempty"`
	Action   string    `json:"action,omitempty"`
	Resource string    `json:"resource,omitempty"`
	Search   string    `json:"search,omitempty"` // matches actor, action or resource
	Decision string    `json:"decision,omitempty"`
	Since    time.Time `json:"since,omitempty"`
	Until    time.Time `json:"until,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}

// Matches reports whether e passes every filter criterion
func (f AuditFilter) Matches(e *AuditEntry) bool {
	if e == nil {
		return false
	}
	if f.Actor != "" && !containsFold(e.Actor, f.Actor) {
		return false
	}
	if f.Action != "" && !containsFold(e.Action, f.Action) {
		return false
	}
	if f.Resource != "" && !containsFold(e.Resource, f.Resource) {
		return false
	}
	if f.Search != "" && !containsFold(e.Actor, f.Search) && !containsFold(e.Action, f.Search) && !containsFold(e.Resource, f.Search) {
		return false
	}
	if f.Decision != "" && !strings.EqualFold(e.Decision, f.Decision) {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// nilIfEmpty keeps checksums stable across encodings that drop empty lists.
func nilIfEmpty(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	return in
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
