package pbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/pbac/logger"
	"github.com/oarkflow/pbac/utils"
)

// ============================================================================
// EVALUATION
// ============================================================================

// EvalEnv carries everything an evaluation reads besides policies and request.
type EvalEnv struct {
	Now        time.Time
	Conditions *ConditionRegistry
	Roles      []string
	RolesKnown bool // false when the principal could not be resolved
	Trace      bool
}

// Evaluate combines policies into a decision: the first applicable deny in
// listing order wins, otherwise the first applicable allow, otherwise default
// deny. It performs no I/O and reads no clock.
func Evaluate(policies []*Policy, req AuthorizationRequest, env EvalEnv) Decision {
	d, _ := evaluate(policies, req, env)
	return d
}

// evaluate also reports whether any condition was consulted, in which case the
// decision depends on request context and must not be cached.
func evaluate(policies []*Policy, req AuthorizationRequest, env EvalEnv) (Decision, bool) {
	var (
		trace      []string
		consulted  bool
		firstAllow *Policy
	)
	note := func(p *Policy, format string, args ...any) {
		if env.Trace {
			trace = append(trace, fmt.Sprintf("policy %q (%s): ", p.Name, p.ID)+fmt.Sprintf(format, args...))
		}
	}
	for _, p := range policies {
		if p == nil {
			continue
		}
		if !p.IsActive() {
			note(p, "skipped, inactive")
			continue
		}
		if !utils.MatchAny(p.Resources, req.Resource) {
			note(p, "skipped, resource %q not matched", req.Resource)
			continue
		}
		if !utils.MatchAny(p.Actions, req.Action) {
			note(p, "skipped, action %q not matched", req.Action)
			continue
		}
		if len(p.Roles) > 0 && (!env.RolesKnown || !utils.MatchAnyOf(p.Roles, env.Roles)) {
			note(p, "skipped, principal roles %v not in %v", env.Roles, p.Roles)
			continue
		}
		if len(p.Conditions) > 0 {
			consulted = true
			if failed, ok := failedCondition(p, req.Context, env); ok {
				note(p, "skipped, condition %q not satisfied", failed)
				continue
			}
		}
		if p.Effect == EffectDeny {
			note(p, "applies, deny")
			return Decision{
				Outcome:         Denied,
				Reason:          fmt.Sprintf("Denied by policy \"%s\" (%s)", p.Name, p.ID),
				MatchedPolicyID: p.ID,
				EvaluatedAt:     env.Now,
				Trace:           trace,
			}, consulted
		}
		note(p, "applies, allow")
		if firstAllow == nil {
			firstAllow = p
		}
	}
	if firstAllow != nil {
		return Decision{
			Outcome:         Allowed,
			Reason:          fmt.Sprintf("Allowed by policy \"%s\" (%s)", firstAllow.Name, firstAllow.ID),
			MatchedPolicyID: firstAllow.ID,
			EvaluatedAt:     env.Now,
			Trace:           trace,
		}, consulted
	}
	return Decision{
		Outcome:     Denied,
		Reason:      DefaultDenyReason,
		EvaluatedAt: env.Now,
		Trace:       trace,
	}, consulted
}

func failedCondition(p *Policy, ctx RequestContext, env EvalEnv) (string, bool) {
	for _, id := range p.Conditions {
		if !env.Conditions.Evaluate(id, ctx, env.Now) {
			return id, true
		}
	}
	return "", false
}

// ============================================================================
// ENGINE
// ============================================================================

// Engine orchestrates the policy store, evaluation and the audit recorder.
type Engine struct {
	store      PolicyStore
	recorder   *Recorder
	users      UserDirectory
	userStore  UserStore
	conditions *ConditionRegistry
	// conditionsCfg is what the built-ins were last configured from, kept for export
	conditionsCfg ConditionsConfig
	logger        logger.Logger
	clock         func() time.Time
	metrics       *Metrics

	bundles      *PolicyBundleDistributor
	cache        *decisionCache
	cacheSize    int64
	cacheTTL     time.Duration
	batchWorkers int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine) error

// NewEngine wires an engine around an explicitly constructed store and recorder.
func NewEngine(store PolicyStore, recorder *Recorder, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, NewValidationError("store", "policy store is required")
	}
	if recorder == nil {
		return nil, NewValidationError("recorder", "audit recorder is required")
	}
	conditions, err := NewConditionRegistry(ConditionsConfig{})
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store:        store,
		recorder:     recorder,
		conditions:   conditions,
		logger:       logger.NewNullLogger(),
		clock:        time.Now,
		batchWorkers: 8,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.cacheSize > 0 {
		e.cache, err = newDecisionCache(e.cacheSize, e.cacheTTL)
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Close releases the decision cache.
func (e *Engine) Close() {
	e.cache.close()
}

// Conditions exposes the registry so hosts can register custom conditions.
func (e *Engine) Conditions() *ConditionRegistry { return e.conditions }

// Store returns the policy store the engine reads from.
func (e *Engine) Store() PolicyStore { return e.store }

// Recorder returns the audit recorder.
func (e *Engine) Recorder() *Recorder { return e.recorder }

// Users returns the configured user store, or nil.
func (e *Engine) Users() UserStore { return e.userStore }

// InvalidateDecisionCache drops every cached decision.
func (e *Engine) InvalidateDecisionCache() {
	e.cache.clear()
}

// Authorize decides req and records the decision before returning it. When the
// audit entry cannot be persisted the decision is returned together with a
// PersistenceError and must not be trusted.
func (e *Engine) Authorize(ctx context.Context, req AuthorizationRequest) (Decision, error) {
	return e.authorize(ctx, req, false)
}

// Explain is Authorize with a per-policy trace attached to the decision.
func (e *Engine) Explain(ctx context.Context, req AuthorizationRequest) (Decision, error) {
	return e.authorize(ctx, req, true)
}

func (e *Engine) authorize(ctx context.Context, req AuthorizationRequest, explain bool) (Decision, error) {
	start := time.Now()
	if err := ValidateRequest(req); err != nil {
		return Decision{}, err
	}
	decision, cached, err := e.decide(ctx, req, explain)
	if err != nil {
		e.logger.Error("authorization failed", "principal", req.Principal, "resource", req.Resource, "action", req.Action, "error", err)
		return Decision{}, err
	}
	elapsed := time.Since(start)
	_, recErr := e.recorder.Record(ctx, AuditEvent{
		Actor:         req.Principal,
		Action:        AuditAccessResource,
		Resource:      req.Resource,
		Decision:      string(decision.Outcome),
		Reason:        decision.Reason,
		SourceAddress: req.Context.SourceIP,
		PolicyID:      decision.MatchedPolicyID,
		Metadata: map[string]any{
			"action":      req.Action,
			"duration_us": elapsed.Microseconds(),
			"cached":      cached,
		},
	})
	e.metrics.observeDecision(decision.Outcome, time.Since(start))
	if recErr != nil {
		e.metrics.auditFailed()
		e.logger.Error("decision unrecorded", "principal", req.Principal, "resource", req.Resource, "action", req.Action, "outcome", string(decision.Outcome), "error", recErr)
		return decision, recErr
	}
	if decision.Outcome == Denied {
		e.logger.Warn("authorization denied", "principal", req.Principal, "resource", req.Resource, "action", req.Action, "reason", decision.Reason)
	} else {
		e.logger.Debug("authorization granted", "principal", req.Principal, "resource", req.Resource, "action", req.Action, "policy", decision.MatchedPolicyID)
	}
	return decision, nil
}

func (e *Engine) decide(ctx context.Context, req AuthorizationRequest, explain bool) (Decision, bool, error) {
	now := e.clock()
	roles, known, err := e.resolveRoles(ctx, req.Principal)
	if err != nil {
		return Decision{}, false, err
	}
	var key string
	if e.cache != nil && !explain {
		// read before listing: a concurrent mutation can only make the key older than the snapshot
		key = decisionKey(e.store.Revision(), req, roles, known)
		if d, ok := e.cache.get(key); ok {
			e.metrics.cacheHit()
			d.EvaluatedAt = now
			return d, true, nil
		}
		e.metrics.cacheMiss()
	}
	policies, err := e.store.List(ctx, ListOptions{ActiveOnly: true})
	if err != nil {
		return Decision{}, false, Persistence("policy.list", err)
	}
	d, consulted := evaluate(policies, req, EvalEnv{
		Now:        now,
		Conditions: e.conditions,
		Roles:      roles,
		RolesKnown: known,
		Trace:      explain,
	})
	if key != "" && !consulted {
		e.cache.set(key, d)
	}
	return d, false, nil
}

// resolveRoles fails closed: unknown or inactive principals have no roles.
func (e *Engine) resolveRoles(ctx context.Context, principal string) ([]string, bool, error) {
	if e.users == nil {
		return nil, false, nil
	}
	u, err := e.users.Lookup(ctx, principal)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, Persistence("user.lookup", err)
	}
	if !u.IsActive() {
		return nil, false, nil
	}
	roles := cloneStrings(u.Roles)
	sort.Strings(roles)
	return roles, true, nil
}

// BatchResult pairs a request's decision with its error.
type BatchResult struct {
	Request  AuthorizationRequest `json:"request"`
	Decision Decision             `json:"decision"`
	Err      error                `json:"-"`
}

// BatchAuthorize authorizes every request concurrently. Results keep input order;
// per-request failures are reported in BatchResult.Err. The returned error is only
// set when ctx ends before every request was handled.
func (e *Engine) BatchAuthorize(ctx context.Context, reqs []AuthorizationRequest) ([]BatchResult, error) {
	results := make([]BatchResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batchWorkers)
	for i := range reqs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := e.Authorize(gctx, reqs[i])
			results[i] = BatchResult{Request: reqs[i], Decision: d, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Simulate evaluates draft alone against req. Nothing is stored or audited.
func (e *Engine) Simulate(ctx context.Context, draft *Policy, req AuthorizationRequest) (Decision, error) {
	if err := ValidateRequest(req); err != nil {
		return Decision{}, err
	}
	p := draft.Clone()
	NormalizePolicy(p)
	if err := ValidatePolicy(p); err != nil {
		return Decision{}, err
	}
	if p.ID == "" {
		p.ID = "draft"
	}
	roles, known, err := e.resolveRoles(ctx, req.Principal)
	if err != nil {
		return Decision{}, err
	}
	return Evaluate([]*Policy{p}, req, EvalEnv{
		Now:        e.clock(),
		Conditions: e.conditions,
		Roles:      roles,
		RolesKnown: known,
		Trace:      true,
	}), nil
}

// ============================================================================
// POLICY ADMINISTRATION
// ============================================================================

// GetPolicy reads one policy.
func (e *Engine) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	return e.store.Get(ctx, id)
}

// ListPolicies lists policies in insertion order.
func (e *Engine) ListPolicies(ctx context.Context, opts ListOptions) ([]*Policy, error) {
	return e.store.List(ctx, opts)
}

// PolicyHistory returns prior versions when the store keeps them.
func (e *Engine) PolicyHistory(ctx context.Context, id string) ([]*Policy, bool, error) {
	hs, ok := e.store.(PolicyHistoryStore)
	if !ok {
		return nil, false, nil
	}
	h, err := hs.History(ctx, id)
	return h, true, err
}

// CreatePolicy stores p on behalf of actor and audits the mutation. The id is
// always assigned by the store and createdBy is always the acting identity.
func (e *Engine) CreatePolicy(ctx context.Context, actor string, p *Policy) (*Policy, error) {
	if p == nil {
		return nil, NewValidationError("policy", "policy is required")
	}
	if actor == "" {
		actor = "anonymous"
	}
	draft := p.Clone()
	draft.ID = ""
	draft.CreatedBy = actor
	created, err := e.store.Create(ctx, draft)
	if err != nil {
		return nil, err
	}
	e.metrics.policyMutated("create")
	e.bundles.NotifyPolicyChange()
	e.logger.Info("policy created", "id", created.ID, "name", created.Name, "actor", actor)
	return created, e.auditMutation(ctx, actor, AuditCreatePolicy, "policy:"+created.ID, created.ID,
		fmt.Sprintf("Created policy \"%s\"", created.Name))
}

// UpdatePolicy applies patch to policy id on behalf of actor.
func (e *Engine) UpdatePolicy(ctx context.Context, actor, id string, patch PolicyPatch) (*Policy, error) {
	updated, err := e.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	e.metrics.policyMutated("update")
	e.bundles.NotifyPolicyChange()
	e.logger.Info("policy updated", "id", id, "version", updated.Version, "actor", actor)
	return updated, e.auditMutation(ctx, actor, AuditUpdatePolicy, "policy:"+id, id,
		fmt.Sprintf("Updated policy \"%s\" to version %d", updated.Name, updated.Version))
}

// DeletePolicy removes policy id. Deleting an absent policy succeeds and is still audited.
func (e *Engine) DeletePolicy(ctx context.Context, actor, id string) error {
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	e.metrics.policyMutated("delete")
	e.bundles.NotifyPolicyChange()
	e.logger.Info("policy deleted", "id", id, "actor", actor)
	return e.auditMutation(ctx, actor, AuditDeletePolicy, "policy:"+id, id, "Deleted policy "+id)
}

// ============================================================================
// USER ADMINISTRATION
// ============================================================================

func (e *Engine) requireUsers() error {
	if e.userStore == nil {
		return NewValidationError("users", "no user store configured")
	}
	return nil
}

// GetUser reads one user.
func (e *Engine) GetUser(ctx context.Context, id string) (*User, error) {
	if err := e.requireUsers(); err != nil {
		return nil, err
	}
	return e.userStore.Get(ctx, id)
}

// ListUsers lists users in insertion order.
func (e *Engine) ListUsers(ctx context.Context) ([]*User, error) {
	if err := e.requireUsers(); err != nil {
		return nil, err
	}
	return e.userStore.List(ctx)
}

// CreateUser stores u on behalf of actor.
func (e *Engine) CreateUser(ctx context.Context, actor string, u *User) (*User, error) {
	if err := e.requireUsers(); err != nil {
		return nil, err
	}
	created, err := e.userStore.Create(ctx, u)
	if err != nil {
		return nil, err
	}
	e.logger.Info("user created", "id", created.ID, "actor", actor)
	return created, e.auditMutation(ctx, actor, AuditCreateUser, "user:"+created.ID, "",
		fmt.Sprintf("Created user %s", created.Email))
}

// UpdateUser applies patch to user id on behalf of actor.
func (e *Engine) UpdateUser(ctx context.Context, actor, id string, patch UserPatch) (*User, error) {
	if err := e.requireUsers(); err != nil {
		return nil, err
	}
	updated, err := e.userStore.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	e.logger.Info("user updated", "id", id, "actor", actor)
	return updated, e.auditMutation(ctx, actor, AuditUpdateUser, "user:"+id, "", "Updated user "+id)
}

// DeleteUser removes user id; absent users are not an error.
func (e *Engine) DeleteUser(ctx context.Context, actor, id string) error {
	if err := e.requireUsers(); err != nil {
		return err
	}
	if err := e.userStore.Delete(ctx, id); err != nil {
		return err
	}
	e.logger.Info("user deleted", "id", id, "actor", actor)
	return e.auditMutation(ctx, actor, AuditDeleteUser, "user:"+id, "", "Deleted user "+id)
}

func (e *Engine) auditMutation(ctx context.Context, actor, action, resource, policyID, reason string) error {
	if actor == "" {
		actor = "anonymous"
	}
	_, err := e.recorder.Record(ctx, AuditEvent{
		Actor:    actor,
		Action:   action,
		Resource: resource,
		Decision: AuditSuccess,
		Reason:   reason,
		PolicyID: policyID,
	})
	if err != nil {
		e.metrics.auditFailed()
		e.logger.Error("mutation unrecorded", "action", action, "resource", resource, "error", err)
	}
	return err
}

// QueryAudit returns matching entries most recent first plus their summary.
func (e *Engine) QueryAudit(ctx context.Context, f AuditFilter) ([]*AuditEntry, AuditSummary, error) {
	entries, err := e.recorder.Query(ctx, f)
	if err != nil {
		return nil, AuditSummary{}, err
	}
	return entries, Summarize(entries), nil
}
