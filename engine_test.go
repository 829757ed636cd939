package pbac_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oarkflow/pbac"
	"github.com/oarkflow/pbac/stores"
)

var monday10 = time.Date(2024, time.January, 15, 10, 0, 0, 0, time.UTC)

type fixture struct {
	engine   *pbac.Engine
	policies *stores.MemoryPolicyStore
	audit    *stores.MemoryAuditStore
	users    *stores.MemoryUserStore
}

func newFixture(t *testing.T, opts ...pbac.EngineOption) *fixture {
	t.Helper()
	f := &fixture{
		policies: stores.NewMemoryPolicyStore(),
		audit:    stores.NewMemoryAuditStore(),
		users:    stores.NewMemoryUserStore(),
	}
	base := []pbac.EngineOption{
		pbac.WithClock(func() time.Time { return monday10 }),
		pbac.WithUserStore(f.users),
		pbac.WithConditionsConfig(pbac.ConditionsConfig{
			BusinessHours: pbac.TimeWindowConfig{Days: []string{"mon-fri"}, Start: "09:00", End: "17:00"},
			VPN:           pbac.NetworkConfig{CIDRs: []string{"10.0.0.0/8"}, Networks: []string{"vpn"}},
		}),
	}
	eng, err := pbac.NewEngine(f.policies, pbac.NewRecorder(f.audit), append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	f.engine = eng
	return f
}

func (f *fixture) create(t *testing.T, p *pbac.Policy) *pbac.Policy {
	t.Helper()
	created, err := f.engine.CreatePolicy(context.Background(), "admin", p)
	if err != nil {
		t.Fatalf("create policy %q: %v", p.Name, err)
	}
	return created
}

func (f *fixture) authorize(t *testing.T, principal, resource, action string) pbac.Decision {
	t.Helper()
	d, err := f.engine.Authorize(context.Background(), pbac.AuthorizationRequest{
		Principal: principal, Resource: resource, Action: action,
	})
	if err != nil {
		t.Fatalf("authorize %s %s %s: %v", principal, resource, action, err)
	}
	return d
}

func allow(name string, resources, actions []string) *pbac.Policy {
	return &pbac.Policy{Name: name, Effect: pbac.EffectAllow, Resources: resources, Actions: actions}
}

func deny(name string, resources, actions []string) *pbac.Policy {
	return &pbac.Policy{Name: name, Effect: pbac.EffectDeny, Resources: resources, Actions: actions}
}

func TestDefaultDenyWithoutPolicies(t *testing.T) {
	f := newFixture(t)
	d := f.authorize(t, "alice", "billing:invoice", "read")
	if d.IsAllowed() {
		t.Fatalf("expected deny")
	}
	if d.Reason != pbac.DefaultDenyReason {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
	if d.MatchedPolicyID != "" {
		t.Fatalf("default deny must not name a policy, got %q", d.MatchedPolicyID)
	}
	if !d.EvaluatedAt.Equal(monday10) {
		t.Fatalf("evaluation time %v, want %v", d.EvaluatedAt, monday10)
	}
}

func TestAdminWildcardAllows(t *testing.T) {
	f := newFixture(t)
	admin := f.create(t, allow("Admin Access", []string{"*"}, []string{"*"}))

	d := f.authorize(t, "root", "anything:at:all", "delete")
	if !d.IsAllowed() || d.MatchedPolicyID != admin.ID {
		t.Fatalf("expected allow by admin policy, got %+v", d)
	}
	want := `Allowed by policy "Admin Access" (` + admin.ID + `)`
	if d.Reason != want {
		t.Fatalf("reason %q, want %q", d.Reason, want)
	}
}

func TestDenyOverridesAllowRegardlessOfOrder(t *testing.T) {
	f := newFixture(t)
	f.create(t, allow("Billing Read", []string{"billing:*"}, []string{"read"}))
	blocked := f.create(t, deny("Block Invoices", []string{"billing:invoice"}, []string{"*"}))

	d := f.authorize(t, "alice", "billing:invoice", "read")
	if d.IsAllowed() {
		t.Fatalf("deny must win over an earlier allow")
	}
	want := `Denied by policy "Block Invoices" (` + blocked.ID + `)`
	if d.Reason != want {
		t.Fatalf("reason %q, want %q", d.Reason, want)
	}

	d = f.authorize(t, "alice", "billing:report", "read")
	if !d.IsAllowed() {
		t.Fatalf("unrelated resource should still be allowed: %+v", d)
	}
}

func TestFirstApplicableDenyWins(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, deny("First", []string{"*"}, []string{"write"}))
	f.create(t, deny("Second", []string{"docs:*"}, []string{"write"}))

	d := f.authorize(t, "bob", "docs:readme", "write")
	if d.MatchedPolicyID != first.ID {
		t.Fatalf("expected first deny %s, got %s", first.ID, d.MatchedPolicyID)
	}
}

func TestWildcardMatchingIsPrefixOnly(t *testing.T) {
	f := newFixture(t)
	f.create(t, allow("Billing", []string{"billing:*"}, []string{"read"}))

	cases := []struct {
		resource string
		allowed  bool
	}{
		{"billing:invoice", true},
		{"billing:", true},
		{"billing", false},
		{"Billing:invoice", false},
		{"api:billing:x", false},
	}
	for _, tc := range cases {
		if got := f.authorize(t, "alice", tc.resource, "read").IsAllowed(); got != tc.allowed {
			t.Fatalf("%s: allowed=%v, want %v", tc.resource, got, tc.allowed)
		}
	}
}

func TestInactivePoliciesAreIgnored(t *testing.T) {
	f := newFixture(t)
	p := allow("Dormant", []string{"*"}, []string{"*"})
	p.Status = pbac.StatusInactive
	f.create(t, p)

	if f.authorize(t, "alice", "x", "read").IsAllowed() {
		t.Fatalf("inactive policy must not apply")
	}
}

func TestDecisionsAreDeterministic(t *testing.T) {
	f := newFixture(t)
	f.create(t, allow("Reader", []string{"docs:*"}, []string{"read"}))
	f.create(t, deny("No Secrets", []string{"docs:secret"}, []string{"*"}))

	first := f.authorize(t, "alice", "docs:secret", "read")
	for i := 0; i < 20; i++ {
		d := f.authorize(t, "alice", "docs:secret", "read")
		if d.Outcome != first.Outcome || d.Reason != first.Reason || d.MatchedPolicyID != first.MatchedPolicyID {
			t.Fatalf("iteration %d diverged: %+v vs %+v", i, d, first)
		}
	}
}

func TestConditionsGateApplication(t *testing.T) {
	f := newFixture(t)
	p := allow("Developer API Access", []string{"api:*"}, []string{"read", "write"})
	p.Conditions = []string{"vpn-required"}
	f.create(t, p)

	ctx := context.Background()
	onVPN := pbac.AuthorizationRequest{Principal: "dev", Resource: "api:orders", Action: "write",
		Context: pbac.RequestContext{SourceIP: "10.1.2.3"}}
	d, err := f.engine.Authorize(ctx, onVPN)
	if err != nil || !d.IsAllowed() {
		t.Fatalf("expected allow on vpn, got %+v err=%v", d, err)
	}

	offVPN := onVPN
	offVPN.Context = pbac.RequestContext{SourceIP: "203.0.113.9"}
	d, err = f.engine.Authorize(ctx, offVPN)
	if err != nil || d.IsAllowed() {
		t.Fatalf("expected deny off vpn, got %+v err=%v", d, err)
	}
	if d.Reason != pbac.DefaultDenyReason {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
}

func TestUnknownConditionFailsClosed(t *testing.T) {
	f := newFixture(t)
	p := allow("Mystery", []string{"*"}, []string{"*"})
	p.Conditions = []string{"moon-phase"}
	f.create(t, p)

	if f.authorize(t, "alice", "x", "read").IsAllowed() {
		t.Fatalf("unknown condition must evaluate false")
	}
}

func TestRoleScopedPolicies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := allow("Finance", []string{"billing:*"}, []string{"read"})
	p.Roles = []string{"finance"}
	f.create(t, p)

	if _, err := f.engine.CreateUser(ctx, "admin", &pbac.User{ID: "u-1", Email: "ann@example.com", Roles: []string{"finance"}}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := f.engine.CreateUser(ctx, "admin", &pbac.User{ID: "u-2", Email: "bo@example.com", Roles: []string{"eng"}}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	if !f.authorize(t, "u-1", "billing:q1", "read").IsAllowed() {
		t.Fatalf("finance member should be allowed")
	}
	if !f.authorize(t, "ann@example.com", "billing:q1", "read").IsAllowed() {
		t.Fatalf("lookup by email should resolve roles")
	}
	if f.authorize(t, "u-2", "billing:q1", "read").IsAllowed() {
		t.Fatalf("non-member must be denied")
	}
	if f.authorize(t, "ghost", "billing:q1", "read").IsAllowed() {
		t.Fatalf("unknown principal must be denied by role-scoped policy")
	}

	inactive := pbac.StatusInactive
	if _, err := f.engine.UpdateUser(ctx, "admin", "u-1", pbac.UserPatch{Status: &inactive}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if f.authorize(t, "u-1", "billing:q1", "read").IsAllowed() {
		t.Fatalf("inactive user must not satisfy role scope")
	}
}

func TestEveryDecisionIsAudited(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, allow("Reader", []string{"docs:*"}, []string{"read"}))
	before := f.audit.Len()

	f.authorize(t, "alice", "docs:a", "read")
	f.authorize(t, "alice", "docs:a", "write")

	if got := f.audit.Len() - before; got != 2 {
		t.Fatalf("expected 2 access entries, got %d", got)
	}
	entries, summary, err := f.engine.QueryAudit(context.Background(), pbac.AuditFilter{Action: pbac.AuditAccessResource})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	newest := entries[0]
	if newest.Decision != string(pbac.Denied) || newest.Reason != pbac.DefaultDenyReason {
		t.Fatalf("most recent entry should be the deny: %+v", newest)
	}
	if entries[1].PolicyID != p.ID || entries[1].Actor != "alice" || entries[1].Resource != "docs:a" {
		t.Fatalf("allow entry mismatch: %+v", entries[1])
	}
	if summary.Total != 2 || summary.AllowedCount != 1 || summary.DeniedCount != 1 || summary.AllowRate != 0.5 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestPolicyMutationsAreAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, allow("Reader", []string{"docs:*"}, []string{"read"}))
	desc := "read docs"
	if _, err := f.engine.UpdatePolicy(ctx, "carol", p.ID, pbac.PolicyPatch{Description: &desc}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := f.engine.DeletePolicy(ctx, "carol", p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	entries, summary, err := f.engine.QueryAudit(ctx, pbac.AuditFilter{Resource: "policy:"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
		if e.Decision != pbac.AuditSuccess {
			t.Fatalf("mutation entry decision %q", e.Decision)
		}
	}
	want := []string{pbac.AuditDeletePolicy, pbac.AuditUpdatePolicy, pbac.AuditCreatePolicy}
	if strings.Join(actions, ",") != strings.Join(want, ",") {
		t.Fatalf("actions %v, want %v", actions, want)
	}
	if summary.Total != 0 {
		t.Fatalf("mutations must not count as decisions: %+v", summary)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, allow("Temp", []string{"*"}, []string{"*"}))
	for i := 0; i < 2; i++ {
		if err := f.engine.DeletePolicy(ctx, "admin", p.ID); err != nil {
			t.Fatalf("delete #%d: %v", i, err)
		}
	}
	if _, err := f.engine.GetPolicy(ctx, p.ID); !errors.Is(err, pbac.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if f.authorize(t, "alice", "x", "read").IsAllowed() {
		t.Fatalf("deleted policy still applies")
	}
}

func TestCreatePolicyValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CreatePolicy(context.Background(), "admin", &pbac.Policy{Name: "Empty", Effect: "maybe"})
	if !errors.Is(err, pbac.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var ve *pbac.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError")
	}
	for _, field := range []string{"effect", "resources", "actions"} {
		if _, ok := ve.Details[field]; !ok {
			t.Fatalf("missing detail for %s: %v", field, ve.Details)
		}
	}
}

func TestCreatePolicyOwnsIdentityFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draft := allow("Forged", []string{"docs:*"}, []string{"read"})
	draft.ID = "my-chosen-id"
	draft.CreatedBy = "alice"

	created, err := f.engine.CreatePolicy(ctx, "mallory", draft)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "my-chosen-id" || created.ID == "" {
		t.Fatalf("id %q must be assigned by the store", created.ID)
	}
	if created.CreatedBy != "mallory" {
		t.Fatalf("createdBy %q, want mallory", created.CreatedBy)
	}
	if _, err := f.engine.GetPolicy(ctx, "my-chosen-id"); !errors.Is(err, pbac.ErrNotFound) {
		t.Fatalf("supplied id must not be stored, got %v", err)
	}

	anon, err := f.engine.CreatePolicy(ctx, "", allow("Anon", []string{"*"}, []string{"read"}))
	if err != nil {
		t.Fatalf("create anonymous: %v", err)
	}
	if anon.CreatedBy != "anonymous" {
		t.Fatalf("createdBy %q, want anonymous", anon.CreatedBy)
	}
}

func TestAuthorizeRejectsIncompleteRequests(t *testing.T) {
	f := newFixture(t)
	before := f.audit.Len()
	_, err := f.engine.Authorize(context.Background(), pbac.AuthorizationRequest{Resource: "x"})
	if !errors.Is(err, pbac.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.audit.Len() != before {
		t.Fatalf("invalid requests must not be audited")
	}
}

type failingSink struct{}

func (failingSink) Append(context.Context, *pbac.AuditEntry) error {
	return errors.New("disk full")
}

func (failingSink) Query(context.Context, pbac.AuditFilter) ([]*pbac.AuditEntry, error) {
	return nil, errors.New("disk full")
}

func TestUnrecordedDecisionReturnsPersistenceError(t *testing.T) {
	ps := stores.NewMemoryPolicyStore()
	eng, err := pbac.NewEngine(ps, pbac.NewRecorder(failingSink{}))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := ps.Create(context.Background(), allow("All", []string{"*"}, []string{"*"})); err != nil {
		t.Fatalf("seed: %v", err)
	}
	d, err := eng.Authorize(context.Background(), pbac.AuthorizationRequest{Principal: "a", Resource: "r", Action: "read"})
	if !errors.Is(err, pbac.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("cause lost: %v", err)
	}
	if d.Outcome != pbac.Allowed {
		t.Fatalf("decision should still be reported alongside the error: %+v", d)
	}
}

func TestDecisionCache(t *testing.T) {
	f := newFixture(t, pbac.WithDecisionCache(1000, time.Minute))
	p := f.create(t, allow("Reader", []string{"docs:*"}, []string{"read"}))

	if !f.authorize(t, "alice", "docs:a", "read").IsAllowed() {
		t.Fatalf("expected allow")
	}
	if !f.authorize(t, "alice", "docs:a", "read").IsAllowed() {
		t.Fatalf("expected cached allow")
	}
	if err := f.engine.DeletePolicy(context.Background(), "admin", p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if f.authorize(t, "alice", "docs:a", "read").IsAllowed() {
		t.Fatalf("cache served a decision from before the mutation")
	}

	entries, _, err := f.engine.QueryAudit(context.Background(), pbac.AuditFilter{Actor: "alice"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("cached decisions must still be audited, got %d entries", len(entries))
	}
}

func TestConditionalDecisionsAreNotCached(t *testing.T) {
	f := newFixture(t, pbac.WithDecisionCache(1000, time.Minute))
	p := allow("VPN Only", []string{"api:*"}, []string{"read"})
	p.Conditions = []string{"vpn-required"}
	f.create(t, p)

	ctx := context.Background()
	req := pbac.AuthorizationRequest{Principal: "dev", Resource: "api:x", Action: "read",
		Context: pbac.RequestContext{SourceIP: "10.0.0.1"}}
	if d, _ := f.engine.Authorize(ctx, req); !d.IsAllowed() {
		t.Fatalf("expected allow on vpn")
	}
	req.Context.SourceIP = "8.8.8.8"
	if d, _ := f.engine.Authorize(ctx, req); d.IsAllowed() {
		t.Fatalf("context-dependent decision leaked from cache")
	}
}

func TestExplainTracesEveryPolicy(t *testing.T) {
	f := newFixture(t)
	inactive := allow("Off", []string{"*"}, []string{"*"})
	inactive.Status = pbac.StatusInactive
	f.create(t, inactive)
	f.create(t, allow("Other", []string{"api:*"}, []string{"read"}))
	f.create(t, allow("Docs", []string{"docs:*"}, []string{"read"}))

	d, err := f.engine.Explain(context.Background(), pbac.AuthorizationRequest{Principal: "a", Resource: "docs:x", Action: "read"})
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if !d.IsAllowed() {
		t.Fatalf("expected allow")
	}
	// inactive policies are filtered by the store before evaluation
	if len(d.Trace) != 2 {
		t.Fatalf("expected 2 trace lines, got %v", d.Trace)
	}
	if !strings.Contains(d.Trace[0], "not matched") || !strings.Contains(d.Trace[1], "applies, allow") {
		t.Fatalf("unexpected trace %v", d.Trace)
	}
}

func TestSimulateDoesNotPersist(t *testing.T) {
	f := newFixture(t)
	before := f.audit.Len()
	draft := deny("Draft", []string{"docs:*"}, []string{"delete"})
	d, err := f.engine.Simulate(context.Background(), draft, pbac.AuthorizationRequest{Principal: "a", Resource: "docs:x", Action: "delete"})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if d.IsAllowed() || d.MatchedPolicyID != "draft" {
		t.Fatalf("expected deny by draft, got %+v", d)
	}
	if f.audit.Len() != before {
		t.Fatalf("simulation must not be audited")
	}
	list, _ := f.engine.ListPolicies(context.Background(), pbac.ListOptions{})
	if len(list) != 0 {
		t.Fatalf("simulation must not store the draft")
	}
}

func TestBatchAuthorizeKeepsOrder(t *testing.T) {
	f := newFixture(t, pbac.WithBatchWorkers(3))
	f.create(t, allow("Reader", []string{"docs:*"}, []string{"read"}))

	reqs := make([]pbac.AuthorizationRequest, 0, 20)
	for i := 0; i < 20; i++ {
		action := "read"
		if i%2 == 1 {
			action = "write"
		}
		reqs = append(reqs, pbac.AuthorizationRequest{Principal: "p", Resource: "docs:x", Action: action})
	}
	reqs = append(reqs, pbac.AuthorizationRequest{Principal: "p"})

	results, err := f.engine.BatchAuthorize(context.Background(), reqs)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	for i, r := range results[:20] {
		if r.Err != nil {
			t.Fatalf("item %d: %v", i, r.Err)
		}
		if want := i%2 == 0; r.Decision.IsAllowed() != want {
			t.Fatalf("item %d allowed=%v", i, r.Decision.IsAllowed())
		}
	}
	if !errors.Is(results[20].Err, pbac.ErrValidation) {
		t.Fatalf("invalid item should carry a validation error, got %v", results[20].Err)
	}
}

func TestConcurrentAuthorizeAndMutate(t *testing.T) {
	f := newFixture(t, pbac.WithDecisionCache(1000, time.Minute))
	f.create(t, allow("Reader", []string{"docs:*"}, []string{"read"}))
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := f.engine.Authorize(ctx, pbac.AuthorizationRequest{Principal: "a", Resource: "docs:x", Action: "read"}); err != nil {
					t.Errorf("authorize: %v", err)
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			if _, err := f.engine.CreatePolicy(ctx, "admin", allow("Noise", []string{"noise:*"}, []string{"read"})); err != nil {
				t.Errorf("create: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	entries, err := f.engine.Recorder().Query(ctx, pbac.AuditFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 8*50+21 {
		t.Fatalf("expected %d entries, got %d", 8*50+21, len(entries))
	}
	seen := make(map[uint64]bool, len(entries))
	for i, e := range entries {
		if seen[e.Seq] {
			t.Fatalf("duplicate seq %d", e.Seq)
		}
		seen[e.Seq] = true
		if i > 0 && entries[i-1].Seq <= e.Seq {
			t.Fatalf("entries not newest first at %d", i)
		}
	}
}
