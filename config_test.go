package pbac_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oarkflow/pbac"
	"github.com/oarkflow/pbac/stores"
)

func sampleConfig() *pbac.Config {
	return pbac.NewConfigBuilder().
		AddPolicy(pbac.NewPolicyConfig("Admin Access").Resources("*").Actions("*").ForRoles("admin").Build()).
		AddPolicy(pbac.NewPolicyConfig("Billing Read-Only").Resources("billing:*").Actions("read").When("business-hours").Build()).
		AddPolicy(pbac.NewPolicyConfig("Developer API Access").Resources("api:*").Actions("read", "write").When("vpn-required").Build()).
		AddPolicy(pbac.NewPolicyConfig("Legacy").Deny().Resources("legacy:*").Actions("*").Inactive().Build()).
		AddUser("u-admin", "root@example.com", "admin").
		BusinessHours("mon-fri", "09:00", "17:00", "UTC").
		VPN([]string{"10.0.0.0/8"}, "corp-vpn").
		EngineSettings(func(c *pbac.EngineConfig) { c.CacheSize = 500 }).
		Build()
}

func TestConfigBuilder(t *testing.T) {
	cfg := sampleConfig()
	if cfg.Version != 1 {
		t.Fatalf("version = %d", cfg.Version)
	}
	if len(cfg.Policies) != 4 || len(cfg.Users) != 1 {
		t.Fatalf("policies=%d users=%d", len(cfg.Policies), len(cfg.Users))
	}
	legacy := cfg.Policies[3]
	if legacy.Effect != pbac.EffectDeny || legacy.Status != pbac.StatusInactive {
		t.Fatalf("legacy = %+v", legacy)
	}
	if cfg.Policies[0].Effect != pbac.EffectAllow {
		t.Fatalf("builder should default to allow")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestConfigValidateCollectsDetails(t *testing.T) {
	cfg := &pbac.Config{
		Policies: []pbac.PolicySeed{
			{Name: "dup", Effect: pbac.EffectAllow, Resources: []string{"*"}, Actions: []string{"*"}},
			{Name: "dup", Effect: pbac.EffectAllow, Resources: []string{"*"}, Actions: []string{"*"}},
			{Name: "", Effect: "maybe"},
		},
		Users:      []pbac.UserSeed{{}},
		Conditions: pbac.ConditionsConfig{BusinessHours: pbac.TimeWindowConfig{Start: "25:00", End: "17:00"}},
		Engine:     pbac.EngineConfig{CacheSize: -1, BatchWorkers: -2},
	}
	err := cfg.Validate()
	var ve *pbac.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, key := range []string{
		"policies[1].name", "policies[2].name", "policies[2].effect", "policies[2].resources",
		"users[0]", "conditions", "engine.cache_size", "engine.batch_workers",
	} {
		if _, ok := ve.Details[key]; !ok {
			t.Errorf("missing detail %q in %v", key, ve.Details)
		}
	}
	if _, ok := ve.Details["policies[0].name"]; ok {
		t.Errorf("first occurrence of a name is not a duplicate")
	}
}

func TestApplyConfigUpsertsByName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	report, err := f.engine.ApplyConfig(ctx, "seed", sampleConfig())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if report != (pbac.ApplyReport{PoliciesCreated: 4, UsersCreated: 1}) {
		t.Fatalf("first apply report = %+v", report)
	}

	cfg := sampleConfig()
	cfg.Policies[1].Actions = []string{"read", "export"}
	report, err = f.engine.ApplyConfig(ctx, "seed", cfg)
	if err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if report != (pbac.ApplyReport{PoliciesUpdated: 4, UsersUpdated: 1}) {
		t.Fatalf("second apply report = %+v", report)
	}
	list, err := f.engine.ListPolicies(ctx, pbac.ListOptions{NameContains: "billing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || len(list[0].Actions) != 2 || list[0].Version != 2 {
		t.Fatalf("billing policy not updated in place: %+v", list)
	}

	// Monday 10:00 UTC is inside the configured window.
	if !f.authorize(t, "anyone", "billing:invoices", "export").IsAllowed() {
		t.Fatalf("updated billing policy should allow export during business hours")
	}
	if !f.authorize(t, "root@example.com", "prod:db", "drop").IsAllowed() {
		t.Fatalf("seeded admin should be allowed")
	}
}

func TestApplyConfigWithoutConditionsKeepsBuiltins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := &pbac.Config{Policies: []pbac.PolicySeed{
		pbac.NewPolicyConfig("VPN").Resources("api:*").Actions("read").When("vpn-required").Build(),
	}}
	if _, err := f.engine.ApplyConfig(ctx, "seed", cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	d, err := f.engine.Authorize(ctx, pbac.AuthorizationRequest{Principal: "p", Resource: "api:x", Action: "read",
		Context: pbac.RequestContext{Network: "vpn"}})
	if err != nil || !d.IsAllowed() {
		t.Fatalf("vpn condition from engine options should survive, got %+v err=%v", d, err)
	}
}

func TestApplyConfigRequiresUserStoreForUsers(t *testing.T) {
	eng, err := pbac.NewEngine(stores.NewMemoryPolicyStore(), pbac.NewRecorder(stores.NewMemoryAuditStore()))
	if err != nil {
		t.Fatal(err)
	}
	_, err = eng.ApplyConfig(context.Background(), "seed", sampleConfig())
	if !errors.Is(err, pbac.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	list, _ := eng.ListPolicies(context.Background(), pbac.ListOptions{})
	if len(list) != 0 {
		t.Fatalf("nothing should be written when the config is rejected")
	}
}

func TestExportConfigRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.engine.ApplyConfig(ctx, "seed", sampleConfig()); err != nil {
		t.Fatal(err)
	}
	exported, err := f.engine.ExportConfig(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(exported.Policies) != 4 || len(exported.Users) != 1 {
		t.Fatalf("exported %d policies, %d users", len(exported.Policies), len(exported.Users))
	}
	if exported.Conditions.BusinessHours.Start != "09:00" {
		t.Fatalf("condition settings not exported: %+v", exported.Conditions)
	}

	other := newFixture(t)
	if _, err := other.engine.ApplyConfig(ctx, "import", exported); err != nil {
		t.Fatalf("import: %v", err)
	}
	for _, probe := range []struct{ principal, resource, action string }{
		{"root@example.com", "x", "y"},
		{"anyone", "billing:a", "read"},
		{"anyone", "legacy:a", "read"},
	} {
		a := f.authorize(t, probe.principal, probe.resource, probe.action)
		b := other.authorize(t, probe.principal, probe.resource, probe.action)
		if a.Outcome != b.Outcome {
			t.Fatalf("%+v: %s vs %s", probe, a.Outcome, b.Outcome)
		}
	}
}

func TestWithEngineConfig(t *testing.T) {
	_, err := pbac.NewEngine(stores.NewMemoryPolicyStore(), pbac.NewRecorder(stores.NewMemoryAuditStore()),
		pbac.WithEngineConfig(pbac.EngineConfig{CacheSize: 100, CacheTTLMillis: int64(time.Second / time.Millisecond), BatchWorkers: 2}))
	if err != nil {
		t.Fatalf("engine config: %v", err)
	}
	_, err = pbac.NewEngine(stores.NewMemoryPolicyStore(), pbac.NewRecorder(stores.NewMemoryAuditStore()),
		pbac.WithEngineConfig(pbac.EngineConfig{CacheSize: -1}))
	if !errors.Is(err, pbac.ErrValidation) {
		t.Fatalf("negative cache size should be rejected, got %v", err)
	}
}
