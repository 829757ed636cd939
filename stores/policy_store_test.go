package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/oarkflow/squealx"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/pbac"
)

func openTestDB(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// every pooled connection would otherwise get its own empty database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// PolicyStoreSuite runs the same contract against every PolicyStore.
type PolicyStoreSuite struct {
	suite.Suite
	newStore func(t *testing.T) pbac.PolicyStore
	store    pbac.PolicyStore
	ctx      context.Context
}

func TestMemoryPolicyStoreSuite(t *testing.T) {
	suite.Run(t, &PolicyStoreSuite{newStore: func(*testing.T) pbac.PolicyStore { return NewMemoryPolicyStore() }})
}

func TestSQLPolicyStoreSuite(t *testing.T) {
	suite.Run(t, &PolicyStoreSuite{newStore: func(t *testing.T) pbac.PolicyStore { return NewSQLPolicyStore(openTestDB(t)) }})
}

func (s *PolicyStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore(s.T())
}

func policy(name string, effect pbac.Effect, resources, actions []string) *pbac.Policy {
	return &pbac.Policy{Name: name, Effect: effect, Resources: resources, Actions: actions}
}

func (s *PolicyStoreSuite) TestCreateAssignsIdentity() {
	created, err := s.store.Create(s.ctx, policy("Billing Read", pbac.EffectAllow, []string{"billing:*"}, []string{"read"}))
	s.Require().NoError(err)
	s.NotEmpty(created.ID)
	s.False(created.CreatedAt.IsZero())
	s.Equal(1, created.Version)
	s.Equal(pbac.StatusActive, created.Status)

	got, err := s.store.Get(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal(created.Name, got.Name)
	s.Equal([]string{"billing:*"}, got.Resources)
	s.True(created.CreatedAt.Equal(got.CreatedAt))
}

func (s *PolicyStoreSuite) TestCreateIgnoresSuppliedID() {
	draft := policy("P", pbac.EffectAllow, []string{"*"}, []string{"read"})
	draft.ID = "my-chosen-id"
	first, err := s.store.Create(s.ctx, draft)
	s.Require().NoError(err)
	s.NotEqual("my-chosen-id", first.ID)

	// the same draft again is a second policy, not a conflict
	second, err := s.store.Create(s.ctx, draft)
	s.Require().NoError(err)
	s.NotEqual(first.ID, second.ID)

	_, err = s.store.Get(s.ctx, "my-chosen-id")
	s.True(errors.Is(err, pbac.ErrNotFound))
}

func (s *PolicyStoreSuite) TestCreateRejectsEmptySets() {
	before := s.store.Revision()
	_, err := s.store.Create(s.ctx, policy("empty", pbac.EffectAllow, nil, []string{"read"}))
	s.Require().Error(err)
	s.True(errors.Is(err, pbac.ErrValidation))

	_, err = s.store.Create(s.ctx, policy("bad effect", "maybe", []string{"*"}, []string{"*"}))
	s.True(errors.Is(err, pbac.ErrValidation))

	all, err := s.store.List(s.ctx, pbac.ListOptions{})
	s.Require().NoError(err)
	s.Empty(all)
	s.Equal(before, s.store.Revision())
}

func (s *PolicyStoreSuite) TestCreateCollapsesDuplicatePatterns() {
	created, err := s.store.Create(s.ctx, policy("dups", pbac.EffectAllow, []string{"a", "b", "a"}, []string{"read", "read"}))
	s.Require().NoError(err)
	s.Equal([]string{"a", "b"}, created.Resources)
	s.Equal([]string{"read"}, created.Actions)
}

func (s *PolicyStoreSuite) TestListKeepsInsertionOrderAndFilters() {
	names := []string{"Zulu", "Alpha", "Mike"}
	for _, n := range names {
		_, err := s.store.Create(s.ctx, policy(n, pbac.EffectAllow, []string{"*"}, []string{"*"}))
		s.Require().NoError(err)
	}
	inactive := policy("Dormant", pbac.EffectDeny, []string{"*"}, []string{"*"})
	inactive.Status = pbac.StatusInactive
	_, err := s.store.Create(s.ctx, inactive)
	s.Require().NoError(err)

	all, err := s.store.List(s.ctx, pbac.ListOptions{})
	s.Require().NoError(err)
	s.Require().Len(all, 4)
	for i, n := range append(names, "Dormant") {
		s.Equal(n, all[i].Name)
	}

	active, err := s.store.List(s.ctx, pbac.ListOptions{ActiveOnly: true})
	s.Require().NoError(err)
	s.Len(active, 3)

	byName, err := s.store.List(s.ctx, pbac.ListOptions{NameContains: "al"})
	s.Require().NoError(err)
	s.Require().Len(byName, 1)
	s.Equal("Alpha", byName[0].Name)
}

func (s *PolicyStoreSuite) TestUpdateIsPartial() {
	created, err := s.store.Create(s.ctx, policy("P", pbac.EffectAllow, []string{"api:*"}, []string{"read"}))
	s.Require().NoError(err)

	actions := []string{"read", "write"}
	updated, err := s.store.Update(s.ctx, created.ID, pbac.PolicyPatch{Actions: &actions})
	s.Require().NoError(err)
	s.Equal(created.ID, updated.ID)
	s.Equal("P", updated.Name)
	s.Equal([]string{"api:*"}, updated.Resources)
	s.Equal(actions, updated.Actions)
	s.Equal(2, updated.Version)
	s.True(created.CreatedAt.Equal(updated.CreatedAt))
}

func (s *PolicyStoreSuite) TestUpdateRejectsInvalidMerge() {
	created, err := s.store.Create(s.ctx, policy("P", pbac.EffectAllow, []string{"api:*"}, []string{"read"}))
	s.Require().NoError(err)

	empty := []string{}
	_, err = s.store.Update(s.ctx, created.ID, pbac.PolicyPatch{Resources: &empty})
	s.True(errors.Is(err, pbac.ErrValidation))

	got, err := s.store.Get(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal([]string{"api:*"}, got.Resources)
	s.Equal(1, got.Version)
}

func (s *PolicyStoreSuite) TestMissingIDs() {
	_, err := s.store.Get(s.ctx, "nope")
	s.True(errors.Is(err, pbac.ErrNotFound))

	name := "x"
	_, err = s.store.Update(s.ctx, "nope", pbac.PolicyPatch{Name: &name})
	s.True(errors.Is(err, pbac.ErrNotFound))
}

func (s *PolicyStoreSuite) TestDeleteIsIdempotent() {
	created, err := s.store.Create(s.ctx, policy("P", pbac.EffectAllow, []string{"*"}, []string{"*"}))
	s.Require().NoError(err)
	s.NoError(s.store.Delete(s.ctx, created.ID))
	s.NoError(s.store.Delete(s.ctx, created.ID))
	s.NoError(s.store.Delete(s.ctx, "never-existed"))
	_, err = s.store.Get(s.ctx, created.ID)
	s.True(errors.Is(err, pbac.ErrNotFound))
}

func (s *PolicyStoreSuite) TestRevisionAdvancesOnMutation() {
	r0 := s.store.Revision()
	created, err := s.store.Create(s.ctx, policy("P", pbac.EffectAllow, []string{"*"}, []string{"*"}))
	s.Require().NoError(err)
	r1 := s.store.Revision()
	s.Greater(r1, r0)

	status := pbac.StatusInactive
	_, err = s.store.Update(s.ctx, created.ID, pbac.PolicyPatch{Status: &status})
	s.Require().NoError(err)
	r2 := s.store.Revision()
	s.Greater(r2, r1)

	s.Require().NoError(s.store.Delete(s.ctx, created.ID))
	s.Greater(s.store.Revision(), r2)
}

func (s *PolicyStoreSuite) TestReturnedPoliciesAreCopies() {
	created, err := s.store.Create(s.ctx, policy("P", pbac.EffectAllow, []string{"api:*"}, []string{"read"}))
	s.Require().NoError(err)
	created.Resources[0] = "*"

	listed, err := s.store.List(s.ctx, pbac.ListOptions{})
	s.Require().NoError(err)
	listed[0].Actions[0] = "write"

	got, err := s.store.Get(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal([]string{"api:*"}, got.Resources)
	s.Equal([]string{"read"}, got.Actions)
}

func (s *PolicyStoreSuite) TestHistory() {
	hs, ok := s.store.(pbac.PolicyHistoryStore)
	s.Require().True(ok)
	created, err := s.store.Create(s.ctx, policy("P", pbac.EffectAllow, []string{"*"}, []string{"read"}))
	s.Require().NoError(err)
	name := "P2"
	_, err = s.store.Update(s.ctx, created.ID, pbac.PolicyPatch{Name: &name})
	s.Require().NoError(err)

	h, err := hs.History(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Require().Len(h, 2)
	s.Equal("P", h[0].Name)
	s.Equal("P2", h[1].Name)
	s.Equal(2, h[1].Version)

	_, err = hs.History(s.ctx, "missing")
	s.True(errors.Is(err, pbac.ErrNotFound))
}

func (s *PolicyStoreSuite) TestConcurrentUpdatesSerialize() {
	created, err := s.store.Create(s.ctx, policy("P", pbac.EffectAllow, []string{"*"}, []string{"read"}))
	s.Require().NoError(err)

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("writer-%d", i)
			desc := name
			_, _ = s.store.Update(s.ctx, created.ID, pbac.PolicyPatch{Name: &name, Description: &desc})
		}(i)
	}
	wg.Wait()

	got, err := s.store.Get(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal(writers+1, got.Version)
	// both fields come from the same writer
	s.Equal(got.Name, got.Description)
}

func TestSQLPolicyStoreCreateRollsBackWhenHistoryFails(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := NewSQLPolicyStore(db)
	_, err := db.ExecContext(ctx, `DROP TABLE policy_history`)
	require.NoError(t, err)

	before := store.Revision()
	_, err = store.Create(ctx, policy("P", pbac.EffectAllow, []string{"*"}, []string{"read"}))
	require.Error(t, err)
	require.True(t, errors.Is(err, pbac.ErrPersistence))

	all, err := store.List(ctx, pbac.ListOptions{})
	require.NoError(t, err)
	require.Empty(t, all)
	require.Equal(t, before, store.Revision())
}

func TestSQLPolicyStoreUpdateRollsBackWhenHistoryFails(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := NewSQLPolicyStore(db)
	created, err := store.Create(ctx, policy("P", pbac.EffectAllow, []string{"*"}, []string{"read"}))
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `DROP TABLE policy_history`)
	require.NoError(t, err)

	before := store.Revision()
	name := "renamed"
	_, err = store.Update(ctx, created.ID, pbac.PolicyPatch{Name: &name})
	require.True(t, errors.Is(err, pbac.ErrPersistence))

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "P", got.Name)
	require.Equal(t, 1, got.Version)
	require.Equal(t, before, store.Revision())
}
