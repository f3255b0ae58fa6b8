package stores

import (
	"context"
	"testing"
	"time"

	"github.com/oarkflow/rebac"
)

func openTestStores(t *testing.T) rebac.Stores {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLStores(db)
}

func TestSQLVersionLifecycle(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

	v1 := &rebac.OntologyVersion{ID: "v1", Version: 1, Status: rebac.StatusPublished, IsCurrent: true, CreatedAt: now}
	v2 := &rebac.OntologyVersion{ID: "v2", Version: 2, Status: rebac.StatusDraft, CreatedAt: now}
	for _, v := range []*rebac.OntologyVersion{v1, v2} {
		if err := s.Versions.CreateVersion(ctx, v); err != nil {
			t.Fatalf("create %s: %v", v.ID, err)
		}
	}

	got, err := s.Versions.GetVersion(ctx, "v1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 || got.Status != rebac.StatusPublished || !got.IsCurrent {
		t.Fatalf("round trip lost fields: %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("created_at drifted: %v", got.CreatedAt)
	}

	if _, err := s.Versions.GetVersion(ctx, "nope"); !rebac.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	promoted, err := s.Versions.Publish(ctx, "v2")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if promoted.Status != rebac.StatusPublished || !promoted.IsCurrent {
		t.Fatalf("publish did not promote: %+v", promoted)
	}
	prev, _ := s.Versions.GetVersion(ctx, "v1")
	if prev.Status != rebac.StatusArchived || prev.IsCurrent {
		t.Fatalf("publish did not archive the old current: %+v", prev)
	}
}

func TestSQLEntitySoftDeleteAndFilters(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	mk := func(id, name, parent string) *rebac.Entity {
		e := &rebac.Entity{
			ID: id, ClassID: "c1", DisplayName: name, ParentEntityID: parent,
			ApprovalStatus: rebac.ApprovalApproved,
			Attributes:     map[string]any{"k": "v"},
			CreatedAt:      now, UpdatedAt: now,
		}
		if err := s.Entities.CreateEntity(ctx, e); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		return e
	}
	root := mk("e1", "org", "")
	child := mk("e2", "engineering", "e1")
	mk("e3", "sales", "e1")

	got, err := s.Entities.GetEntity(ctx, "e2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attributes["k"] != "v" || got.ParentEntityID != "e1" {
		t.Fatalf("round trip lost fields: %+v", got)
	}

	rootOnly := true
	roots, err := s.Entities.ListEntities(ctx, rebac.EntityFilter{RootOnly: &rootOnly})
	if err != nil {
		t.Fatalf("list roots: %v", err)
	}
	if len(roots) != 1 || roots[0].ID != root.ID {
		t.Fatalf("root filter wrong: %+v", roots)
	}

	children, err := s.Entities.ListChildren(ctx, "e1")
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 2 || children[0].DisplayName != "engineering" {
		t.Fatalf("children wrong or unsorted: %+v", children)
	}

	deleted := now
	child.DeletedAt = &deleted
	child.DeletedBy = "admin"
	if err := s.Entities.UpdateEntity(ctx, child); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := s.Entities.GetEntity(ctx, "e2"); !rebac.IsNotFound(err) {
		t.Fatalf("soft-deleted entity still visible: %v", err)
	}
	children, _ = s.Entities.ListChildren(ctx, "e1")
	if len(children) != 1 {
		t.Fatalf("soft-deleted entity still listed: %+v", children)
	}
}

func TestSQLRelationshipUpsert(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rt := &rebac.RelationshipType{ID: "t1", Name: "has_role", CreatedAt: now}
	if err := s.RelTypes.CreateRelationshipType(ctx, rt); err != nil {
		t.Fatalf("create type: %v", err)
	}
	// By-name creation is idempotent at the store level too.
	if err := s.RelTypes.CreateRelationshipType(ctx, &rebac.RelationshipType{ID: "t-dup", Name: "has_role", CreatedAt: now}); err != nil {
		t.Fatalf("duplicate type insert should be a no-op: %v", err)
	}
	byName, err := s.RelTypes.GetRelationshipTypeByName(ctx, "has_role")
	if err != nil || byName.ID != "t1" {
		t.Fatalf("lookup by name: %v %+v", err, byName)
	}

	first := &rebac.Relationship{
		ID: "r1", SourceEntityID: "u1", TargetEntityID: "role1", TypeID: "t1",
		Metadata: rebac.Metadata{"note": "v1"}, CreatedAt: now,
	}
	if err := s.Relationships.UpsertRelationship(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	second := &rebac.Relationship{
		ID: "r2", SourceEntityID: "u1", TargetEntityID: "role1", TypeID: "t1",
		Metadata: rebac.Metadata{"note": "v2"}, CreatedAt: now.Add(time.Hour),
	}
	if err := s.Relationships.UpsertRelationship(ctx, second); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if second.ID != "r1" {
		t.Fatalf("upsert should keep the stored id, got %s", second.ID)
	}
	if !second.CreatedAt.Equal(now) {
		t.Fatalf("upsert should keep the original created_at")
	}

	bySource, err := s.Relationships.ListBySource(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("list by source: %v", err)
	}
	if len(bySource) != 1 || bySource[0].Metadata.String("note") != "v2" {
		t.Fatalf("metadata not replaced: %+v", bySource)
	}
}

func TestSQLPolicyAndEvaluationLog(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	until := now.Add(time.Hour)

	p := &rebac.Policy{
		ID: "p1", Name: "deny-confidential", Effect: rebac.EffectDeny, Priority: 100,
		TargetPermissions: []string{"document.edit"},
		Conditions: &rebac.ConditionGroup{All: []rebac.ConditionNode{
			rebac.Cond("entity.attributes.confidential", "eq", true),
		}},
		IsActive: true, ValidUntil: &until,
		CreatedAt: now, UpdatedAt: now,
	}
	low := &rebac.Policy{ID: "p2", Name: "allow-all", Effect: rebac.EffectAllow, Priority: 1, IsActive: true, CreatedAt: now, UpdatedAt: now}
	for _, pol := range []*rebac.Policy{low, p} {
		if err := s.Policies.CreatePolicy(ctx, pol); err != nil {
			t.Fatalf("create %s: %v", pol.ID, err)
		}
	}

	got, err := s.Policies.GetPolicy(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Conditions == nil || len(got.Conditions.All) != 1 || got.Conditions.All[0].Condition == nil {
		t.Fatalf("conditions did not round trip: %+v", got.Conditions)
	}
	if got.ValidUntil == nil || !got.ValidUntil.Equal(until) {
		t.Fatalf("valid_until drifted: %v", got.ValidUntil)
	}
	if len(got.TargetPermissions) != 1 || got.TargetPermissions[0] != "document.edit" {
		t.Fatalf("target permissions lost: %+v", got.TargetPermissions)
	}

	all, err := s.Policies.ListPolicies(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].ID != "p1" {
		t.Fatalf("expected priority desc ordering: %+v", all)
	}

	allowed := true
	for i := 0; i < 3; i++ {
		rec := &rebac.EvaluationRecord{
			ID: string(rune('a' + i)), UserID: "u1", EntityID: "e1",
			Permission: "document.read", RebacAllowed: &allowed,
			PolicyResult: "NO_MATCH", FinalResult: true,
			At: now.Add(time.Duration(i) * time.Minute),
		}
		if err := s.EvalLog.AppendEvaluation(ctx, rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	recs, err := s.EvalLog.ListEvaluations(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("list evaluations: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("limit ignored: %d", len(recs))
	}
	if !recs[0].At.After(recs[1].At) {
		t.Fatalf("expected newest first: %+v", recs)
	}
	if recs[0].RebacAllowed == nil || !*recs[0].RebacAllowed {
		t.Fatalf("rebac_allowed did not round trip: %+v", recs[0])
	}
}

func TestSQLSessionStore(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for i, user := range []string{"u1", "u1", "u2"} {
		sess := &rebac.FirefighterSession{
			ID: string(rune('a' + i)), UserID: user, Reason: "incident",
			ActivatedAt: now.Add(time.Duration(i) * time.Minute),
			ExpiresAt:   now.Add(2 * time.Hour),
		}
		if err := s.Sessions.CreateSession(ctx, sess); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	mine, err := s.Sessions.ListSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 2 || !mine[0].ActivatedAt.After(mine[1].ActivatedAt) {
		t.Fatalf("expected two sessions newest first: %+v", mine)
	}

	sess := mine[0]
	done := now.Add(30 * time.Minute)
	sess.DeactivatedAt = &done
	sess.DeactivatedBy = "system"
	if err := s.Sessions.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("update: %v", err)
	}
	back, err := s.Sessions.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if back.DeactivatedAt == nil || !back.DeactivatedAt.Equal(done) || back.DeactivatedBy != "system" {
		t.Fatalf("deactivation did not round trip: %+v", back)
	}
}
