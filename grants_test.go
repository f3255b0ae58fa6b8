package rebac

import (
	"context"
	"testing"
	"time"
)

func TestAdminRoleCoversEverythingInScope(t *testing.T) {
	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	g := seedAccessGraph(t, eng)
	ctx := context.Background()

	mustAssign(t, eng, AssignRoleInput{UserID: g.alice.ID, RoleEntityID: g.adminRole.ID, ScopeEntityID: g.engDept.ID})

	res, err := eng.CheckPermission(ctx, g.alice.ID, g.doc1.ID, "document.edit", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Allowed() {
		t.Fatalf("expected admin to cover a permission with no grant edge")
	}
	if !res.IsInherited {
		t.Fatalf("expected inherited flag for a scope ancestor grant")
	}
	if res.GrantedViaEntityID != g.engDept.ID {
		t.Fatalf("expected grant via the scope entity, got %s", res.GrantedViaEntityID)
	}

	// Outside the scope subtree nothing is covered.
	res, err = eng.CheckPermission(ctx, g.alice.ID, g.doc2.ID, "document.edit", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed() {
		t.Fatalf("expected no access outside the admin scope")
	}
	if res.Has != nil {
		t.Fatalf("expected a no-opinion result, got %+v", res)
	}
}

func TestGlobalAssignmentCoversAllEntities(t *testing.T) {
	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	g := seedAccessGraph(t, eng)
	ctx := context.Background()

	mustAssign(t, eng, AssignRoleInput{UserID: g.alice.ID, RoleEntityID: g.viewerRole.ID})

	for _, doc := range []*Entity{g.doc1, g.doc2} {
		res, err := eng.CheckPermission(ctx, g.alice.ID, doc.ID, "document.read", "")
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if !res.Allowed() {
			t.Fatalf("expected global viewer to read %s", doc.DisplayName)
		}
	}
}

func TestExplicitDenyWinsOverAllow(t *testing.T) {
	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	g := seedAccessGraph(t, eng)
	ctx := context.Background()

	// A quarantine role carrying a DENY grant on document.read.
	roleClass, err := eng.store.Classes.GetClass(ctx, g.viewerRole.ClassID)
	if err != nil {
		t.Fatalf("get role class: %v", err)
	}
	quarantine, err := eng.CreateEntity(ctx, CreateEntityInput{ClassID: roleClass.ID, DisplayName: "quarantine"}, "seed")
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	if _, err := eng.GrantPermissionToRole(ctx, GrantPermissionInput{
		RoleEntityID:       quarantine.ID,
		PermissionEntityID: g.permRead.ID,
		Effect:             EffectDeny,
	}, "seed"); err != nil {
		t.Fatalf("grant deny: %v", err)
	}

	mustAssign(t, eng, AssignRoleInput{UserID: g.alice.ID, RoleEntityID: g.viewerRole.ID, ScopeEntityID: g.org.ID})
	mustAssign(t, eng, AssignRoleInput{UserID: g.alice.ID, RoleEntityID: quarantine.ID, ScopeEntityID: g.org.ID})

	res, err := eng.CheckPermission(ctx, g.alice.ID, g.doc2.ID, "document.read", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.IsDenied {
		t.Fatalf("expected explicit deny to win, got %+v", res)
	}
	if res.Allowed() {
		t.Fatalf("denied result must not be allowed")
	}

	err = eng.RequirePermission(ctx, g.alice.ID, g.doc2.ID, "document.read")
	if !IsPermissionDenied(err) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestDenyAssignmentInvertsRoleCoverage(t *testing.T) {
	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	g := seedAccessGraph(t, eng)
	ctx := context.Background()

	// Viewer on the whole org, but explicitly denied within engineering.
	mustAssign(t, eng, AssignRoleInput{UserID: g.alice.ID, RoleEntityID: g.viewerRole.ID, ScopeEntityID: g.org.ID})
	mustAssign(t, eng, NewAssignment(g.bob.ID, g.viewerRole.ID).InScope(g.engDept.ID).Deny().Build())

	res, err := eng.CheckPermission(ctx, g.bob.ID, g.doc1.ID, "document.read", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.IsDenied {
		t.Fatalf("expected deny assignment to deny what the role covers")
	}

	// Alice is unaffected.
	res, err = eng.CheckPermission(ctx, g.alice.ID, g.doc1.ID, "document.read", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Allowed() {
		t.Fatalf("expected alice's allow to survive")
	}
}

func TestWildcardGrantMatchesSegments(t *testing.T) {
	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	g := seedAccessGraph(t, eng)
	ctx := context.Background()

	permClass, err := eng.store.Entities.GetEntity(ctx, g.permRead.ID)
	if err != nil {
		t.Fatalf("get perm: %v", err)
	}
	wildcard, err := eng.CreateEntity(ctx, CreateEntityInput{ClassID: permClass.ClassID, DisplayName: "document.*"}, "seed")
	if err != nil {
		t.Fatalf("create wildcard perm: %v", err)
	}
	if _, err := eng.GrantPermissionToRole(ctx, GrantPermissionInput{
		RoleEntityID:       g.viewerRole.ID,
		PermissionEntityID: wildcard.ID,
	}, "seed"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	mustAssign(t, eng, AssignRoleInput{UserID: g.carol.ID, RoleEntityID: g.viewerRole.ID, ScopeEntityID: g.org.ID})

	res, err := eng.CheckPermission(ctx, g.carol.ID, g.doc1.ID, "document.edit", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Allowed() {
		t.Fatalf("expected document.* to cover document.edit")
	}
	res, err = eng.CheckPermission(ctx, g.carol.ID, g.doc1.ID, "reports.read", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed() {
		t.Fatalf("expected document.* not to cover reports.read")
	}
}

func TestPermissionLevelOrdering(t *testing.T) {
	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	g := seedAccessGraph(t, eng)
	ctx := context.Background()

	permClassID := g.permRead.ClassID
	lowPerm, err := eng.CreateEntity(ctx, CreateEntityInput{
		ClassID: permClassID, DisplayName: "records.view",
		Attributes: map[string]any{"level": 10},
	}, "seed")
	if err != nil {
		t.Fatalf("create perm: %v", err)
	}
	highPerm, err := eng.CreateEntity(ctx, CreateEntityInput{
		ClassID: permClassID, DisplayName: "records.manage",
		Attributes: map[string]any{"level": 50},
	}, "seed")
	if err != nil {
		t.Fatalf("create perm: %v", err)
	}

	if _, err := eng.GrantPermissionToRole(ctx, GrantPermissionInput{
		RoleEntityID:       g.editorRole.ID,
		PermissionEntityID: highPerm.ID,
	}, "seed"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	mustAssign(t, eng, AssignRoleInput{UserID: g.alice.ID, RoleEntityID: g.editorRole.ID, ScopeEntityID: g.org.ID})

	// Holding the level-50 grant satisfies the level-10 permission.
	res, err := eng.CheckPermission(ctx, g.alice.ID, g.doc1.ID, lowPerm.DisplayName, "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Allowed() {
		t.Fatalf("expected a higher-level grant to satisfy a lower-level permission")
	}

	// The other direction must not hold.
	if _, err := eng.GrantPermissionToRole(ctx, GrantPermissionInput{
		RoleEntityID:       g.viewerRole.ID,
		PermissionEntityID: lowPerm.ID,
	}, "seed"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	mustAssign(t, eng, AssignRoleInput{UserID: g.bob.ID, RoleEntityID: g.viewerRole.ID, ScopeEntityID: g.org.ID})
	res, err = eng.CheckPermission(ctx, g.bob.ID, g.doc1.ID, highPerm.DisplayName, "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed() {
		t.Fatalf("expected a level-10 grant not to satisfy a level-50 permission")
	}
}

func TestFieldGrantsNarrowAndFallBack(t *testing.T) {
	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	g := seedAccessGraph(t, eng)
	ctx := context.Background()

	// hr role may read only the salary field.
	roleClassID := g.viewerRole.ClassID
	hrRole, err := eng.CreateEntity(ctx, CreateEntityInput{ClassID: roleClassID, DisplayName: "hr"}, "seed")
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	if _, err := eng.GrantPermissionToRole(ctx, GrantPermissionInput{
		RoleEntityID:       hrRole.ID,
		PermissionEntityID: g.permRead.ID,
		FieldName:          "salary",
	}, "seed"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	mustAssign(t, eng, AssignRoleInput{UserID: g.alice.ID, RoleEntityID: hrRole.ID, ScopeEntityID: g.org.ID})

	res, err := eng.CheckPermission(ctx, g.alice.ID, g.doc1.ID, "document.read", "salary")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Allowed() {
		t.Fatalf("expected the field grant to allow its own field")
	}

	res, err = eng.CheckPermission(ctx, g.alice.ID, g.doc1.ID, "document.read", "ssn")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed() {
		t.Fatalf("expected the field grant not to cover other fields")
	}

	res, err = eng.CheckPermission(ctx, g.alice.ID, g.doc1.ID, "document.read", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed() {
		t.Fatalf("expected the field grant not to cover the whole entity")
	}

	// An entity-wide grant covers every field as a fallback.
	mustAssign(t, eng, AssignRoleInput{UserID: g.bob.ID, RoleEntityID: g.viewerRole.ID, ScopeEntityID: g.org.ID})
	res, err = eng.CheckPermission(ctx, g.bob.ID, g.doc1.ID, "document.read", "ssn")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Allowed() {
		t.Fatalf("expected the entity-wide grant to cover any field")
	}
}

func TestRevokeKeepsAssignmentHistory(t *testing.T) {
	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	g := seedAccessGraph(t, eng)
	ctx := context.Background()

	sr := mustAssign(t, eng, AssignRoleInput{UserID: g.alice.ID, RoleEntityID: g.viewerRole.ID, ScopeEntityID: g.org.ID})
	if err := eng.RevokeScopedRole(ctx, "", sr.RelationshipID, "left the team"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	res, err := eng.CheckPermission(ctx, g.alice.ID, g.doc1.ID, "document.read", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed() {
		t.Fatalf("expected no access after revocation")
	}

	roles, err := eng.ListUserScopedRoles(ctx, g.alice.ID)
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(roles) != 1 {
		t.Fatalf("expected the revoked assignment to stay in history, got %d", len(roles))
	}
	if roles[0].RevokedAt == nil || roles[0].RevokeReason != "left the team" {
		t.Fatalf("expected revocation metadata, got %+v", roles[0])
	}
	if roles[0].IsActive {
		t.Fatalf("revoked assignment must not be active")
	}
}

func TestUpdateRoleScheduleRevalidatesCron(t *testing.T) {
	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	g := seedAccessGraph(t, eng)
	ctx := context.Background()

	sr := mustAssign(t, eng, AssignRoleInput{UserID: g.alice.ID, RoleEntityID: g.viewerRole.ID, ScopeEntityID: g.org.ID})

	if err := eng.UpdateRoleSchedule(ctx, "", sr.RelationshipID, nil, nil, "not a cron"); !IsInvalidInput(err) {
		t.Fatalf("expected invalid cron rejection, got %v", err)
	}
	if err := eng.UpdateRoleSchedule(ctx, "", sr.RelationshipID, nil, nil, "0 9-17 * * 1-5"); err != nil {
		t.Fatalf("update schedule: %v", err)
	}

	roles, err := eng.ListUserScopedRoles(ctx, g.alice.ID)
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if roles[0].ScheduleCron != "0 9-17 * * 1-5" {
		t.Fatalf("expected schedule stored, got %q", roles[0].ScheduleCron)
	}
}

func TestCheckMultiplePermissions(t *testing.T) {
	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	g := seedAccessGraph(t, eng)
	ctx := context.Background()

	mustAssign(t, eng, AssignRoleInput{UserID: g.alice.ID, RoleEntityID: g.viewerRole.ID, ScopeEntityID: g.org.ID})

	out, err := eng.CheckMultiplePermissions(ctx, g.alice.ID, g.doc1.ID, []string{"document.read", "document.edit"})
	if err != nil {
		t.Fatalf("check multiple: %v", err)
	}
	if !out["document.read"].Allowed() {
		t.Fatalf("expected read allowed")
	}
	if out["document.edit"].Allowed() {
		t.Fatalf("expected edit not allowed")
	}
}

func TestAccessibleEntitiesHonorsScopeAndClass(t *testing.T) {
	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	g := seedAccessGraph(t, eng)
	ctx := context.Background()

	mustAssign(t, eng, AssignRoleInput{UserID: g.alice.ID, RoleEntityID: g.editorRole.ID, ScopeEntityID: g.engDept.ID})

	ents, err := eng.AccessibleEntities(ctx, g.alice.ID, "document.edit", "")
	if err != nil {
		t.Fatalf("accessible: %v", err)
	}
	ids := make(map[string]bool, len(ents))
	for _, e := range ents {
		ids[e.ID] = true
	}
	if !ids[g.engDept.ID] || !ids[g.doc1.ID] {
		t.Fatalf("expected the scope and its descendants, got %v", ids)
	}
	if ids[g.doc2.ID] || ids[g.salesDept.ID] {
		t.Fatalf("expected nothing outside the scope, got %v", ids)
	}

	// Narrowed to the document class only.
	docs, err := eng.AccessibleEntities(ctx, g.alice.ID, "document.edit", g.docClass.ID)
	if err != nil {
		t.Fatalf("accessible: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != g.doc1.ID {
		t.Fatalf("expected exactly doc1, got %d entities", len(docs))
	}
}

func TestAccessibleEntitiesExcludesDenied(t *testing.T) {
	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	g := seedAccessGraph(t, eng)
	ctx := context.Background()

	mustAssign(t, eng, AssignRoleInput{UserID: g.alice.ID, RoleEntityID: g.viewerRole.ID, ScopeEntityID: g.org.ID})
	mustAssign(t, eng, NewAssignment(g.alice.ID, g.editorRole.ID).InScope(g.engDept.ID).Deny().Build())

	ents, err := eng.AccessibleEntities(ctx, g.alice.ID, "document.read", g.docClass.ID)
	if err != nil {
		t.Fatalf("accessible: %v", err)
	}
	for _, e := range ents {
		if e.ID == g.doc1.ID {
			t.Fatalf("expected the denied subtree to be filtered out")
		}
	}
}

func TestRolePermissionMatrixAndBatchUpdate(t *testing.T) {
	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	g := seedAccessGraph(t, eng)
	ctx := context.Background()

	matrix, err := eng.RolePermissionMatrix(ctx)
	if err != nil {
		t.Fatalf("matrix: %v", err)
	}
	if len(matrix["editor"]) != 2 || len(matrix["viewer"]) != 1 {
		t.Fatalf("unexpected matrix shape: editor=%d viewer=%d", len(matrix["editor"]), len(matrix["viewer"]))
	}

	err = eng.BatchUpdateRolePermissions(ctx, g.viewerRole.ID,
		[]GrantPermissionInput{{RoleEntityID: g.viewerRole.ID, PermissionEntityID: g.permEdit.ID}},
		[]string{g.permRead.ID},
		"seed")
	if err != nil {
		t.Fatalf("batch update: %v", err)
	}

	matrix, err = eng.RolePermissionMatrix(ctx)
	if err != nil {
		t.Fatalf("matrix: %v", err)
	}
	grants := matrix["viewer"]
	if len(grants) != 1 || grants[0].PermissionName != "document.edit" {
		t.Fatalf("expected viewer to hold only document.edit, got %+v", grants)
	}
}

func TestAssignScopedRoleValidation(t *testing.T) {
	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	g := seedAccessGraph(t, eng)
	ctx := context.Background()

	if _, err := eng.AssignScopedRole(ctx, AssignRoleInput{UserID: g.alice.ID}); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := eng.AssignScopedRole(ctx, AssignRoleInput{UserID: g.alice.ID, RoleEntityID: "missing"}); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := eng.AssignScopedRole(ctx, AssignRoleInput{
		UserID: g.alice.ID, RoleEntityID: g.viewerRole.ID, ScheduleCron: "banana",
	}); !IsInvalidInput(err) {
		t.Fatalf("expected cron rejection, got %v", err)
	}
}

func TestReassignReplacesInsteadOfStacking(t *testing.T) {
	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	g := seedAccessGraph(t, eng)
	ctx := context.Background()

	until := baseTime.Add(time.Hour)
	mustAssign(t, eng, AssignRoleInput{UserID: g.alice.ID, RoleEntityID: g.viewerRole.ID, ScopeEntityID: g.org.ID, ValidUntil: &until})
	mustAssign(t, eng, AssignRoleInput{UserID: g.alice.ID, RoleEntityID: g.viewerRole.ID, ScopeEntityID: g.engDept.ID})

	roles, err := eng.ListUserScopedRoles(ctx, g.alice.ID)
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(roles) != 1 {
		t.Fatalf("expected one assignment per (user, role), got %d", len(roles))
	}
	if roles[0].ScopeEntityID != g.engDept.ID {
		t.Fatalf("expected the newer scope, got %q", roles[0].ScopeEntityID)
	}
	if roles[0].ValidUntil != nil {
		t.Fatalf("expected the replacement to drop the old window")
	}
}
