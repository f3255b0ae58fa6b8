package rebac

import (
	"context"
	"strings"
	"time"

	"github.com/oarkflow/rebac/utils"
)

// ===== SCOPED ROLE ASSIGNMENTS =====

// AdminRoleName short-circuits permission matching: a role with this
// name grants every permission inside its scope.
const AdminRoleName = "admin"

// levelAttribute is the numeric rank carried by permission entities.
// A grant for a higher-ranked permission implies lower-ranked ones.
const levelAttribute = "level"

// EnsureAccessTypes seeds the relationship types the evaluator
// interprets. Idempotent.
func (e *Engine) EnsureAccessTypes(ctx context.Context) error {
	for _, name := range []string{RelHasRole, RelGrantsPermission, RelCanDelegate} {
		if _, err := e.CreateRelationshipType(ctx, CreateRelationshipTypeInput{Name: name}, ""); err != nil {
			return err
		}
	}
	return nil
}

type AssignRoleInput struct {
	GranterID     string // empty means the system itself
	UserID        string
	RoleEntityID  string
	ScopeEntityID string // empty means global
	ValidFrom     *time.Time
	ValidUntil    *time.Time
	ScheduleCron  string
	IsDeny        bool
}

// AssignScopedRole grants a role to a user within a scope, guarded by
// the delegation rules. Re-assigning the same (user, role) pair
// replaces the previous assignment metadata.
func (e *Engine) AssignScopedRole(ctx context.Context, in AssignRoleInput) (*ScopedRole, error) {
	if in.UserID == "" || in.RoleEntityID == "" {
		return nil, newError(KindInvalidInput, "user and role are required")
	}
	role, err := e.store.Entities.GetEntity(ctx, in.RoleEntityID)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.Entities.GetEntity(ctx, in.UserID); err != nil {
		return nil, err
	}
	if in.ScopeEntityID != "" {
		if _, err := e.store.Entities.GetEntity(ctx, in.ScopeEntityID); err != nil {
			return nil, err
		}
	}
	if in.ScheduleCron != "" {
		if err := ValidateCron(in.ScheduleCron); err != nil {
			return nil, err
		}
	}
	if err := e.CanGrantRole(ctx, in.GranterID, in.RoleEntityID, in.ScopeEntityID); err != nil {
		return nil, err
	}
	if err := e.EnsureAccessTypes(ctx); err != nil {
		return nil, err
	}
	typeID, err := e.relTypeID(ctx, RelHasRole)
	if err != nil {
		return nil, err
	}

	meta := Metadata{}
	if in.ScopeEntityID != "" {
		meta[MetaScopeEntityID] = in.ScopeEntityID
	}
	if in.ValidFrom != nil {
		meta[MetaValidFrom] = in.ValidFrom.Format(time.RFC3339)
	}
	if in.ValidUntil != nil {
		meta[MetaValidUntil] = in.ValidUntil.Format(time.RFC3339)
	}
	if in.ScheduleCron != "" {
		meta[MetaScheduleCron] = in.ScheduleCron
	}
	if in.IsDeny {
		meta[MetaIsDeny] = true
	}
	if in.GranterID != "" {
		meta[MetaGrantedBy] = in.GranterID
	}

	rel := &Relationship{
		ID:             newID(),
		SourceEntityID: in.UserID,
		TargetEntityID: in.RoleEntityID,
		TypeID:         typeID,
		Metadata:       meta,
		CreatedBy:      in.GranterID,
		CreatedAt:      e.now(),
	}
	if err := e.store.Relationships.UpsertRelationship(ctx, rel); err != nil {
		return nil, wrapError(KindStorageFailure, err, "assign role")
	}
	e.InvalidateDecisions()
	e.audit(in.GranterID, "rebac.role.assigned", "relationship", rel.ID, map[string]any{
		"user":  in.UserID,
		"role":  role.DisplayName,
		"scope": in.ScopeEntityID,
		"deny":  in.IsDeny,
	})
	return e.scopedRoleFromEdge(rel, role), nil
}

// RevokeScopedRole stamps revocation metadata onto the assignment; the
// edge is kept so the grant history survives.
func (e *Engine) RevokeScopedRole(ctx context.Context, actorID, relationshipID, reason string) error {
	rel, err := e.store.Relationships.GetRelationship(ctx, relationshipID)
	if err != nil {
		return err
	}
	typeID, err := e.relTypeID(ctx, RelHasRole)
	if err != nil {
		return err
	}
	if rel.TypeID != typeID {
		return newError(KindInvalidInput, "relationship %s is not a role assignment", relationshipID)
	}
	if err := e.CanRevokeRole(ctx, actorID, rel.TargetEntityID, rel.Metadata.String(MetaScopeEntityID)); err != nil {
		return err
	}
	meta := rel.Metadata.Clone()
	if meta == nil {
		meta = Metadata{}
	}
	meta[MetaRevokedAt] = e.now().Format(time.RFC3339)
	if actorID != "" {
		meta[MetaRevokedBy] = actorID
	}
	if reason != "" {
		meta[MetaRevokeReason] = reason
	}
	rel.Metadata = meta
	if err := e.store.Relationships.UpdateRelationship(ctx, rel); err != nil {
		return wrapError(KindStorageFailure, err, "revoke role")
	}
	e.InvalidateDecisions()
	e.audit(actorID, "rebac.role.revoked", "relationship", rel.ID, map[string]any{"reason": reason})
	return nil
}

// UpdateRoleSchedule rewrites the temporal metadata of an assignment.
func (e *Engine) UpdateRoleSchedule(ctx context.Context, actorID, relationshipID string, validFrom, validUntil *time.Time, scheduleCron string) error {
	rel, err := e.store.Relationships.GetRelationship(ctx, relationshipID)
	if err != nil {
		return err
	}
	typeID, err := e.relTypeID(ctx, RelHasRole)
	if err != nil {
		return err
	}
	if rel.TypeID != typeID {
		return newError(KindInvalidInput, "relationship %s is not a role assignment", relationshipID)
	}
	if scheduleCron != "" {
		if err := ValidateCron(scheduleCron); err != nil {
			return err
		}
	}
	if err := e.CanModifyRole(ctx, actorID, rel.TargetEntityID, rel.Metadata.String(MetaScopeEntityID)); err != nil {
		return err
	}
	meta := rel.Metadata.Clone()
	if meta == nil {
		meta = Metadata{}
	}
	delete(meta, MetaValidFrom)
	delete(meta, MetaValidUntil)
	delete(meta, MetaScheduleCron)
	if validFrom != nil {
		meta[MetaValidFrom] = validFrom.Format(time.RFC3339)
	}
	if validUntil != nil {
		meta[MetaValidUntil] = validUntil.Format(time.RFC3339)
	}
	if scheduleCron != "" {
		meta[MetaScheduleCron] = scheduleCron
	}
	rel.Metadata = meta
	if err := e.store.Relationships.UpdateRelationship(ctx, rel); err != nil {
		return wrapError(KindStorageFailure, err, "update role schedule")
	}
	e.InvalidateDecisions()
	e.audit(actorID, "rebac.role.schedule_updated", "relationship", rel.ID, nil)
	return nil
}

func (e *Engine) scopedRoleFromEdge(rel *Relationship, role *Entity) *ScopedRole {
	sr := &ScopedRole{
		RelationshipID: rel.ID,
		UserID:         rel.SourceEntityID,
		RoleEntityID:   rel.TargetEntityID,
		ScopeEntityID:  rel.Metadata.String(MetaScopeEntityID),
		ValidFrom:      rel.Metadata.Time(MetaValidFrom),
		ValidUntil:     rel.Metadata.Time(MetaValidUntil),
		ScheduleCron:   rel.Metadata.String(MetaScheduleCron),
		IsDeny:         rel.Metadata.Bool(MetaIsDeny),
		GrantedBy:      rel.Metadata.String(MetaGrantedBy),
		RevokedAt:      rel.Metadata.Time(MetaRevokedAt),
		RevokedBy:      rel.Metadata.String(MetaRevokedBy),
		RevokeReason:   rel.Metadata.String(MetaRevokeReason),
	}
	if role != nil {
		sr.RoleName = role.DisplayName
	}
	sr.IsActive = sr.Active(e.now())
	return sr
}

// ListUserScopedRoles returns every role assignment of a user,
// including revoked and out-of-window ones, with activity flags set.
func (e *Engine) ListUserScopedRoles(ctx context.Context, userID string) ([]*ScopedRole, error) {
	typeID, err := e.relTypeID(ctx, RelHasRole)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	rels, err := e.store.Relationships.ListBySource(ctx, userID, typeID)
	if err != nil {
		return nil, wrapError(KindStorageFailure, err, "list role assignments")
	}
	out := make([]*ScopedRole, 0, len(rels))
	for _, rel := range rels {
		role, err := e.store.Entities.GetEntity(ctx, rel.TargetEntityID)
		if err != nil {
			if IsNotFound(err) {
				continue // role entity deleted
			}
			return nil, err
		}
		out = append(out, e.scopedRoleFromEdge(rel, role))
	}
	return out, nil
}

// activeAssignments filters a user's assignments down to those active at
// now and covering the given scope set (empty ScopeEntityID is global).
func (e *Engine) activeAssignments(ctx context.Context, userID string, scopeIDs map[string]bool, now time.Time) ([]*ScopedRole, error) {
	all, err := e.ListUserScopedRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*ScopedRole, 0, len(all))
	for _, sr := range all {
		if !sr.Active(now) {
			continue
		}
		if sr.ScopeEntityID != "" && scopeIDs != nil && !scopeIDs[sr.ScopeEntityID] {
			continue
		}
		out = append(out, sr)
	}
	return out, nil
}

// ===== PERMISSION GRANTS =====

// findEntityByClassName looks up an entity by display name within a
// named class, searching every schema version's classes of that name.
func (e *Engine) findEntityByClassName(ctx context.Context, className, displayName string) (*Entity, error) {
	classes, err := e.store.Classes.ListClasses(ctx, "")
	if err != nil {
		return nil, wrapError(KindStorageFailure, err, "list classes")
	}
	for _, c := range classes {
		if !strings.EqualFold(c.Name, className) {
			continue
		}
		ents, err := e.store.Entities.ListEntities(ctx, EntityFilter{ClassID: c.ID})
		if err != nil {
			return nil, wrapError(KindStorageFailure, err, "list entities")
		}
		for _, ent := range ents {
			if ent.DisplayName == displayName {
				return ent, nil
			}
		}
	}
	return nil, newError(KindNotFound, "%s %q not found", strings.ToLower(className), displayName)
}

// RoleByName resolves a role entity by its display name.
func (e *Engine) RoleByName(ctx context.Context, name string) (*Entity, error) {
	return e.findEntityByClassName(ctx, ClassRole, name)
}

// PermissionByName resolves a permission entity by its display name.
func (e *Engine) PermissionByName(ctx context.Context, name string) (*Entity, error) {
	return e.findEntityByClassName(ctx, ClassPermission, name)
}

// roleGrants reads the grants_permission edges leaving a role.
func (e *Engine) roleGrants(ctx context.Context, roleEntityID string) ([]*PermissionGrant, error) {
	typeID, err := e.relTypeID(ctx, RelGrantsPermission)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	rels, err := e.store.Relationships.ListBySource(ctx, roleEntityID, typeID)
	if err != nil {
		return nil, wrapError(KindStorageFailure, err, "list permission grants")
	}
	out := make([]*PermissionGrant, 0, len(rels))
	for _, rel := range rels {
		perm, err := e.store.Entities.GetEntity(ctx, rel.TargetEntityID)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		effect := EffectAllow
		if strings.EqualFold(rel.Metadata.String(MetaEffect), string(EffectDeny)) {
			effect = EffectDeny
		}
		level := 0
		if n, ok := perm.NumericAttr(levelAttribute); ok {
			level = int(n)
		}
		out = append(out, &PermissionGrant{
			RelationshipID:  rel.ID,
			RoleEntityID:    roleEntityID,
			PermissionID:    perm.ID,
			PermissionName:  perm.DisplayName,
			PermissionLevel: level,
			Effect:          effect,
			FieldName:       rel.Metadata.String(MetaFieldName),
		})
	}
	return out, nil
}

// grantMatches decides whether a grant covers the requested permission:
// exact or wildcard name match, or an equal-or-higher level when the
// requested permission carries one.
func grantMatches(g *PermissionGrant, permName string, permLevel int, haveLevel bool) bool {
	if g.PermissionName == "*" || g.PermissionName == permName {
		return true
	}
	if strings.ContainsAny(g.PermissionName, "*:") && utils.MatchPermission(permName, g.PermissionName) {
		return true
	}
	if haveLevel && permLevel > 0 && g.PermissionLevel >= permLevel {
		return true
	}
	return false
}

// GrantPermissionInput attaches a permission to a role.
type GrantPermissionInput struct {
	RoleEntityID       string
	PermissionEntityID string
	Effect             Effect
	FieldName          string
}

func (e *Engine) GrantPermissionToRole(ctx context.Context, in GrantPermissionInput, actor string) (*Relationship, error) {
	if in.Effect == "" {
		in.Effect = EffectAllow
	}
	if in.Effect != EffectAllow && in.Effect != EffectDeny {
		return nil, newError(KindInvalidInput, "effect must be ALLOW or DENY")
	}
	if _, err := e.store.Entities.GetEntity(ctx, in.RoleEntityID); err != nil {
		return nil, err
	}
	if _, err := e.store.Entities.GetEntity(ctx, in.PermissionEntityID); err != nil {
		return nil, err
	}
	if err := e.EnsureAccessTypes(ctx); err != nil {
		return nil, err
	}
	typeID, err := e.relTypeID(ctx, RelGrantsPermission)
	if err != nil {
		return nil, err
	}
	meta := Metadata{MetaEffect: string(in.Effect)}
	if in.FieldName != "" {
		meta[MetaFieldName] = in.FieldName
	}
	rel := &Relationship{
		ID:             newID(),
		SourceEntityID: in.RoleEntityID,
		TargetEntityID: in.PermissionEntityID,
		TypeID:         typeID,
		Metadata:       meta,
		CreatedBy:      actor,
		CreatedAt:      e.now(),
	}
	if err := e.store.Relationships.UpsertRelationship(ctx, rel); err != nil {
		return nil, wrapError(KindStorageFailure, err, "grant permission")
	}
	e.InvalidateDecisions()
	e.audit(actor, "rebac.permission.granted", "relationship", rel.ID, map[string]any{
		"role":       in.RoleEntityID,
		"permission": in.PermissionEntityID,
		"effect":     string(in.Effect),
	})
	return rel, nil
}

// ===== PERMISSION CHECKS =====

// CheckPermission evaluates the relationship graph only: active role
// assignments covering the entity, one of its ancestors, or an entity
// it is attached to over an inheritance-flagged edge; permission
// grants matched by name, wildcard, or level, deny edges winning over
// allows. Field set narrows the check to that attribute, falling back
// to entity-wide grants when no field-specific edge exists.
func (e *Engine) CheckPermission(ctx context.Context, userID, entityID, permission, field string) (*PermissionResult, error) {
	now := e.now()
	scopeIDs, err := e.entityScopeIDs(ctx, entityID)
	if err != nil {
		return nil, err
	}
	assignments, err := e.activeAssignments(ctx, userID, scopeIDs, now)
	if err != nil {
		return nil, err
	}

	permLevel := 0
	haveLevel := false
	if permEnt, err := e.PermissionByName(ctx, permission); err == nil {
		if n, ok := permEnt.NumericAttr(levelAttribute); ok {
			permLevel = int(n)
			haveLevel = true
		}
	}

	res := &PermissionResult{}
	for _, sr := range assignments {
		isAdmin := strings.EqualFold(sr.RoleName, AdminRoleName)
		grants, err := e.roleGrants(ctx, sr.RoleEntityID)
		if err != nil {
			return nil, err
		}
		roleCovers := isAdmin
		roleDenies := false
		for _, g := range grants {
			if g.FieldName != "" && g.FieldName != field {
				continue
			}
			if !grantMatches(g, permission, permLevel, haveLevel) {
				continue
			}
			if g.Effect == EffectDeny {
				roleDenies = true
			} else {
				roleCovers = true
			}
		}
		if sr.IsDeny {
			// A deny assignment denies everything its role covers.
			if roleCovers {
				roleDenies = true
				roleCovers = false
			}
		}
		if roleDenies {
			f := false
			res.Has = &f
			res.IsDenied = true
			res.GrantedViaRole = sr.RoleName
			res.GrantedViaEntityID = grantScope(sr, entityID)
			res.IsInherited = sr.ScopeEntityID != "" && sr.ScopeEntityID != entityID
			return res, nil // deny wins, stop looking
		}
		if roleCovers && res.Has == nil {
			tr := true
			res.Has = &tr
			res.GrantedViaRole = sr.RoleName
			res.GrantedViaEntityID = grantScope(sr, entityID)
			res.IsInherited = sr.ScopeEntityID != "" && sr.ScopeEntityID != entityID
		}
	}
	return res, nil
}

func grantScope(sr *ScopedRole, entityID string) string {
	if sr.ScopeEntityID != "" {
		return sr.ScopeEntityID
	}
	return entityID
}

// RequirePermission returns a kinded error unless the check allows.
func (e *Engine) RequirePermission(ctx context.Context, userID, entityID, permission string) error {
	res, err := e.CheckPermission(ctx, userID, entityID, permission, "")
	if err != nil {
		return err
	}
	if res.Allowed() {
		return nil
	}
	if res.IsDenied {
		return newError(KindPermissionDenied, "Access explicitly denied")
	}
	return newError(KindPermissionDenied, "No permission granted")
}

// CheckMultiplePermissions runs the evaluator once per permission.
func (e *Engine) CheckMultiplePermissions(ctx context.Context, userID, entityID string, permissions []string) (map[string]*PermissionResult, error) {
	out := make(map[string]*PermissionResult, len(permissions))
	for _, p := range permissions {
		res, err := e.CheckPermission(ctx, userID, entityID, p, "")
		if err != nil {
			return nil, err
		}
		out[p] = res
	}
	return out, nil
}

// ActiveGrantRoles returns the assignments that allow the permission on
// the entity at the given instant, after schedule filtering. The
// decision pipeline uses this to make sure an allow is backed by an
// in-window role.
func (e *Engine) ActiveGrantRoles(ctx context.Context, userID, entityID, permission string, now time.Time) ([]*ScopedRole, error) {
	scopeIDs, err := e.entityScopeIDs(ctx, entityID)
	if err != nil {
		return nil, err
	}
	assignments, err := e.activeAssignments(ctx, userID, scopeIDs, now)
	if err != nil {
		return nil, err
	}
	permLevel := 0
	haveLevel := false
	if permEnt, err := e.PermissionByName(ctx, permission); err == nil {
		if n, ok := permEnt.NumericAttr(levelAttribute); ok {
			permLevel = int(n)
			haveLevel = true
		}
	}
	out := make([]*ScopedRole, 0)
	for _, sr := range assignments {
		if sr.IsDeny {
			continue
		}
		if strings.EqualFold(sr.RoleName, AdminRoleName) {
			out = append(out, sr)
			continue
		}
		grants, err := e.roleGrants(ctx, sr.RoleEntityID)
		if err != nil {
			return nil, err
		}
		for _, g := range grants {
			if g.FieldName != "" || g.Effect != EffectAllow {
				continue
			}
			if grantMatches(g, permission, permLevel, haveLevel) {
				out = append(out, sr)
				break
			}
		}
	}
	return out, nil
}

// AccessibleEntities lists every entity the user holds the permission
// on, honoring scope inheritance and denies. ClassID narrows the result.
func (e *Engine) AccessibleEntities(ctx context.Context, userID, permission, classID string) ([]*Entity, error) {
	now := e.now()
	assignments, err := e.activeAssignments(ctx, userID, nil, now)
	if err != nil {
		return nil, err
	}
	permLevel := 0
	haveLevel := false
	if permEnt, err := e.PermissionByName(ctx, permission); err == nil {
		if n, ok := permEnt.NumericAttr(levelAttribute); ok {
			permLevel = int(n)
			haveLevel = true
		}
	}

	candidates := make(map[string]*Entity)
	addEntity := func(ent *Entity) {
		if classID == "" || ent.ClassID == classID {
			candidates[ent.ID] = ent
		}
	}
	for _, sr := range assignments {
		if sr.IsDeny {
			continue
		}
		covers := strings.EqualFold(sr.RoleName, AdminRoleName)
		if !covers {
			grants, err := e.roleGrants(ctx, sr.RoleEntityID)
			if err != nil {
				return nil, err
			}
			for _, g := range grants {
				if g.FieldName == "" && g.Effect == EffectAllow && grantMatches(g, permission, permLevel, haveLevel) {
					covers = true
					break
				}
			}
		}
		if !covers {
			continue
		}
		if sr.ScopeEntityID == "" {
			all, err := e.store.Entities.ListEntities(ctx, EntityFilter{ClassID: classID})
			if err != nil {
				return nil, wrapError(KindStorageFailure, err, "list entities")
			}
			for _, ent := range all {
				candidates[ent.ID] = ent
			}
			continue
		}
		scopeEnt, err := e.store.Entities.GetEntity(ctx, sr.ScopeEntityID)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		addEntity(scopeEnt)
		descendants, err := e.EntityDescendants(ctx, sr.ScopeEntityID)
		if err != nil {
			return nil, err
		}
		covered := []string{sr.ScopeEntityID}
		for _, d := range descendants {
			addEntity(d)
			covered = append(covered, d.ID)
		}
		attached, err := e.inheritanceAttached(ctx, covered)
		if err != nil {
			return nil, err
		}
		for _, a := range attached {
			addEntity(a)
		}
	}

	out := make([]*Entity, 0, len(candidates))
	for _, ent := range candidates {
		res, err := e.CheckPermission(ctx, userID, ent.ID, permission, "")
		if err != nil {
			return nil, err
		}
		if res.Allowed() {
			out = append(out, ent)
		}
	}
	return out, nil
}

// inheritanceAttached walks edges of inheritance-flagged types backwards
// from the covered set: entities pointing at a covered entity over such
// an edge are covered too.
func (e *Engine) inheritanceAttached(ctx context.Context, covered []string) ([]*Entity, error) {
	inherit, err := e.inheritingTypeIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(inherit) == 0 {
		return nil, nil
	}
	seen := map[string]bool{}
	for _, id := range covered {
		seen[id] = true
	}
	var out []*Entity
	frontier := covered
	for depth := 0; len(frontier) > 0 && depth < maxHierarchyDepth; depth++ {
		var next []string
		for _, id := range frontier {
			rels, err := e.store.Relationships.ListByTarget(ctx, id, "")
			if err != nil {
				return nil, wrapError(KindStorageFailure, err, "list inheritance edges")
			}
			for _, rel := range rels {
				if !inherit[rel.TypeID] || seen[rel.SourceEntityID] {
					continue
				}
				seen[rel.SourceEntityID] = true
				ent, err := e.store.Entities.GetEntity(ctx, rel.SourceEntityID)
				if err != nil {
					if IsNotFound(err) {
						continue
					}
					return nil, err
				}
				out = append(out, ent)
				next = append(next, ent.ID)
			}
		}
		frontier = next
	}
	return out, nil
}

// ===== ROLE-PERMISSION ADMINISTRATION =====

// RolePermissionMatrix maps role names to their permission grants.
func (e *Engine) RolePermissionMatrix(ctx context.Context) (map[string][]*PermissionGrant, error) {
	typeID, err := e.relTypeID(ctx, RelGrantsPermission)
	if err != nil {
		if IsNotFound(err) {
			return map[string][]*PermissionGrant{}, nil
		}
		return nil, err
	}
	rels, err := e.store.Relationships.ListByType(ctx, typeID)
	if err != nil {
		return nil, wrapError(KindStorageFailure, err, "list permission grants")
	}
	roleNames := make(map[string]string)
	out := make(map[string][]*PermissionGrant)
	for _, rel := range rels {
		name, ok := roleNames[rel.SourceEntityID]
		if !ok {
			role, err := e.store.Entities.GetEntity(ctx, rel.SourceEntityID)
			if err != nil {
				if IsNotFound(err) {
					continue
				}
				return nil, err
			}
			name = role.DisplayName
			roleNames[rel.SourceEntityID] = name
		}
		grants, err := e.roleGrants(ctx, rel.SourceEntityID)
		if err != nil {
			return nil, err
		}
		out[name] = grants
	}
	return out, nil
}

// BatchUpdateRolePermissions applies adds and removals as one logical
// change: a single cache flush and audit record for the whole batch.
func (e *Engine) BatchUpdateRolePermissions(ctx context.Context, roleEntityID string, add []GrantPermissionInput, removePermissionIDs []string, actor string) error {
	if _, err := e.store.Entities.GetEntity(ctx, roleEntityID); err != nil {
		return err
	}
	typeID, err := e.relTypeID(ctx, RelGrantsPermission)
	if err != nil {
		return err
	}
	for _, in := range add {
		in.RoleEntityID = roleEntityID
		if in.Effect == "" {
			in.Effect = EffectAllow
		}
		meta := Metadata{MetaEffect: string(in.Effect)}
		if in.FieldName != "" {
			meta[MetaFieldName] = in.FieldName
		}
		rel := &Relationship{
			ID:             newID(),
			SourceEntityID: roleEntityID,
			TargetEntityID: in.PermissionEntityID,
			TypeID:         typeID,
			Metadata:       meta,
			CreatedBy:      actor,
			CreatedAt:      e.now(),
		}
		if err := e.store.Relationships.UpsertRelationship(ctx, rel); err != nil {
			return wrapError(KindStorageFailure, err, "batch grant")
		}
	}
	if len(removePermissionIDs) > 0 {
		rels, err := e.store.Relationships.ListBySource(ctx, roleEntityID, typeID)
		if err != nil {
			return wrapError(KindStorageFailure, err, "list grants for removal")
		}
		removeSet := make(map[string]bool, len(removePermissionIDs))
		for _, id := range removePermissionIDs {
			removeSet[id] = true
		}
		for _, rel := range rels {
			if removeSet[rel.TargetEntityID] {
				if err := e.store.Relationships.DeleteRelationship(ctx, rel.ID); err != nil {
					return wrapError(KindStorageFailure, err, "batch revoke")
				}
			}
		}
	}
	e.InvalidateDecisions()
	e.audit(actor, "rebac.role.permissions_batch", "entity", roleEntityID, map[string]any{
		"added":   len(add),
		"removed": len(removePermissionIDs),
	})
	return nil
}
