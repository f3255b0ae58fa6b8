package rebac

import (
	"context"
	"strings"
)

// ===== DELEGATION GUARD =====
//
// Delegation rules are can_delegate edges between role entities. A
// granter may hand out a role only when one of their own active roles
// reaches the target role over can_grant edges, within a bounded depth.
// The system (empty granter) and holders of a global admin role bypass
// the graph entirely.

// maxDelegationDepth caps transitive delegation chains.
const maxDelegationDepth = 8

// CanGrantRole returns nil when granter may assign roleEntityID within
// scopeEntityID, otherwise a DelegationDenied error.
func (e *Engine) CanGrantRole(ctx context.Context, granterID, roleEntityID, scopeEntityID string) error {
	return e.checkDelegation(ctx, granterID, roleEntityID, scopeEntityID, MetaCanGrant, "grant")
}

// CanModifyRole guards schedule and metadata changes to an assignment.
func (e *Engine) CanModifyRole(ctx context.Context, actorID, roleEntityID, scopeEntityID string) error {
	return e.checkDelegation(ctx, actorID, roleEntityID, scopeEntityID, MetaCanModify, "modify")
}

// CanRevokeRole guards revocation.
func (e *Engine) CanRevokeRole(ctx context.Context, actorID, roleEntityID, scopeEntityID string) error {
	return e.checkDelegation(ctx, actorID, roleEntityID, scopeEntityID, MetaCanRevoke, "revoke")
}

func (e *Engine) checkDelegation(ctx context.Context, actorID, roleEntityID, scopeEntityID, flag, verb string) error {
	if actorID == "" {
		return nil // system caller
	}
	now := e.now()
	// The actor's roles must cover the scope the assignment targets.
	var scopeIDs map[string]bool
	if scopeEntityID != "" {
		var err error
		scopeIDs, err = e.entityScopeIDs(ctx, scopeEntityID)
		if err != nil {
			return err
		}
	}
	assignments, err := e.activeAssignments(ctx, actorID, scopeIDs, now)
	if err != nil {
		return err
	}
	for _, sr := range assignments {
		if sr.IsDeny {
			continue
		}
		// A global admin may delegate anything.
		if strings.EqualFold(sr.RoleName, AdminRoleName) && sr.ScopeEntityID == "" {
			return nil
		}
	}
	for _, sr := range assignments {
		if sr.IsDeny {
			continue
		}
		// A scoped role cannot delegate a global assignment.
		if scopeEntityID == "" && sr.ScopeEntityID != "" {
			continue
		}
		ok, err := e.delegationReaches(ctx, sr.RoleEntityID, roleEntityID, flag)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return newError(KindDelegationDenied, "actor %s may not %s role %s", actorID, verb, roleEntityID)
}

// delegationReaches walks can_delegate edges carrying the flag from
// fromRole, looking for toRole within the depth cap.
func (e *Engine) delegationReaches(ctx context.Context, fromRole, toRole, flag string) (bool, error) {
	typeID, err := e.relTypeID(ctx, RelCanDelegate)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	visited := map[string]bool{fromRole: true}
	frontier := []string{fromRole}
	for depth := 0; len(frontier) > 0 && depth < maxDelegationDepth; depth++ {
		var next []string
		for _, roleID := range frontier {
			edges, err := e.store.Relationships.ListBySource(ctx, roleID, typeID)
			if err != nil {
				return false, wrapError(KindStorageFailure, err, "list delegation rules")
			}
			for _, edge := range edges {
				if !edge.Metadata.Bool(flag) {
					continue
				}
				if edge.TargetEntityID == toRole {
					return true, nil
				}
				if !visited[edge.TargetEntityID] {
					visited[edge.TargetEntityID] = true
					next = append(next, edge.TargetEntityID)
				}
			}
		}
		frontier = next
	}
	return false, nil
}

// ===== DELEGATION RULES =====

// DelegationRule is the unpacked view of one can_delegate edge.
type DelegationRule struct {
	RelationshipID string `json:"relationship_id"`
	FromRoleID     string `json:"from_role_id"`
	FromRoleName   string `json:"from_role_name"`
	ToRoleID       string `json:"to_role_id"`
	ToRoleName     string `json:"to_role_name"`
	CanGrant       bool   `json:"can_grant"`
	CanModify      bool   `json:"can_modify"`
	CanRevoke      bool   `json:"can_revoke"`
}

type AddDelegationRuleInput struct {
	FromRoleID string
	ToRoleID   string
	CanGrant   bool
	CanModify  bool
	CanRevoke  bool
}

// AddDelegationRule upserts the can_delegate edge between two roles.
func (e *Engine) AddDelegationRule(ctx context.Context, in AddDelegationRuleInput, actor string) (*DelegationRule, error) {
	from, err := e.store.Entities.GetEntity(ctx, in.FromRoleID)
	if err != nil {
		return nil, err
	}
	to, err := e.store.Entities.GetEntity(ctx, in.ToRoleID)
	if err != nil {
		return nil, err
	}
	if !in.CanGrant && !in.CanModify && !in.CanRevoke {
		return nil, newError(KindInvalidInput, "delegation rule needs at least one capability")
	}
	if err := e.EnsureAccessTypes(ctx); err != nil {
		return nil, err
	}
	typeID, err := e.relTypeID(ctx, RelCanDelegate)
	if err != nil {
		return nil, err
	}
	rel := &Relationship{
		ID:             newID(),
		SourceEntityID: in.FromRoleID,
		TargetEntityID: in.ToRoleID,
		TypeID:         typeID,
		Metadata: Metadata{
			MetaCanGrant:  in.CanGrant,
			MetaCanModify: in.CanModify,
			MetaCanRevoke: in.CanRevoke,
		},
		CreatedBy: actor,
		CreatedAt: e.now(),
	}
	if err := e.store.Relationships.UpsertRelationship(ctx, rel); err != nil {
		return nil, wrapError(KindStorageFailure, err, "add delegation rule")
	}
	e.InvalidateDecisions()
	e.audit(actor, "rebac.delegation.added", "relationship", rel.ID, map[string]any{
		"from": from.DisplayName,
		"to":   to.DisplayName,
	})
	return &DelegationRule{
		RelationshipID: rel.ID,
		FromRoleID:     in.FromRoleID,
		FromRoleName:   from.DisplayName,
		ToRoleID:       in.ToRoleID,
		ToRoleName:     to.DisplayName,
		CanGrant:       in.CanGrant,
		CanModify:      in.CanModify,
		CanRevoke:      in.CanRevoke,
	}, nil
}

// ListDelegationRules returns every rule, or only those leaving
// fromRoleID when set.
func (e *Engine) ListDelegationRules(ctx context.Context, fromRoleID string) ([]*DelegationRule, error) {
	typeID, err := e.relTypeID(ctx, RelCanDelegate)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var rels []*Relationship
	if fromRoleID != "" {
		rels, err = e.store.Relationships.ListBySource(ctx, fromRoleID, typeID)
	} else {
		rels, err = e.store.Relationships.ListByType(ctx, typeID)
	}
	if err != nil {
		return nil, wrapError(KindStorageFailure, err, "list delegation rules")
	}
	out := make([]*DelegationRule, 0, len(rels))
	for _, rel := range rels {
		from, err := e.store.Entities.GetEntity(ctx, rel.SourceEntityID)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		to, err := e.store.Entities.GetEntity(ctx, rel.TargetEntityID)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, &DelegationRule{
			RelationshipID: rel.ID,
			FromRoleID:     rel.SourceEntityID,
			FromRoleName:   from.DisplayName,
			ToRoleID:       rel.TargetEntityID,
			ToRoleName:     to.DisplayName,
			CanGrant:       rel.Metadata.Bool(MetaCanGrant),
			CanModify:      rel.Metadata.Bool(MetaCanModify),
			CanRevoke:      rel.Metadata.Bool(MetaCanRevoke),
		})
	}
	return out, nil
}

// RemoveDelegationRule deletes the can_delegate edge by relationship id.
func (e *Engine) RemoveDelegationRule(ctx context.Context, relationshipID, actor string) error {
	if err := e.store.Relationships.DeleteRelationship(ctx, relationshipID); err != nil {
		return err
	}
	e.InvalidateDecisions()
	e.audit(actor, "rebac.delegation.removed", "relationship", relationshipID, nil)
	return nil
}
