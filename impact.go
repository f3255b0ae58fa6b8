package rebac

import (
	"context"
	"sort"
	"strings"
)

// ===== IMPACT SIMULATION =====
//
// SimulateRoleChange answers "what happens if this role gains or loses
// these permissions" without touching the graph. For every user holding
// the role through an active assignment:
//
//   - a removed permission is lost only when no other active role of
//     the user still grants it
//   - an added permission is gained only when the user does not already
//     hold it through any active role

func (e *Engine) SimulateRoleChange(ctx context.Context, roleEntityID string, addPermissions, removePermissions []string) (*ImpactReport, error) {
	if _, err := e.store.Entities.GetEntity(ctx, roleEntityID); err != nil {
		return nil, err
	}
	typeID, err := e.relTypeID(ctx, RelHasRole)
	if err != nil {
		if IsNotFound(err) {
			return &ImpactReport{RoleEntityID: roleEntityID}, nil
		}
		return nil, err
	}
	now := e.now()
	edges, err := e.store.Relationships.ListByTarget(ctx, roleEntityID, typeID)
	if err != nil {
		return nil, wrapError(KindStorageFailure, err, "list role holders")
	}

	holders := make(map[string]bool)
	for _, edge := range edges {
		if !roleMetaActive(edge.Metadata, now) || edge.Metadata.Bool(MetaIsDeny) {
			continue
		}
		holders[edge.SourceEntityID] = true
	}

	report := &ImpactReport{
		RoleEntityID:      roleEntityID,
		AffectedUserCount: len(holders),
		GainedAccess:      []UserPermission{},
		LostAccess:        []UserPermission{},
	}
	for userID := range holders {
		for _, perm := range removePermissions {
			stillGranted, err := e.grantedByOtherRole(ctx, userID, roleEntityID, perm)
			if err != nil {
				return nil, err
			}
			if !stillGranted {
				report.LostAccess = append(report.LostAccess, UserPermission{UserID: userID, Permission: perm})
			}
		}
		for _, perm := range addPermissions {
			alreadyHeld, err := e.grantedByAnyRole(ctx, userID, perm)
			if err != nil {
				return nil, err
			}
			if !alreadyHeld {
				report.GainedAccess = append(report.GainedAccess, UserPermission{UserID: userID, Permission: perm})
			}
		}
	}
	sortUserPermissions(report.GainedAccess)
	sortUserPermissions(report.LostAccess)
	return report, nil
}

// grantedByOtherRole reports whether any active role other than
// excludeRole grants the permission to the user.
func (e *Engine) grantedByOtherRole(ctx context.Context, userID, excludeRole, permission string) (bool, error) {
	return e.roleGrantSearch(ctx, userID, permission, excludeRole)
}

// grantedByAnyRole reports whether any active role grants the
// permission to the user.
func (e *Engine) grantedByAnyRole(ctx context.Context, userID, permission string) (bool, error) {
	return e.roleGrantSearch(ctx, userID, permission, "")
}

func (e *Engine) roleGrantSearch(ctx context.Context, userID, permission, excludeRole string) (bool, error) {
	now := e.now()
	assignments, err := e.activeAssignments(ctx, userID, nil, now)
	if err != nil {
		return false, err
	}
	permLevel := 0
	haveLevel := false
	if permEnt, err := e.PermissionByName(ctx, permission); err == nil {
		if n, ok := permEnt.NumericAttr(levelAttribute); ok {
			permLevel = int(n)
			haveLevel = true
		}
	}
	for _, sr := range assignments {
		if sr.IsDeny || sr.RoleEntityID == excludeRole {
			continue
		}
		if strings.EqualFold(sr.RoleName, AdminRoleName) {
			return true, nil
		}
		grants, err := e.roleGrants(ctx, sr.RoleEntityID)
		if err != nil {
			return false, err
		}
		for _, g := range grants {
			if g.FieldName == "" && g.Effect == EffectAllow && grantMatches(g, permission, permLevel, haveLevel) {
				return true, nil
			}
		}
	}
	return false, nil
}

func sortUserPermissions(list []UserPermission) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].UserID != list[j].UserID {
			return list[i].UserID < list[j].UserID
		}
		return list[i].Permission < list[j].Permission
	})
}
