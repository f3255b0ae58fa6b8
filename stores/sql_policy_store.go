package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rebac"
)

// SQLPolicyStore persists attribute policies in SQL.
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

const policyColumns = `id, name, description, effect, priority, target_class_id, target_permissions_json, conditions_json, scope_entity_id, is_active, valid_from, valid_until, created_by, created_at, updated_at`

func policyArgs(p *rebac.Policy) map[string]any {
	return map[string]any{
		"id":                      p.ID,
		"name":                    p.Name,
		"description":             p.Description,
		"effect":                  string(p.Effect),
		"priority":                p.Priority,
		"target_class_id":         p.TargetClassID,
		"target_permissions_json": marshalJSON(p.TargetPermissions),
		"conditions_json":         marshalJSON(p.Conditions),
		"scope_entity_id":         p.ScopeEntityID,
		"is_active":               boolToInt(p.IsActive),
		"valid_from":              timePtrOrNil(p.ValidFrom),
		"valid_until":             timePtrOrNil(p.ValidUntil),
		"created_by":              p.CreatedBy,
		"created_at":              p.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":              p.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func scanPolicy(r rowScanner) (*rebac.Policy, error) {
	var p rebac.Policy
	var effect, permsJSON, condsJSON string
	var isActive int
	var fromRaw, untilRaw, createdRaw, updatedRaw any
	if err := r.Scan(&p.ID, &p.Name, &p.Description, &effect, &p.Priority, &p.TargetClassID,
		&permsJSON, &condsJSON, &p.ScopeEntityID, &isActive, &fromRaw, &untilRaw,
		&p.CreatedBy, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	p.Effect = rebac.Effect(effect)
	unmarshalJSON(permsJSON, &p.TargetPermissions)
	if condsJSON != "" && condsJSON != "null" {
		p.Conditions = &rebac.ConditionGroup{}
		unmarshalJSON(condsJSON, p.Conditions)
	}
	p.IsActive = isActive != 0
	p.ValidFrom = scanTimePtr(fromRaw)
	p.ValidUntil = scanTimePtr(untilRaw)
	p.CreatedAt = scanTime(createdRaw)
	p.UpdatedAt = scanTime(updatedRaw)
	return &p, nil
}

func (s *SQLPolicyStore) CreatePolicy(ctx context.Context, p *rebac.Policy) error {
	q := `INSERT INTO policies(` + policyColumns + `)
VALUES(:id, :name, :description, :effect, :priority, :target_class_id, :target_permissions_json, :conditions_json, :scope_entity_id, :is_active, :valid_from, :valid_until, :created_by, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, policyArgs(p))
	return err
}

func (s *SQLPolicyStore) GetPolicy(ctx context.Context, id string) (*rebac.Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, rebac.NewError(rebac.KindNotFound, "policy %s not found", id)
	}
	return scanPolicy(r)
}

func (s *SQLPolicyStore) ListPolicies(ctx context.Context) ([]*rebac.Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies ORDER BY priority DESC, name ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rebac.Policy, 0)
	for r.Next() {
		p, err := scanPolicy(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SQLPolicyStore) UpdatePolicy(ctx context.Context, p *rebac.Policy) error {
	q := `UPDATE policies SET name = :name, description = :description, effect = :effect, priority = :priority, target_class_id = :target_class_id, target_permissions_json = :target_permissions_json, conditions_json = :conditions_json, scope_entity_id = :scope_entity_id, is_active = :is_active, valid_from = :valid_from, valid_until = :valid_until, updated_at = :updated_at WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, policyArgs(p))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return rebac.NewError(rebac.KindNotFound, "policy %s not found", p.ID)
	}
	return nil
}

func (s *SQLPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	_, err := s.db.NamedExecContext(ctx, `DELETE FROM policies WHERE id = :id`, map[string]any{"id": id})
	return err
}

// SQLEvaluationLogStore persists pipeline decision records in SQL.
type SQLEvaluationLogStore struct {
	db *squealx.DB
}

func NewSQLEvaluationLogStore(db *squealx.DB) *SQLEvaluationLogStore {
	return &SQLEvaluationLogStore{db: db}
}

func (s *SQLEvaluationLogStore) AppendEvaluation(ctx context.Context, rec *rebac.EvaluationRecord) error {
	var allowed any
	if rec.RebacAllowed != nil {
		allowed = boolToInt(*rec.RebacAllowed)
	}
	q := `INSERT INTO policy_evaluations(id, user_id, entity_id, permission, rebac_allowed, rebac_denied, policy_result, final_result, decisive_policy, context_snapshot_json, at)
VALUES(:id, :user_id, :entity_id, :permission, :rebac_allowed, :rebac_denied, :policy_result, :final_result, :decisive_policy, :context_snapshot_json, :at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                    rec.ID,
		"user_id":               rec.UserID,
		"entity_id":             rec.EntityID,
		"permission":            rec.Permission,
		"rebac_allowed":         allowed,
		"rebac_denied":          boolToInt(rec.RebacDenied),
		"policy_result":         rec.PolicyResult,
		"final_result":          boolToInt(rec.FinalResult),
		"decisive_policy":       rec.DecisivePolicy,
		"context_snapshot_json": marshalJSON(rec.ContextSnapshot),
		"at":                    rec.At.Format(time.RFC3339Nano),
	})
	return err
}

func (s *SQLEvaluationLogStore) ListEvaluations(ctx context.Context, userID string, limit int) ([]*rebac.EvaluationRecord, error) {
	q := `SELECT id, user_id, entity_id, permission, rebac_allowed, rebac_denied, policy_result, final_result, decisive_policy, context_snapshot_json, at FROM policy_evaluations`
	params := map[string]any{}
	if userID != "" {
		q += ` WHERE user_id = :user_id`
		params["user_id"] = userID
	}
	q += ` ORDER BY at DESC`
	if limit > 0 {
		q += ` LIMIT :limit`
		params["limit"] = limit
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rebac.EvaluationRecord, 0)
	for r.Next() {
		var rec rebac.EvaluationRecord
		var allowedRaw any
		var denied, final int
		var snapshotJSON string
		var atRaw any
		if err := r.Scan(&rec.ID, &rec.UserID, &rec.EntityID, &rec.Permission, &allowedRaw, &denied,
			&rec.PolicyResult, &final, &rec.DecisivePolicy, &snapshotJSON, &atRaw); err != nil {
			return nil, err
		}
		if allowedRaw != nil {
			b := false
			switch v := allowedRaw.(type) {
			case int64:
				b = v != 0
			case int:
				b = v != 0
			case bool:
				b = v
			}
			rec.RebacAllowed = &b
		}
		rec.RebacDenied = denied != 0
		rec.FinalResult = final != 0
		unmarshalJSON(snapshotJSON, &rec.ContextSnapshot)
		rec.At = scanTime(atRaw)
		out = append(out, &rec)
	}
	return out, nil
}
