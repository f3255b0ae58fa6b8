package rebac

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ===== POLICIES =====

// Policy is an attribute-based overlay on top of the relationship
// verdict. Higher priority evaluates first; at equal priority DENY
// policies evaluate before ALLOW.
type Policy struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	Effect            Effect          `json:"effect"`
	Priority          int             `json:"priority"`
	TargetClassID     string          `json:"target_class_id,omitempty"`
	TargetPermissions []string        `json:"target_permissions,omitempty"`
	Conditions        *ConditionGroup `json:"conditions,omitempty"`
	ScopeEntityID     string          `json:"scope_entity_id,omitempty"`
	IsActive          bool            `json:"is_active"`
	ValidFrom         *time.Time      `json:"valid_from,omitempty"`
	ValidUntil        *time.Time      `json:"valid_until,omitempty"`
	CreatedBy         string          `json:"created_by,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	dup := *p
	if p.TargetPermissions != nil {
		dup.TargetPermissions = append([]string(nil), p.TargetPermissions...)
	}
	if p.Conditions != nil {
		dup.Conditions = p.Conditions.clone()
	}
	if p.ValidFrom != nil {
		t := *p.ValidFrom
		dup.ValidFrom = &t
	}
	if p.ValidUntil != nil {
		t := *p.ValidUntil
		dup.ValidUntil = &t
	}
	return &dup
}

// appliesTo reports whether the policy targets the permission string; an
// empty list or a "*" entry targets everything.
func (p *Policy) appliesTo(permission string) bool {
	if len(p.TargetPermissions) == 0 {
		return true
	}
	for _, tp := range p.TargetPermissions {
		if tp == "*" || tp == permission {
			return true
		}
	}
	return false
}

// ===== CONDITION AST =====

// Condition is one attribute comparison.
type Condition struct {
	Attribute string `json:"attribute"`
	Operator  string `json:"operator"`
	Value     any    `json:"value,omitempty"`
}

// ConditionNode is a leaf condition, a nested group, or a negation.
// Exactly one field is set.
type ConditionNode struct {
	Condition *Condition      `json:"-"`
	Group     *ConditionGroup `json:"-"`
	Not       *ConditionNode  `json:"-"`
}

// ConditionGroup combines nodes: every All member and at least one Any
// member (when present) must hold. An empty group holds trivially.
type ConditionGroup struct {
	All []ConditionNode `json:"all,omitempty"`
	Any []ConditionNode `json:"any,omitempty"`
}

func (g *ConditionGroup) clone() *ConditionGroup {
	if g == nil {
		return nil
	}
	dup := &ConditionGroup{}
	dup.All = append(dup.All, g.All...)
	dup.Any = append(dup.Any, g.Any...)
	return dup
}

// UnmarshalJSON accepts the wire shape where a node is either a bare
// condition object, an all/any group, or {"not": <node>}.
func (n *ConditionNode) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if raw, ok := probe["not"]; ok {
		var inner ConditionNode
		if err := json.Unmarshal(raw, &inner); err != nil {
			return err
		}
		n.Not = &inner
		return nil
	}
	if _, hasAll := probe["all"]; hasAll {
		var g ConditionGroup
		if err := json.Unmarshal(data, &g); err != nil {
			return err
		}
		n.Group = &g
		return nil
	}
	if _, hasAny := probe["any"]; hasAny {
		var g ConditionGroup
		if err := json.Unmarshal(data, &g); err != nil {
			return err
		}
		n.Group = &g
		return nil
	}
	var c Condition
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	if c.Attribute == "" && c.Operator == "" {
		return fmt.Errorf("condition node has neither attribute nor group")
	}
	n.Condition = &c
	return nil
}

func (n ConditionNode) MarshalJSON() ([]byte, error) {
	switch {
	case n.Not != nil:
		return json.Marshal(map[string]any{"not": n.Not})
	case n.Group != nil:
		return json.Marshal(n.Group)
	case n.Condition != nil:
		return json.Marshal(n.Condition)
	}
	return []byte("null"), nil
}

// Supported comparison operators.
var operatorSet = map[string]bool{
	"eq": true, "neq": true,
	"lt": true, "lte": true, "gt": true, "gte": true,
	"in": true, "not_in": true,
	"contains": true, "starts_with": true, "matches": true,
	"exists": true, "not_exists": true,
}

func validateConditionNode(n *ConditionNode) error {
	switch {
	case n.Not != nil:
		return validateConditionNode(n.Not)
	case n.Group != nil:
		return validateConditionGroup(n.Group)
	case n.Condition != nil:
		if n.Condition.Attribute == "" {
			return newError(KindInvalidInput, "condition attribute is required")
		}
		if !operatorSet[n.Condition.Operator] {
			return newError(KindInvalidInput, "unknown operator %q", n.Condition.Operator)
		}
		if n.Condition.Operator == "matches" {
			s, ok := n.Condition.Value.(string)
			if !ok {
				return newError(KindInvalidInput, "matches operator needs a string pattern")
			}
			if _, err := regexp.Compile(s); err != nil {
				return wrapError(KindInvalidInput, err, "invalid matches pattern")
			}
		}
		return nil
	}
	return newError(KindInvalidInput, "empty condition node")
}

func validateConditionGroup(g *ConditionGroup) error {
	if g == nil {
		return nil
	}
	for i := range g.All {
		if err := validateConditionNode(&g.All[i]); err != nil {
			return err
		}
	}
	for i := range g.Any {
		if err := validateConditionNode(&g.Any[i]); err != nil {
			return err
		}
	}
	return nil
}

// ===== EVALUATION CONTEXT =====

// EvaluationContext holds the attribute maps conditions resolve
// against, addressed by dot paths such as entity.attributes.department.
type EvaluationContext struct {
	Entity      map[string]any
	User        map[string]any
	Environment map[string]any
	Request     map[string]any
}

// Lookup resolves a dot path. The first segment selects the map; the
// rest walk nested maps.
func (c *EvaluationContext) Lookup(path string) (any, bool) {
	segs := strings.Split(path, ".")
	if len(segs) == 0 {
		return nil, false
	}
	var cursor any
	switch segs[0] {
	case "entity":
		cursor = c.Entity
	case "user":
		cursor = c.User
	case "environment", "env":
		cursor = c.Environment
	case "request":
		cursor = c.Request
	default:
		return nil, false
	}
	for _, seg := range segs[1:] {
		m, ok := cursor.(map[string]any)
		if !ok {
			return nil, false
		}
		cursor, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cursor, cursor != nil
}

func (c *EvaluationContext) Snapshot() map[string]any {
	return map[string]any{
		"entity":      c.Entity,
		"user":        c.User,
		"environment": c.Environment,
		"request":     c.Request,
	}
}

// ===== CONDITION EVALUATION =====

func (n *ConditionNode) evaluate(ctx *EvaluationContext) (bool, error) {
	switch {
	case n.Not != nil:
		ok, err := n.Not.evaluate(ctx)
		return !ok, err
	case n.Group != nil:
		return n.Group.evaluate(ctx)
	case n.Condition != nil:
		return n.Condition.evaluate(ctx)
	}
	return false, fmt.Errorf("empty condition node")
}

func (g *ConditionGroup) evaluate(ctx *EvaluationContext) (bool, error) {
	if g == nil {
		return true, nil
	}
	for i := range g.All {
		ok, err := g.All[i].evaluate(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if len(g.Any) > 0 {
		matched := false
		for i := range g.Any {
			ok, err := g.Any[i].evaluate(ctx)
			if err != nil {
				return false, err
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func (c *Condition) evaluate(ctx *EvaluationContext) (bool, error) {
	val, found := ctx.Lookup(c.Attribute)
	switch c.Operator {
	case "exists":
		return found, nil
	case "not_exists":
		return !found, nil
	}
	if !found {
		return false, nil
	}
	switch c.Operator {
	case "eq":
		return valuesEqual(val, c.Value), nil
	case "neq":
		return !valuesEqual(val, c.Value), nil
	case "lt", "lte", "gt", "gte":
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false, nil
		}
		switch c.Operator {
		case "lt":
			return a < b, nil
		case "lte":
			return a <= b, nil
		case "gt":
			return a > b, nil
		default:
			return a >= b, nil
		}
	case "in", "not_in":
		list, ok := c.Value.([]any)
		if !ok {
			return false, nil
		}
		member := false
		for _, item := range list {
			if valuesEqual(val, item) {
				member = true
				break
			}
		}
		if c.Operator == "in" {
			return member, nil
		}
		return !member, nil
	case "contains":
		switch haystack := val.(type) {
		case string:
			needle, ok := c.Value.(string)
			return ok && strings.Contains(haystack, needle), nil
		case []any:
			for _, item := range haystack {
				if valuesEqual(item, c.Value) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, nil
	case "starts_with":
		s, sok := val.(string)
		prefix, pok := c.Value.(string)
		return sok && pok && strings.HasPrefix(s, prefix), nil
	case "matches":
		s, sok := val.(string)
		pattern, pok := c.Value.(string)
		if !sok || !pok {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(s), nil
	}
	return false, fmt.Errorf("unknown operator %q", c.Operator)
}

// valuesEqual compares with numeric coercion so 3 equals 3.0 regardless
// of which JSON decoder produced the operands.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ===== POLICY CRUD =====

type CreatePolicyInput struct {
	Name              string
	Description       string
	Effect            Effect
	Priority          int
	TargetClassID     string
	TargetPermissions []string
	Conditions        *ConditionGroup
	ScopeEntityID     string
	ValidFrom         *time.Time
	ValidUntil        *time.Time
}

func (e *Engine) CreatePolicy(ctx context.Context, in CreatePolicyInput, actor string) (*Policy, error) {
	if in.Name == "" {
		return nil, newError(KindInvalidInput, "policy name is required")
	}
	if in.Effect != EffectAllow && in.Effect != EffectDeny {
		return nil, newError(KindInvalidInput, "policy effect must be ALLOW or DENY")
	}
	if err := validateConditionGroup(in.Conditions); err != nil {
		return nil, err
	}
	if in.ScopeEntityID != "" {
		if _, err := e.store.Entities.GetEntity(ctx, in.ScopeEntityID); err != nil {
			return nil, err
		}
	}
	p := &Policy{
		ID:                newID(),
		Name:              in.Name,
		Description:       in.Description,
		Effect:            in.Effect,
		Priority:          in.Priority,
		TargetClassID:     in.TargetClassID,
		TargetPermissions: in.TargetPermissions,
		Conditions:        in.Conditions,
		ScopeEntityID:     in.ScopeEntityID,
		IsActive:          true,
		ValidFrom:         in.ValidFrom,
		ValidUntil:        in.ValidUntil,
		CreatedBy:         actor,
		CreatedAt:         e.now(),
		UpdatedAt:         e.now(),
	}
	if err := e.store.Policies.CreatePolicy(ctx, p); err != nil {
		return nil, wrapError(KindStorageFailure, err, "create policy")
	}
	e.InvalidateDecisions()
	e.audit(actor, "policy.create", "policy", p.ID, map[string]any{"name": p.Name})
	return p, nil
}

func (e *Engine) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	return e.store.Policies.GetPolicy(ctx, id)
}

func (e *Engine) ListPolicies(ctx context.Context) ([]*Policy, error) {
	return e.store.Policies.ListPolicies(ctx)
}

type UpdatePolicyInput struct {
	Name              *string
	Description       *string
	Effect            *Effect
	Priority          *int
	TargetClassID     *string
	TargetPermissions []string
	Conditions        *ConditionGroup
	ScopeEntityID     *string
	ValidFrom         *time.Time
	ValidUntil        *time.Time
}

func (e *Engine) UpdatePolicy(ctx context.Context, id string, in UpdatePolicyInput, actor string) (*Policy, error) {
	p, err := e.store.Policies.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		p.Name = *in.Name
	}
	if in.Description != nil {
		p.Description = *in.Description
	}
	if in.Effect != nil {
		if *in.Effect != EffectAllow && *in.Effect != EffectDeny {
			return nil, newError(KindInvalidInput, "policy effect must be ALLOW or DENY")
		}
		p.Effect = *in.Effect
	}
	if in.Priority != nil {
		p.Priority = *in.Priority
	}
	if in.TargetClassID != nil {
		p.TargetClassID = *in.TargetClassID
	}
	if in.TargetPermissions != nil {
		p.TargetPermissions = in.TargetPermissions
	}
	if in.Conditions != nil {
		if err := validateConditionGroup(in.Conditions); err != nil {
			return nil, err
		}
		p.Conditions = in.Conditions
	}
	if in.ScopeEntityID != nil {
		p.ScopeEntityID = *in.ScopeEntityID
	}
	if in.ValidFrom != nil {
		p.ValidFrom = in.ValidFrom
	}
	if in.ValidUntil != nil {
		p.ValidUntil = in.ValidUntil
	}
	p.UpdatedAt = e.now()
	if err := e.store.Policies.UpdatePolicy(ctx, p); err != nil {
		return nil, wrapError(KindStorageFailure, err, "update policy")
	}
	e.InvalidateDecisions()
	e.audit(actor, "policy.update", "policy", p.ID, nil)
	return p, nil
}

func (e *Engine) SetPolicyActive(ctx context.Context, id string, active bool, actor string) (*Policy, error) {
	p, err := e.store.Policies.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	p.IsActive = active
	p.UpdatedAt = e.now()
	if err := e.store.Policies.UpdatePolicy(ctx, p); err != nil {
		return nil, wrapError(KindStorageFailure, err, "toggle policy")
	}
	e.InvalidateDecisions()
	e.audit(actor, "policy.toggle", "policy", p.ID, map[string]any{"active": active})
	return p, nil
}

func (e *Engine) DeletePolicy(ctx context.Context, id, actor string) error {
	if err := e.store.Policies.DeletePolicy(ctx, id); err != nil {
		return err
	}
	e.InvalidateDecisions()
	e.audit(actor, "policy.delete", "policy", id, nil)
	return nil
}

// ===== POLICY SELECTION AND EVALUATION =====

// ApplicablePolicies filters active, in-window policies targeting the
// permission, class and scope, ordered by priority descending with DENY
// before ALLOW at equal priority.
func (e *Engine) ApplicablePolicies(ctx context.Context, entity *Entity, permission string, now time.Time) ([]*Policy, error) {
	all, err := e.store.Policies.ListPolicies(ctx)
	if err != nil {
		return nil, wrapError(KindStorageFailure, err, "list policies")
	}
	var scopeIDs map[string]bool
	out := make([]*Policy, 0)
	for _, p := range all {
		if !p.IsActive {
			continue
		}
		if p.ValidFrom != nil && p.ValidFrom.After(now) {
			continue
		}
		if p.ValidUntil != nil && !p.ValidUntil.After(now) {
			continue
		}
		if !p.appliesTo(permission) {
			continue
		}
		if p.TargetClassID != "" && p.TargetClassID != entity.ClassID {
			continue
		}
		if p.ScopeEntityID != "" {
			if scopeIDs == nil {
				scopeIDs, err = e.entityScopeIDs(ctx, entity.ID)
				if err != nil {
					return nil, err
				}
			}
			if !scopeIDs[p.ScopeEntityID] {
				continue
			}
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Effect == EffectDeny && out[j].Effect != EffectDeny
	})
	return out, nil
}

// PolicyOutcome is the tri-state result of evaluating a policy chain.
type PolicyOutcome int

const (
	PolicyNoMatch PolicyOutcome = iota
	PolicyAllowed
	PolicyDenied
)

func (o PolicyOutcome) String() string {
	switch o {
	case PolicyAllowed:
		return "ALLOWED"
	case PolicyDenied:
		return "DENIED"
	default:
		return "NO_MATCH"
	}
}

// PolicyVerdict names the outcome and the policy that produced it.
type PolicyVerdict struct {
	Outcome PolicyOutcome
	Policy  *Policy
}

// EvaluatePolicies walks an ordered chain; the first policy whose
// conditions hold decides. Evaluation errors skip the policy rather
// than failing the decision.
func (e *Engine) EvaluatePolicies(policies []*Policy, ectx *EvaluationContext) PolicyVerdict {
	for _, p := range policies {
		ok, err := p.Conditions.evaluate(ectx)
		if err != nil {
			e.log.Error("policy condition evaluation failed", "policy", p.Name, "error", err.Error())
			continue
		}
		if !ok {
			continue
		}
		if p.Effect == EffectDeny {
			return PolicyVerdict{Outcome: PolicyDenied, Policy: p}
		}
		return PolicyVerdict{Outcome: PolicyAllowed, Policy: p}
	}
	return PolicyVerdict{Outcome: PolicyNoMatch}
}

// ===== POLICY DRY RUN =====

// ConditionTestResult reports one top-level node of a dry run.
type ConditionTestResult struct {
	Node   ConditionNode `json:"node"`
	Passed bool          `json:"passed"`
	Error  string        `json:"error,omitempty"`
}

// TestPolicyResult is the output of a policy dry run.
type TestPolicyResult struct {
	Passed     bool                  `json:"passed"`
	Conditions []ConditionTestResult `json:"conditions"`
}

// TestPolicy evaluates a condition group against a caller-supplied
// context without touching stores or the audit trail.
func (e *Engine) TestPolicy(conditions *ConditionGroup, ectx *EvaluationContext) (*TestPolicyResult, error) {
	if err := validateConditionGroup(conditions); err != nil {
		return nil, err
	}
	res := &TestPolicyResult{}
	if conditions == nil {
		res.Passed = true
		return res, nil
	}
	record := func(n ConditionNode) {
		ok, err := n.evaluate(ectx)
		r := ConditionTestResult{Node: n, Passed: ok}
		if err != nil {
			r.Error = err.Error()
			r.Passed = false
		}
		res.Conditions = append(res.Conditions, r)
	}
	for _, n := range conditions.All {
		record(n)
	}
	for _, n := range conditions.Any {
		record(n)
	}
	passed, err := conditions.evaluate(ectx)
	if err != nil {
		return nil, wrapError(KindInvalidInput, err, "evaluate conditions")
	}
	res.Passed = passed
	return res, nil
}
