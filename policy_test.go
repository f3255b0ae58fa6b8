package rebac

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func evalCtx() *EvaluationContext {
	return &EvaluationContext{
		Entity: map[string]any{
			"display_name": "design-doc",
			"attributes":   map[string]any{"pages": 12, "tags": []any{"internal", "draft"}},
		},
		User:        map[string]any{"id": "u1", "attributes": map[string]any{"department": "engineering"}},
		Environment: map[string]any{"hour": 14, "weekday": 3},
		Request:     map[string]any{"network": "internal"},
	}
}

func TestConditionOperators(t *testing.T) {
	ctx := evalCtx()
	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq string", Condition{Attribute: "user.attributes.department", Operator: "eq", Value: "engineering"}, true},
		{"eq numeric coercion", Condition{Attribute: "entity.attributes.pages", Operator: "eq", Value: 12.0}, true},
		{"neq", Condition{Attribute: "request.network", Operator: "neq", Value: "external"}, true},
		{"lt", Condition{Attribute: "environment.hour", Operator: "lt", Value: 18}, true},
		{"lte boundary", Condition{Attribute: "environment.hour", Operator: "lte", Value: 14}, true},
		{"gt false", Condition{Attribute: "environment.hour", Operator: "gt", Value: 14}, false},
		{"gte", Condition{Attribute: "environment.hour", Operator: "gte", Value: 9}, true},
		{"in", Condition{Attribute: "request.network", Operator: "in", Value: []any{"internal", "vpn"}}, true},
		{"not_in", Condition{Attribute: "request.network", Operator: "not_in", Value: []any{"external"}}, true},
		{"contains string", Condition{Attribute: "entity.display_name", Operator: "contains", Value: "design"}, true},
		{"contains list", Condition{Attribute: "entity.attributes.tags", Operator: "contains", Value: "draft"}, true},
		{"starts_with", Condition{Attribute: "entity.display_name", Operator: "starts_with", Value: "design"}, true},
		{"starts_with miss", Condition{Attribute: "entity.display_name", Operator: "starts_with", Value: "doc"}, false},
		{"starts_with non-string", Condition{Attribute: "entity.attributes.pages", Operator: "starts_with", Value: "1"}, false},
		{"matches", Condition{Attribute: "entity.display_name", Operator: "matches", Value: `^design-`}, true},
		{"exists", Condition{Attribute: "user.attributes.department", Operator: "exists"}, true},
		{"not_exists", Condition{Attribute: "user.attributes.clearance", Operator: "not_exists"}, true},
		{"unknown attribute is false", Condition{Attribute: "entity.attributes.owner", Operator: "eq", Value: "x"}, false},
		{"cross-type ordering is false", Condition{Attribute: "request.network", Operator: "lt", Value: 5}, false},
	}
	for _, tc := range cases {
		got, err := tc.cond.evaluate(ctx)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestConditionGroupsAndNegation(t *testing.T) {
	ctx := evalCtx()

	node := AllOf(
		Cond("environment.hour", "gte", 9),
		Cond("environment.hour", "lte", 17),
		Not(Cond("request.network", "eq", "external")),
	)
	ok, err := node.evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !ok {
		t.Fatalf("expected the group to hold")
	}

	// An Any group needs at least one member to hold.
	anyNode := AnyOf(
		Cond("request.network", "eq", "external"),
		Cond("user.attributes.department", "eq", "engineering"),
	)
	ok, err = anyNode.evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !ok {
		t.Fatalf("expected any-group to hold via the second member")
	}

	// Empty group holds trivially.
	var empty *ConditionGroup
	ok, err = empty.evaluate(ctx)
	if err != nil || !ok {
		t.Fatalf("expected nil group to hold, got %v %v", ok, err)
	}
}

func TestConditionNodeJSONRoundTrip(t *testing.T) {
	raw := `{
		"all": [
			{"attribute": "environment.hour", "operator": "gte", "value": 9},
			{"not": {"attribute": "request.network", "operator": "eq", "value": "external"}},
			{"any": [
				{"attribute": "user.attributes.department", "operator": "eq", "value": "engineering"},
				{"attribute": "user.attributes.department", "operator": "eq", "value": "security"}
			]}
		]
	}`
	var g ConditionGroup
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(g.All) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(g.All))
	}
	if g.All[0].Condition == nil || g.All[1].Not == nil || g.All[2].Group == nil {
		t.Fatalf("node shapes wrong: %+v", g.All)
	}

	ok, err := g.evaluate(evalCtx())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !ok {
		t.Fatalf("expected parsed group to hold")
	}

	out, err := json.Marshal(&g)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back ConditionGroup
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if len(back.All) != 3 || back.All[1].Not == nil {
		t.Fatalf("round trip lost structure")
	}
}

func TestCreatePolicyValidation(t *testing.T) {
	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	seedAccessGraph(t, eng)
	ctx := context.Background()

	if _, err := eng.CreatePolicy(ctx, CreatePolicyInput{Name: "p", Effect: "MAYBE"}, ""); !IsInvalidInput(err) {
		t.Fatalf("expected effect rejection, got %v", err)
	}
	bad := CreatePolicyInput{
		Name:   "p",
		Effect: EffectAllow,
		Conditions: &ConditionGroup{All: []ConditionNode{
			Cond("entity.display_name", "resembles", "x"),
		}},
	}
	if _, err := eng.CreatePolicy(ctx, bad, ""); !IsInvalidInput(err) {
		t.Fatalf("expected operator rejection, got %v", err)
	}
	badRegex := CreatePolicyInput{
		Name:   "p",
		Effect: EffectAllow,
		Conditions: &ConditionGroup{All: []ConditionNode{
			Cond("entity.display_name", "matches", "["),
		}},
	}
	if _, err := eng.CreatePolicy(ctx, badRegex, ""); !IsInvalidInput(err) {
		t.Fatalf("expected pattern rejection, got %v", err)
	}
}

func TestApplicablePoliciesOrderAndFilters(t *testing.T) {
	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	g := seedAccessGraph(t, eng)
	ctx := context.Background()

	mk := func(name string, effect Effect, priority int, mutate func(*CreatePolicyInput)) {
		in := CreatePolicyInput{Name: name, Effect: effect, Priority: priority}
		if mutate != nil {
			mutate(&in)
		}
		if _, err := eng.CreatePolicy(ctx, in, "seed"); err != nil {
			t.Fatalf("create policy %s: %v", name, err)
		}
	}

	mk("low-allow", EffectAllow, 1, nil)
	mk("high-allow", EffectAllow, 10, nil)
	mk("high-deny", EffectDeny, 10, nil)
	mk("wrong-class", EffectDeny, 99, func(in *CreatePolicyInput) { in.TargetClassID = g.deptClass.ID })
	mk("wrong-permission", EffectDeny, 99, func(in *CreatePolicyInput) { in.TargetPermissions = []string{"reports.read"} })
	mk("other-scope", EffectDeny, 99, func(in *CreatePolicyInput) { in.ScopeEntityID = g.salesDept.ID })
	past := baseTime.Add(-2 * time.Hour)
	mk("expired", EffectDeny, 99, func(in *CreatePolicyInput) { in.ValidUntil = &past })

	doc, err := eng.GetEntity(ctx, g.doc1.ID)
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	got, err := eng.ApplicablePolicies(ctx, doc, "document.edit", baseTime)
	if err != nil {
		t.Fatalf("applicable: %v", err)
	}
	var names []string
	for _, p := range got {
		names = append(names, p.Name)
	}
	want := []string{"high-deny", "high-allow", "low-allow"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}

func TestEvaluatePoliciesFirstMatchDecides(t *testing.T) {
	eng := NewEngine(NewMemoryStores())
	defer eng.Close()
	ctx := evalCtx()

	noMatch := &Policy{Name: "skip", Effect: EffectDeny, Conditions: &ConditionGroup{
		All: []ConditionNode{Cond("request.network", "eq", "external")},
	}}
	allow := &Policy{Name: "allow", Effect: EffectAllow}
	deny := &Policy{Name: "deny", Effect: EffectDeny}

	v := eng.EvaluatePolicies([]*Policy{noMatch, allow, deny}, ctx)
	if v.Outcome != PolicyAllowed || v.Policy.Name != "allow" {
		t.Fatalf("expected first matching policy to decide, got %+v", v)
	}

	v = eng.EvaluatePolicies([]*Policy{noMatch}, ctx)
	if v.Outcome != PolicyNoMatch || v.Policy != nil {
		t.Fatalf("expected no match, got %+v", v)
	}

	if PolicyNoMatch.String() != "NO_MATCH" || PolicyAllowed.String() != "ALLOWED" || PolicyDenied.String() != "DENIED" {
		t.Fatalf("outcome strings wrong")
	}
}

func TestUpdateAndDeactivatePolicy(t *testing.T) {
	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	g := seedAccessGraph(t, eng)
	ctx := context.Background()

	p, err := eng.CreatePolicy(ctx, CreatePolicyInput{Name: "block", Effect: EffectDeny, Priority: 5}, "seed")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	newPriority := 42
	updated, err := eng.UpdatePolicy(ctx, p.ID, UpdatePolicyInput{Priority: &newPriority}, "seed")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Priority != 42 || updated.Name != "block" {
		t.Fatalf("partial update wrong: %+v", updated)
	}

	if _, err := eng.SetPolicyActive(ctx, p.ID, false, "seed"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	doc, _ := eng.GetEntity(ctx, g.doc1.ID)
	got, err := eng.ApplicablePolicies(ctx, doc, "document.edit", baseTime)
	if err != nil {
		t.Fatalf("applicable: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected inactive policy to be filtered, got %d", len(got))
	}

	if err := eng.DeletePolicy(ctx, p.ID, "seed"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := eng.GetPolicy(ctx, p.ID); !IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestPolicyDryRun(t *testing.T) {
	eng := NewEngine(NewMemoryStores())
	defer eng.Close()

	conds := &ConditionGroup{
		All: []ConditionNode{
			Cond("environment.hour", "gte", 9),
			Cond("request.network", "eq", "external"),
		},
	}
	res, err := eng.TestPolicy(conds, evalCtx())
	if err != nil {
		t.Fatalf("test policy: %v", err)
	}
	if res.Passed {
		t.Fatalf("expected overall fail")
	}
	if len(res.Conditions) != 2 {
		t.Fatalf("expected per-node results, got %d", len(res.Conditions))
	}
	if !res.Conditions[0].Passed || res.Conditions[1].Passed {
		t.Fatalf("per-node results wrong: %+v", res.Conditions)
	}

	res, err = eng.TestPolicy(nil, evalCtx())
	if err != nil {
		t.Fatalf("test policy: %v", err)
	}
	if !res.Passed {
		t.Fatalf("expected nil conditions to pass")
	}

	bad := &ConditionGroup{All: []ConditionNode{Cond("x", "resembles", 1)}}
	if _, err := eng.TestPolicy(bad, evalCtx()); !IsInvalidInput(err) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}
