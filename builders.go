package rebac

import "time"

// ===== BUILDERS =====
//
// Fluent construction helpers for the noisier input structs.

// Cond builds a leaf condition node.
func Cond(attribute, operator string, value any) ConditionNode {
	return ConditionNode{Condition: &Condition{Attribute: attribute, Operator: operator, Value: value}}
}

// AllOf groups nodes that must all hold.
func AllOf(nodes ...ConditionNode) ConditionNode {
	return ConditionNode{Group: &ConditionGroup{All: nodes}}
}

// AnyOf groups nodes of which at least one must hold.
func AnyOf(nodes ...ConditionNode) ConditionNode {
	return ConditionNode{Group: &ConditionGroup{Any: nodes}}
}

// Not negates a node.
func Not(node ConditionNode) ConditionNode {
	return ConditionNode{Not: &node}
}

// PolicyBuilder assembles a CreatePolicyInput.
type PolicyBuilder struct {
	in CreatePolicyInput
}

func NewPolicyBuilder(name string) *PolicyBuilder {
	return &PolicyBuilder{in: CreatePolicyInput{Name: name, Effect: EffectAllow}}
}

func (b *PolicyBuilder) Allow() *PolicyBuilder {
	b.in.Effect = EffectAllow
	return b
}

func (b *PolicyBuilder) Deny() *PolicyBuilder {
	b.in.Effect = EffectDeny
	return b
}

func (b *PolicyBuilder) Describe(text string) *PolicyBuilder {
	b.in.Description = text
	return b
}

func (b *PolicyBuilder) Priority(p int) *PolicyBuilder {
	b.in.Priority = p
	return b
}

func (b *PolicyBuilder) ForClass(classID string) *PolicyBuilder {
	b.in.TargetClassID = classID
	return b
}

func (b *PolicyBuilder) ForPermissions(perms ...string) *PolicyBuilder {
	b.in.TargetPermissions = perms
	return b
}

func (b *PolicyBuilder) InScope(entityID string) *PolicyBuilder {
	b.in.ScopeEntityID = entityID
	return b
}

// When requires every given node to hold.
func (b *PolicyBuilder) When(nodes ...ConditionNode) *PolicyBuilder {
	if b.in.Conditions == nil {
		b.in.Conditions = &ConditionGroup{}
	}
	b.in.Conditions.All = append(b.in.Conditions.All, nodes...)
	return b
}

// WhenAny requires at least one of the given nodes to hold.
func (b *PolicyBuilder) WhenAny(nodes ...ConditionNode) *PolicyBuilder {
	if b.in.Conditions == nil {
		b.in.Conditions = &ConditionGroup{}
	}
	b.in.Conditions.Any = append(b.in.Conditions.Any, nodes...)
	return b
}

func (b *PolicyBuilder) Between(from, until time.Time) *PolicyBuilder {
	b.in.ValidFrom = &from
	b.in.ValidUntil = &until
	return b
}

func (b *PolicyBuilder) Build() CreatePolicyInput { return b.in }

// AssignmentBuilder assembles an AssignRoleInput.
type AssignmentBuilder struct {
	in AssignRoleInput
}

func NewAssignment(userID, roleEntityID string) *AssignmentBuilder {
	return &AssignmentBuilder{in: AssignRoleInput{UserID: userID, RoleEntityID: roleEntityID}}
}

func (b *AssignmentBuilder) GrantedBy(granterID string) *AssignmentBuilder {
	b.in.GranterID = granterID
	return b
}

func (b *AssignmentBuilder) InScope(entityID string) *AssignmentBuilder {
	b.in.ScopeEntityID = entityID
	return b
}

func (b *AssignmentBuilder) From(t time.Time) *AssignmentBuilder {
	b.in.ValidFrom = &t
	return b
}

func (b *AssignmentBuilder) Until(t time.Time) *AssignmentBuilder {
	b.in.ValidUntil = &t
	return b
}

func (b *AssignmentBuilder) OnSchedule(cronExpr string) *AssignmentBuilder {
	b.in.ScheduleCron = cronExpr
	return b
}

func (b *AssignmentBuilder) Deny() *AssignmentBuilder {
	b.in.IsDeny = true
	return b
}

func (b *AssignmentBuilder) Build() AssignRoleInput { return b.in }
