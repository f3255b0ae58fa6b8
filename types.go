package rebac

import (
	"time"

	"github.com/oarkflow/date"
)

// ===== SCHEMA VERSIONS =====

type VersionStatus string

const (
	StatusDraft     VersionStatus = "DRAFT"
	StatusPublished VersionStatus = "PUBLISHED"
	StatusArchived  VersionStatus = "ARCHIVED"
)

// OntologyVersion is one immutable-once-published snapshot of the schema.
// Exactly one version is current at a time; at most one carries IsSystem.
type OntologyVersion struct {
	ID           string        `json:"id"`
	Version      int           `json:"version"`
	Status       VersionStatus `json:"status"`
	IsCurrent    bool          `json:"is_current"`
	IsSystem     bool          `json:"is_system"`
	ClonedFromID string        `json:"cloned_from_id,omitempty"`
	Description  string        `json:"description,omitempty"`
	CreatedBy    string        `json:"created_by,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ===== CLASSES AND PROPERTIES =====

type Class struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	ParentClassID string    `json:"parent_class_id,omitempty"`
	VersionID     string    `json:"version_id"`
	TenantID      string    `json:"tenant_id,omitempty"`
	IsAbstract    bool      `json:"is_abstract"`
	IsDeprecated  bool      `json:"is_deprecated"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ValidationRules constrains a property value: regex pattern, numeric
// min/max, or an options allowlist. Absent fields impose nothing.
type ValidationRules struct {
	Regex   string    `json:"regex,omitempty"`
	Min     *float64  `json:"min,omitempty"`
	Max     *float64  `json:"max,omitempty"`
	Options []any     `json:"options,omitempty"`
}

type Property struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	ClassID          string           `json:"class_id"`
	DataType         string           `json:"data_type"`
	ReferenceClassID string           `json:"reference_class_id,omitempty"`
	IsRequired       bool             `json:"is_required"`
	IsUnique         bool             `json:"is_unique"`
	IsIndexed        bool             `json:"is_indexed"`
	IsSensitive      bool             `json:"is_sensitive"`
	DefaultValue     any              `json:"default_value,omitempty"`
	ValidationRules  *ValidationRules `json:"validation_rules,omitempty"`
	VersionID        string           `json:"version_id"`
	IsDeprecated     bool             `json:"is_deprecated"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// ===== ENTITIES =====

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// Entity is a node in the instance graph. ParentEntityID forms the scope
// hierarchy that role assignments inherit down.
type Entity struct {
	ID             string         `json:"id"`
	ClassID        string         `json:"class_id"`
	DisplayName    string         `json:"display_name"`
	ParentEntityID string         `json:"parent_entity_id,omitempty"`
	TenantID       string         `json:"tenant_id,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	ApprovalStatus ApprovalStatus `json:"approval_status"`
	CreatedBy      string         `json:"created_by,omitempty"`
	UpdatedBy      string         `json:"updated_by,omitempty"`
	DeletedBy      string         `json:"deleted_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
}

// Attr reads a single attribute; ok is false when the key is absent.
func (e *Entity) Attr(name string) (any, bool) {
	if e == nil || e.Attributes == nil {
		return nil, false
	}
	v, ok := e.Attributes[name]
	return v, ok
}

// NumericAttr coerces an attribute to float64 (JSON numbers land as
// float64 or json.Number depending on the store).
func (e *Entity) NumericAttr(name string) (float64, bool) {
	v, ok := e.Attr(name)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// ===== RELATIONSHIPS =====

// Well-known relationship type names the evaluator interprets.
const (
	RelHasRole          = "has_role"
	RelGrantsPermission = "grants_permission"
	RelCanDelegate      = "can_delegate"
)

// Well-known class names for the access-control portion of the graph.
const (
	ClassUser       = "User"
	ClassRole       = "Role"
	ClassPermission = "Permission"
)

type RelationshipType struct {
	ID                          string    `json:"id"`
	Name                        string    `json:"name"`
	Description                 string    `json:"description,omitempty"`
	SourceClassID               string    `json:"source_class_id,omitempty"`
	TargetClassID               string    `json:"target_class_id,omitempty"`
	GrantsPermissionInheritance bool      `json:"grants_permission_inheritance"`
	CreatedAt                   time.Time `json:"created_at"`
}

// Metadata is the free-form JSON bag carried on a relationship. The
// evaluator reads well-known keys out of it through the typed accessors.
type Metadata map[string]any

// Metadata keys on has_role edges.
const (
	MetaScopeEntityID = "scope_entity_id"
	MetaValidFrom     = "valid_from"
	MetaValidUntil    = "valid_until"
	MetaScheduleCron  = "schedule_cron"
	MetaIsDeny        = "is_deny"
	MetaGrantedBy     = "granted_by"
	MetaRevokedAt     = "revoked_at"
	MetaRevokedBy     = "revoked_by"
	MetaRevokeReason  = "revoke_reason"
)

// Metadata keys on grants_permission edges.
const (
	MetaEffect    = "effect"
	MetaFieldName = "field_name"
)

// Metadata keys on can_delegate edges.
const (
	MetaCanGrant  = "can_grant"
	MetaCanModify = "can_modify"
	MetaCanRevoke = "can_revoke"
)

func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func (m Metadata) Bool(key string) bool {
	if m == nil {
		return false
	}
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

// Time parses a timestamp value, accepting time.Time or any string
// layout the date package understands. Returns nil when absent or
// unparseable.
func (m Metadata) Time(key string) *time.Time {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case time.Time:
		return &v
	case *time.Time:
		return v
	case string:
		if v == "" {
			return nil
		}
		if t, err := date.Parse(v); err == nil {
			return &t
		}
	}
	return nil
}

func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	dup := make(Metadata, len(m))
	for k, v := range m {
		dup[k] = v
	}
	return dup
}

type Relationship struct {
	ID             string    `json:"id"`
	SourceEntityID string    `json:"source_entity_id"`
	TargetEntityID string    `json:"target_entity_id"`
	TypeID         string    `json:"relationship_type_id"`
	Metadata       Metadata  `json:"metadata,omitempty"`
	CreatedBy      string    `json:"created_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ===== SCOPED ROLES AND PERMISSION RESULTS =====

// ScopedRole is the evaluator's view of one has_role edge with its
// temporal metadata unpacked.
type ScopedRole struct {
	RelationshipID string     `json:"relationship_id"`
	UserID         string     `json:"user_id"`
	RoleEntityID   string     `json:"role_entity_id"`
	RoleName       string     `json:"role_name"`
	ScopeEntityID  string     `json:"scope_entity_id,omitempty"`
	ValidFrom      *time.Time `json:"valid_from,omitempty"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	ScheduleCron   string     `json:"schedule_cron,omitempty"`
	IsDeny         bool       `json:"is_deny"`
	GrantedBy      string     `json:"granted_by,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	RevokedBy      string     `json:"revoked_by,omitempty"`
	RevokeReason   string     `json:"revoke_reason,omitempty"`
	IsActive       bool       `json:"is_active"`
}

// PermissionGrant is the evaluator's view of one grants_permission edge.
type PermissionGrant struct {
	RelationshipID  string `json:"relationship_id"`
	RoleEntityID    string `json:"role_entity_id"`
	PermissionID    string `json:"permission_id"`
	PermissionName  string `json:"permission_name"`
	PermissionLevel int    `json:"permission_level"`
	Effect          Effect `json:"effect"`
	FieldName       string `json:"field_name,omitempty"`
}

type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

// PermissionResult is tri-state: Has nil means no grant expressed an
// opinion. IsDenied is set when an explicit deny matched.
type PermissionResult struct {
	Has                *bool  `json:"has_permission"`
	GrantedViaEntityID string `json:"granted_via_entity_id,omitempty"`
	GrantedViaRole     string `json:"granted_via_role,omitempty"`
	IsInherited        bool   `json:"is_inherited"`
	IsDenied           bool   `json:"is_denied"`
}

// Allowed collapses the tri-state: nil counts as false.
func (r *PermissionResult) Allowed() bool {
	return r != nil && !r.IsDenied && r.Has != nil && *r.Has
}

// ===== FIREFIGHTER =====

// FirefighterSession is a break-glass elevation window for one user.
type FirefighterSession struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Reason        string     `json:"reason"`
	ActivatedAt   time.Time  `json:"activated_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	DeactivatedBy string     `json:"deactivated_by,omitempty"`
}

func (s *FirefighterSession) ActiveAt(now time.Time) bool {
	return s != nil && s.DeactivatedAt == nil && s.ExpiresAt.After(now)
}

// ===== AUDIT AND EVALUATION LOG =====

// Event is one audit record emitted by the engine.
type Event struct {
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
	At           time.Time      `json:"at"`
}

// EvaluationRecord captures one full pipeline decision for forensics.
type EvaluationRecord struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	EntityID        string         `json:"entity_id"`
	Permission      string         `json:"permission"`
	RebacAllowed    *bool          `json:"rebac_allowed,omitempty"`
	RebacDenied     bool           `json:"rebac_denied"`
	PolicyResult    string         `json:"policy_result"`
	FinalResult     bool           `json:"final_result"`
	DecisivePolicy  string         `json:"decisive_policy,omitempty"`
	ContextSnapshot map[string]any `json:"context_snapshot,omitempty"`
	At              time.Time      `json:"at"`
}

// ===== IMPACT =====

// UserPermission names one (user, permission) pair touched by a
// simulated role change.
type UserPermission struct {
	UserID     string `json:"user_id"`
	Permission string `json:"permission"`
}

type ImpactReport struct {
	RoleEntityID      string           `json:"role_entity_id"`
	AffectedUserCount int              `json:"affected_users_count"`
	GainedAccess      []UserPermission `json:"gained_access"`
	LostAccess        []UserPermission `json:"lost_access"`
}

// ===== CAPABILITIES =====

// Clock abstracts time for deterministic temporal tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// FixedClock always reports the same instant.
type FixedClock struct{ T time.Time }

func (c FixedClock) Now() time.Time { return c.T }

// PasswordVerifier re-checks the caller's credential before break-glass
// elevation. Hashing schemes live with the identity system, not here.
type PasswordVerifier interface {
	Verify(userID, password string) error
}

type denyAllVerifier struct{}

func (denyAllVerifier) Verify(string, string) error {
	return newError(KindBreakGlassRequired, "no password verifier configured")
}

// AuditSink receives engine audit events. Emission is asynchronous and
// lossy under backpressure; sinks must not block for long.
type AuditSink interface {
	Emit(Event)
}

type nullSink struct{}

func (nullSink) Emit(Event) {}
