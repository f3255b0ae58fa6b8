package rebac

import "context"

// ===== STORE INTERFACES =====
//
// Stores are dumb persistence: no authorization logic lives below this
// line. The engine composes them; implementations ship in this package
// (memory) and in stores/ (SQL, redis).

type VersionStore interface {
	CreateVersion(ctx context.Context, v *OntologyVersion) error
	GetVersion(ctx context.Context, id string) (*OntologyVersion, error)
	ListVersions(ctx context.Context) ([]*OntologyVersion, error)
	UpdateVersion(ctx context.Context, v *OntologyVersion) error
	// Publish atomically archives the current version and marks id
	// PUBLISHED and current.
	Publish(ctx context.Context, id string) (*OntologyVersion, error)
}

type ClassStore interface {
	CreateClass(ctx context.Context, c *Class) error
	GetClass(ctx context.Context, id string) (*Class, error)
	GetClassByName(ctx context.Context, versionID, name string) (*Class, error)
	ListClasses(ctx context.Context, versionID string) ([]*Class, error)
	UpdateClass(ctx context.Context, c *Class) error
	DeleteClass(ctx context.Context, id string) error
}

type PropertyStore interface {
	CreateProperty(ctx context.Context, p *Property) error
	GetProperty(ctx context.Context, id string) (*Property, error)
	ListProperties(ctx context.Context, classID string) ([]*Property, error)
	UpdateProperty(ctx context.Context, p *Property) error
	DeleteProperty(ctx context.Context, id string) error
}

// EntityFilter narrows ListEntities. Nil pointer fields mean "any".
type EntityFilter struct {
	ClassID  string
	TenantID string
	RootOnly *bool
}

type EntityStore interface {
	CreateEntity(ctx context.Context, e *Entity) error
	// GetEntity excludes soft-deleted entities.
	GetEntity(ctx context.Context, id string) (*Entity, error)
	ListEntities(ctx context.Context, f EntityFilter) ([]*Entity, error)
	UpdateEntity(ctx context.Context, e *Entity) error
	// ListChildren returns non-deleted entities whose parent is id.
	ListChildren(ctx context.Context, id string) ([]*Entity, error)
}

type RelationshipTypeStore interface {
	CreateRelationshipType(ctx context.Context, t *RelationshipType) error
	GetRelationshipTypeByName(ctx context.Context, name string) (*RelationshipType, error)
	ListRelationshipTypes(ctx context.Context) ([]*RelationshipType, error)
}

type RelationshipStore interface {
	// UpsertRelationship replaces the edge (source, target, type) if it
	// already exists, otherwise inserts it. The stored ID is preserved
	// on replace and written back to r.
	UpsertRelationship(ctx context.Context, r *Relationship) error
	GetRelationship(ctx context.Context, id string) (*Relationship, error)
	UpdateRelationship(ctx context.Context, r *Relationship) error
	DeleteRelationship(ctx context.Context, id string) error
	// ListBySource returns edges leaving source; typeID narrows when set.
	ListBySource(ctx context.Context, sourceID, typeID string) ([]*Relationship, error)
	ListByTarget(ctx context.Context, targetID, typeID string) ([]*Relationship, error)
	ListByType(ctx context.Context, typeID string) ([]*Relationship, error)
}

type PolicyStore interface {
	CreatePolicy(ctx context.Context, p *Policy) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	ListPolicies(ctx context.Context) ([]*Policy, error)
	UpdatePolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, id string) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, s *FirefighterSession) error
	GetSession(ctx context.Context, id string) (*FirefighterSession, error)
	UpdateSession(ctx context.Context, s *FirefighterSession) error
	// ListSessions returns all sessions, newest first; userID narrows
	// when set.
	ListSessions(ctx context.Context, userID string) ([]*FirefighterSession, error)
}

type EvaluationLogStore interface {
	AppendEvaluation(ctx context.Context, rec *EvaluationRecord) error
	ListEvaluations(ctx context.Context, userID string, limit int) ([]*EvaluationRecord, error)
}

// Stores bundles every store handle the engine needs.
type Stores struct {
	Versions      VersionStore
	Classes       ClassStore
	Properties    PropertyStore
	Entities      EntityStore
	RelTypes      RelationshipTypeStore
	Relationships RelationshipStore
	Policies      PolicyStore
	Sessions      SessionStore
	EvalLog       EvaluationLogStore
}
