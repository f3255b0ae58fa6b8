package rebac

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// ===== MEMORY STORES =====
//
// Reference implementations used by tests and small deployments. All of
// them clone on read so callers can't mutate store state behind the lock.

type MemoryVersionStore struct {
	mu       sync.RWMutex
	versions map[string]*OntologyVersion
}

func NewMemoryVersionStore() *MemoryVersionStore {
	return &MemoryVersionStore{versions: make(map[string]*OntologyVersion)}
}

func (s *MemoryVersionStore) CreateVersion(_ context.Context, v *OntologyVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *v
	s.versions[v.ID] = &dup
	return nil
}

func (s *MemoryVersionStore) GetVersion(_ context.Context, id string) (*OntologyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, newError(KindNotFound, "version %s not found", id)
	}
	dup := *v
	return &dup, nil
}

func (s *MemoryVersionStore) ListVersions(_ context.Context) ([]*OntologyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*OntologyVersion, 0, len(s.versions))
	for _, v := range s.versions {
		dup := *v
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *MemoryVersionStore) UpdateVersion(_ context.Context, v *OntologyVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[v.ID]; !ok {
		return newError(KindNotFound, "version %s not found", v.ID)
	}
	dup := *v
	s.versions[v.ID] = &dup
	return nil
}

func (s *MemoryVersionStore) Publish(_ context.Context, id string) (*OntologyVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.versions[id]
	if !ok {
		return nil, newError(KindNotFound, "version %s not found", id)
	}
	for _, v := range s.versions {
		if v.IsCurrent {
			v.IsCurrent = false
			v.Status = StatusArchived
		}
	}
	target.Status = StatusPublished
	target.IsCurrent = true
	dup := *target
	return &dup, nil
}

type MemoryClassStore struct {
	mu      sync.RWMutex
	classes map[string]*Class
}

func NewMemoryClassStore() *MemoryClassStore {
	return &MemoryClassStore{classes: make(map[string]*Class)}
}

func (s *MemoryClassStore) CreateClass(_ context.Context, c *Class) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *c
	s.classes[c.ID] = &dup
	return nil
}

func (s *MemoryClassStore) GetClass(_ context.Context, id string) (*Class, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.classes[id]
	if !ok {
		return nil, newError(KindNotFound, "class %s not found", id)
	}
	dup := *c
	return &dup, nil
}

func (s *MemoryClassStore) GetClassByName(_ context.Context, versionID, name string) (*Class, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.classes {
		if c.VersionID == versionID && strings.EqualFold(c.Name, name) {
			dup := *c
			return &dup, nil
		}
	}
	return nil, newError(KindNotFound, "class %s not found in version %s", name, versionID)
}

func (s *MemoryClassStore) ListClasses(_ context.Context, versionID string) ([]*Class, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Class, 0)
	for _, c := range s.classes {
		if versionID == "" || c.VersionID == versionID {
			dup := *c
			out = append(out, &dup)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryClassStore) UpdateClass(_ context.Context, c *Class) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.classes[c.ID]; !ok {
		return newError(KindNotFound, "class %s not found", c.ID)
	}
	dup := *c
	s.classes[c.ID] = &dup
	return nil
}

func (s *MemoryClassStore) DeleteClass(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.classes[id]; !ok {
		return newError(KindNotFound, "class %s not found", id)
	}
	delete(s.classes, id)
	return nil
}

type MemoryPropertyStore struct {
	mu    sync.RWMutex
	props map[string]*Property
}

func NewMemoryPropertyStore() *MemoryPropertyStore {
	return &MemoryPropertyStore{props: make(map[string]*Property)}
}

func cloneProperty(p *Property) *Property {
	dup := *p
	if p.ValidationRules != nil {
		r := *p.ValidationRules
		dup.ValidationRules = &r
	}
	return &dup
}

func (s *MemoryPropertyStore) CreateProperty(_ context.Context, p *Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.props[p.ID] = cloneProperty(p)
	return nil
}

func (s *MemoryPropertyStore) GetProperty(_ context.Context, id string) (*Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.props[id]
	if !ok {
		return nil, newError(KindNotFound, "property %s not found", id)
	}
	return cloneProperty(p), nil
}

func (s *MemoryPropertyStore) ListProperties(_ context.Context, classID string) ([]*Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Property, 0)
	for _, p := range s.props {
		if p.ClassID == classID {
			out = append(out, cloneProperty(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryPropertyStore) UpdateProperty(_ context.Context, p *Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.props[p.ID]; !ok {
		return newError(KindNotFound, "property %s not found", p.ID)
	}
	s.props[p.ID] = cloneProperty(p)
	return nil
}

func (s *MemoryPropertyStore) DeleteProperty(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.props[id]; !ok {
		return newError(KindNotFound, "property %s not found", id)
	}
	delete(s.props, id)
	return nil
}

type MemoryEntityStore struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{entities: make(map[string]*Entity)}
}

func cloneEntity(e *Entity) *Entity {
	dup := *e
	if e.Attributes != nil {
		dup.Attributes = make(map[string]any, len(e.Attributes))
		for k, v := range e.Attributes {
			dup.Attributes[k] = v
		}
	}
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		dup.DeletedAt = &t
	}
	return &dup
}

func (s *MemoryEntityStore) CreateEntity(_ context.Context, e *Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.ID] = cloneEntity(e)
	return nil
}

func (s *MemoryEntityStore) GetEntity(_ context.Context, id string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok || e.DeletedAt != nil {
		return nil, newError(KindNotFound, "entity %s not found", id)
	}
	return cloneEntity(e), nil
}

func (s *MemoryEntityStore) ListEntities(_ context.Context, f EntityFilter) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entity, 0)
	for _, e := range s.entities {
		if e.DeletedAt != nil {
			continue
		}
		if f.ClassID != "" && e.ClassID != f.ClassID {
			continue
		}
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.RootOnly != nil {
			if *f.RootOnly && e.ParentEntityID != "" {
				continue
			}
			if !*f.RootOnly && e.ParentEntityID == "" {
				continue
			}
		}
		out = append(out, cloneEntity(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out, nil
}

func (s *MemoryEntityStore) UpdateEntity(_ context.Context, e *Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[e.ID]; !ok {
		return newError(KindNotFound, "entity %s not found", e.ID)
	}
	s.entities[e.ID] = cloneEntity(e)
	return nil
}

func (s *MemoryEntityStore) ListChildren(_ context.Context, id string) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entity, 0)
	for _, e := range s.entities {
		if e.DeletedAt == nil && e.ParentEntityID == id {
			out = append(out, cloneEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out, nil
}

type MemoryRelationshipTypeStore struct {
	mu    sync.RWMutex
	types map[string]*RelationshipType // by name
}

func NewMemoryRelationshipTypeStore() *MemoryRelationshipTypeStore {
	return &MemoryRelationshipTypeStore{types: make(map[string]*RelationshipType)}
}

func (s *MemoryRelationshipTypeStore) CreateRelationshipType(_ context.Context, t *RelationshipType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *t
	s.types[t.Name] = &dup
	return nil
}

func (s *MemoryRelationshipTypeStore) GetRelationshipTypeByName(_ context.Context, name string) (*RelationshipType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.types[name]
	if !ok {
		return nil, newError(KindNotFound, "relationship type %s not found", name)
	}
	dup := *t
	return &dup, nil
}

func (s *MemoryRelationshipTypeStore) ListRelationshipTypes(_ context.Context) ([]*RelationshipType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RelationshipType, 0, len(s.types))
	for _, t := range s.types {
		dup := *t
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type MemoryRelationshipStore struct {
	mu   sync.RWMutex
	rels map[string]*Relationship
}

func NewMemoryRelationshipStore() *MemoryRelationshipStore {
	return &MemoryRelationshipStore{rels: make(map[string]*Relationship)}
}

func cloneRelationship(r *Relationship) *Relationship {
	dup := *r
	dup.Metadata = r.Metadata.Clone()
	return &dup
}

func (s *MemoryRelationshipStore) UpsertRelationship(_ context.Context, r *Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rels {
		if existing.SourceEntityID == r.SourceEntityID &&
			existing.TargetEntityID == r.TargetEntityID &&
			existing.TypeID == r.TypeID {
			r.ID = existing.ID
			r.CreatedAt = existing.CreatedAt
			s.rels[existing.ID] = cloneRelationship(r)
			return nil
		}
	}
	s.rels[r.ID] = cloneRelationship(r)
	return nil
}

func (s *MemoryRelationshipStore) GetRelationship(_ context.Context, id string) (*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rels[id]
	if !ok {
		return nil, newError(KindNotFound, "relationship %s not found", id)
	}
	return cloneRelationship(r), nil
}

func (s *MemoryRelationshipStore) UpdateRelationship(_ context.Context, r *Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rels[r.ID]; !ok {
		return newError(KindNotFound, "relationship %s not found", r.ID)
	}
	s.rels[r.ID] = cloneRelationship(r)
	return nil
}

func (s *MemoryRelationshipStore) DeleteRelationship(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rels[id]; !ok {
		return newError(KindNotFound, "relationship %s not found", id)
	}
	delete(s.rels, id)
	return nil
}

func (s *MemoryRelationshipStore) ListBySource(_ context.Context, sourceID, typeID string) ([]*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Relationship, 0)
	for _, r := range s.rels {
		if r.SourceEntityID == sourceID && (typeID == "" || r.TypeID == typeID) {
			out = append(out, cloneRelationship(r))
		}
	}
	return out, nil
}

func (s *MemoryRelationshipStore) ListByTarget(_ context.Context, targetID, typeID string) ([]*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Relationship, 0)
	for _, r := range s.rels {
		if r.TargetEntityID == targetID && (typeID == "" || r.TypeID == typeID) {
			out = append(out, cloneRelationship(r))
		}
	}
	return out, nil
}

func (s *MemoryRelationshipStore) ListByType(_ context.Context, typeID string) ([]*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Relationship, 0)
	for _, r := range s.rels {
		if r.TypeID == typeID {
			out = append(out, cloneRelationship(r))
		}
	}
	return out, nil
}

type MemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[string]*Policy)}
}

func (s *MemoryPolicyStore) CreatePolicy(_ context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p.Clone()
	return nil
}

func (s *MemoryPolicyStore) GetPolicy(_ context.Context, id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, newError(KindNotFound, "policy %s not found", id)
	}
	return p.Clone(), nil
}

func (s *MemoryPolicyStore) ListPolicies(_ context.Context) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryPolicyStore) UpdatePolicy(_ context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[p.ID]; !ok {
		return newError(KindNotFound, "policy %s not found", p.ID)
	}
	s.policies[p.ID] = p.Clone()
	return nil
}

func (s *MemoryPolicyStore) DeletePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return newError(KindNotFound, "policy %s not found", id)
	}
	delete(s.policies, id)
	return nil
}

type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*FirefighterSession
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*FirefighterSession)}
}

func cloneSession(s *FirefighterSession) *FirefighterSession {
	dup := *s
	if s.DeactivatedAt != nil {
		t := *s.DeactivatedAt
		dup.DeactivatedAt = &t
	}
	return &dup
}

func (s *MemorySessionStore) CreateSession(_ context.Context, sess *FirefighterSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *MemorySessionStore) GetSession(_ context.Context, id string) (*FirefighterSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, newError(KindNotFound, "session %s not found", id)
	}
	return cloneSession(sess), nil
}

func (s *MemorySessionStore) UpdateSession(_ context.Context, sess *FirefighterSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return newError(KindNotFound, "session %s not found", sess.ID)
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *MemorySessionStore) ListSessions(_ context.Context, userID string) ([]*FirefighterSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*FirefighterSession, 0)
	for _, sess := range s.sessions {
		if userID == "" || sess.UserID == userID {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActivatedAt.After(out[j].ActivatedAt) })
	return out, nil
}

type MemoryEvaluationLogStore struct {
	mu      sync.RWMutex
	records []*EvaluationRecord
}

func NewMemoryEvaluationLogStore() *MemoryEvaluationLogStore {
	return &MemoryEvaluationLogStore{}
}

func (s *MemoryEvaluationLogStore) AppendEvaluation(_ context.Context, rec *EvaluationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *rec
	s.records = append(s.records, &dup)
	return nil
}

func (s *MemoryEvaluationLogStore) ListEvaluations(_ context.Context, userID string, limit int) ([]*EvaluationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*EvaluationRecord, 0)
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if userID != "" && rec.UserID != userID {
			continue
		}
		dup := *rec
		out = append(out, &dup)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MemoryAuditSink collects events for inspection in tests.
type MemoryAuditSink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryAuditSink() *MemoryAuditSink { return &MemoryAuditSink{} }

func (s *MemoryAuditSink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *MemoryAuditSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// NewMemoryStores wires a full in-memory store bundle.
func NewMemoryStores() Stores {
	return Stores{
		Versions:      NewMemoryVersionStore(),
		Classes:       NewMemoryClassStore(),
		Properties:    NewMemoryPropertyStore(),
		Entities:      NewMemoryEntityStore(),
		RelTypes:      NewMemoryRelationshipTypeStore(),
		Relationships: NewMemoryRelationshipStore(),
		Policies:      NewMemoryPolicyStore(),
		Sessions:      NewMemorySessionStore(),
		EvalLog:       NewMemoryEvaluationLogStore(),
	}
}
