package rebac

import (
	"context"
	"regexp"
)

// ===== SCHEMA VERSIONS =====

// maxHierarchyDepth caps every parent-chain walk in the graph. Chains
// deeper than this indicate a cycle or corrupted data.
const maxHierarchyDepth = 64

func (e *Engine) CreateVersion(ctx context.Context, description, actor string) (*OntologyVersion, error) {
	versions, err := e.store.Versions.ListVersions(ctx)
	if err != nil {
		return nil, wrapError(KindStorageFailure, err, "list versions")
	}
	next := 1
	for _, v := range versions {
		if v.Version >= next {
			next = v.Version + 1
		}
	}
	v := &OntologyVersion{
		ID:          newID(),
		Version:     next,
		Status:      StatusDraft,
		Description: description,
		CreatedBy:   actor,
		CreatedAt:   e.now(),
	}
	// The very first version becomes current immediately so classes
	// have somewhere to live.
	if len(versions) == 0 {
		v.IsCurrent = true
		v.Status = StatusPublished
	}
	if err := e.store.Versions.CreateVersion(ctx, v); err != nil {
		return nil, wrapError(KindStorageFailure, err, "create version")
	}
	e.audit(actor, "ontology.version.create", "ontology_version", v.ID, nil)
	return v, nil
}

func (e *Engine) GetVersion(ctx context.Context, id string) (*OntologyVersion, error) {
	return e.store.Versions.GetVersion(ctx, id)
}

func (e *Engine) ListVersions(ctx context.Context) ([]*OntologyVersion, error) {
	return e.store.Versions.ListVersions(ctx)
}

func (e *Engine) CurrentVersion(ctx context.Context) (*OntologyVersion, error) {
	versions, err := e.store.Versions.ListVersions(ctx)
	if err != nil {
		return nil, wrapError(KindStorageFailure, err, "list versions")
	}
	for _, v := range versions {
		if v.IsCurrent {
			return v, nil
		}
	}
	return nil, newError(KindNotFound, "no current ontology version")
}

func (e *Engine) SystemVersion(ctx context.Context) (*OntologyVersion, error) {
	versions, err := e.store.Versions.ListVersions(ctx)
	if err != nil {
		return nil, wrapError(KindStorageFailure, err, "list versions")
	}
	for _, v := range versions {
		if v.IsSystem {
			return v, nil
		}
	}
	return nil, newError(KindNotFound, "no system ontology version")
}

// ensureVersionMutable rejects schema writes against anything but a
// draft.
func (e *Engine) ensureVersionMutable(ctx context.Context, versionID string) error {
	v, err := e.store.Versions.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v.Status != StatusDraft {
		return newError(KindVersionConflict, "version %d is %s; only drafts accept schema changes", v.Version, v.Status)
	}
	return nil
}

// ensureVersionAppendable is the looser check for additive schema
// writes: drafts always accept them, and so does the current version so
// a freshly bootstrapped graph can grow without a clone cycle.
func (e *Engine) ensureVersionAppendable(ctx context.Context, versionID string) error {
	v, err := e.store.Versions.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v.Status == StatusDraft || v.IsCurrent {
		return nil
	}
	return newError(KindVersionConflict, "version %d is %s; schema additions need a draft or the current version", v.Version, v.Status)
}

// CloneVersion copies a version's classes and properties into a new
// draft. Classes are copied in two passes: insert first, then rebind
// parent pointers through the old-to-new id map so hierarchies survive
// the copy. Property references into the cloned version are dropped;
// cross-version references are not carried.
func (e *Engine) CloneVersion(ctx context.Context, sourceID, actor string) (*OntologyVersion, error) {
	source, err := e.store.Versions.GetVersion(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	versions, err := e.store.Versions.ListVersions(ctx)
	if err != nil {
		return nil, wrapError(KindStorageFailure, err, "list versions")
	}
	next := 1
	for _, v := range versions {
		if v.Version >= next {
			next = v.Version + 1
		}
	}
	clone := &OntologyVersion{
		ID:           newID(),
		Version:      next,
		Status:       StatusDraft,
		ClonedFromID: source.ID,
		Description:  source.Description,
		CreatedBy:    actor,
		CreatedAt:    e.now(),
	}
	if err := e.store.Versions.CreateVersion(ctx, clone); err != nil {
		return nil, wrapError(KindStorageFailure, err, "create cloned version")
	}

	classes, err := e.store.Classes.ListClasses(ctx, source.ID)
	if err != nil {
		return nil, wrapError(KindStorageFailure, err, "list classes for clone")
	}
	idMap := make(map[string]string, len(classes))
	for _, c := range classes {
		dup := *c
		dup.ID = newID()
		dup.VersionID = clone.ID
		dup.CreatedAt = e.now()
		dup.UpdatedAt = dup.CreatedAt
		idMap[c.ID] = dup.ID
		if err := e.store.Classes.CreateClass(ctx, &dup); err != nil {
			return nil, wrapError(KindStorageFailure, err, "clone class %s", c.Name)
		}
	}
	// Second pass: rebind parents now that every new id exists.
	for oldID, cloneID := range idMap {
		orig, err := e.store.Classes.GetClass(ctx, oldID)
		if err != nil {
			return nil, err
		}
		if orig.ParentClassID == "" {
			continue
		}
		mapped, ok := idMap[orig.ParentClassID]
		if !ok {
			continue
		}
		cloned, err := e.store.Classes.GetClass(ctx, cloneID)
		if err != nil {
			return nil, err
		}
		cloned.ParentClassID = mapped
		if err := e.store.Classes.UpdateClass(ctx, cloned); err != nil {
			return nil, wrapError(KindStorageFailure, err, "rebind parent for class %s", cloned.Name)
		}
	}
	for _, c := range classes {
		props, err := e.store.Properties.ListProperties(ctx, c.ID)
		if err != nil {
			return nil, wrapError(KindStorageFailure, err, "list properties for clone")
		}
		for _, p := range props {
			dup := *p
			dup.ID = newID()
			dup.ClassID = idMap[c.ID]
			dup.VersionID = clone.ID
			dup.ReferenceClassID = ""
			dup.CreatedAt = e.now()
			dup.UpdatedAt = dup.CreatedAt
			if err := e.store.Properties.CreateProperty(ctx, &dup); err != nil {
				return nil, wrapError(KindStorageFailure, err, "clone property %s", p.Name)
			}
		}
	}
	e.audit(actor, "ontology.version.clone", "ontology_version", clone.ID, map[string]any{"source_id": source.ID})
	return clone, nil
}

// PublishVersion archives the current version and promotes id in one
// store operation.
func (e *Engine) PublishVersion(ctx context.Context, id, actor string) (*OntologyVersion, error) {
	if _, err := e.store.Versions.GetVersion(ctx, id); err != nil {
		return nil, err
	}
	v, err := e.store.Versions.Publish(ctx, id)
	if err != nil {
		return nil, err
	}
	e.InvalidateDecisions()
	e.audit(actor, "ontology.version.publish", "ontology_version", v.ID, nil)
	return v, nil
}

func (e *Engine) ArchiveVersion(ctx context.Context, id, actor string) (*OntologyVersion, error) {
	v, err := e.store.Versions.GetVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.IsCurrent {
		return nil, newError(KindVersionConflict, "cannot archive the current version")
	}
	v.Status = StatusArchived
	if err := e.store.Versions.UpdateVersion(ctx, v); err != nil {
		return nil, wrapError(KindStorageFailure, err, "archive version")
	}
	e.audit(actor, "ontology.version.archive", "ontology_version", v.ID, nil)
	return v, nil
}

// ===== CLASSES =====

type CreateClassInput struct {
	Name          string
	Description   string
	ParentClassID string
	TenantID      string
	IsAbstract    bool
}

func (e *Engine) CreateClass(ctx context.Context, in CreateClassInput, actor string) (*Class, error) {
	if in.Name == "" {
		return nil, newError(KindInvalidInput, "class name is required")
	}
	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	if in.ParentClassID != "" {
		if _, err := e.store.Classes.GetClass(ctx, in.ParentClassID); err != nil {
			return nil, err
		}
	}
	c := &Class{
		ID:            newID(),
		Name:          in.Name,
		Description:   in.Description,
		ParentClassID: in.ParentClassID,
		VersionID:     current.ID,
		TenantID:      in.TenantID,
		IsAbstract:    in.IsAbstract,
		CreatedAt:     e.now(),
		UpdatedAt:     e.now(),
	}
	if err := e.store.Classes.CreateClass(ctx, c); err != nil {
		return nil, wrapError(KindStorageFailure, err, "create class")
	}
	e.audit(actor, "ontology.class.create", "class", c.ID, nil)
	return c, nil
}

func (e *Engine) GetClass(ctx context.Context, id string) (*Class, error) {
	return e.store.Classes.GetClass(ctx, id)
}

func (e *Engine) ListClasses(ctx context.Context, versionID string) ([]*Class, error) {
	return e.store.Classes.ListClasses(ctx, versionID)
}

type UpdateClassInput struct {
	Name          *string
	Description   *string
	ParentClassID *string
	IsAbstract    *bool
	IsDeprecated  *bool
}

func (e *Engine) UpdateClass(ctx context.Context, id string, in UpdateClassInput, actor string) (*Class, error) {
	c, err := e.store.Classes.GetClass(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.ensureVersionMutable(ctx, c.VersionID); err != nil {
		return nil, err
	}
	if in.Name != nil {
		c.Name = *in.Name
	}
	if in.Description != nil {
		c.Description = *in.Description
	}
	if in.ParentClassID != nil {
		if *in.ParentClassID != "" {
			if err := e.checkClassCycle(ctx, id, *in.ParentClassID); err != nil {
				return nil, err
			}
		}
		c.ParentClassID = *in.ParentClassID
	}
	if in.IsAbstract != nil {
		c.IsAbstract = *in.IsAbstract
	}
	if in.IsDeprecated != nil {
		c.IsDeprecated = *in.IsDeprecated
	}
	c.UpdatedAt = e.now()
	if err := e.store.Classes.UpdateClass(ctx, c); err != nil {
		return nil, wrapError(KindStorageFailure, err, "update class")
	}
	e.InvalidateDecisions()
	e.audit(actor, "ontology.class.update", "class", c.ID, nil)
	return c, nil
}

// checkClassCycle rejects a parent assignment that would make classID
// its own ancestor.
func (e *Engine) checkClassCycle(ctx context.Context, classID, newParentID string) error {
	cursor := newParentID
	for depth := 0; cursor != "" && depth < maxHierarchyDepth; depth++ {
		if cursor == classID {
			return newError(KindInvalidInput, "class hierarchy cycle via %s", newParentID)
		}
		parent, err := e.store.Classes.GetClass(ctx, cursor)
		if err != nil {
			if IsNotFound(err) {
				return err
			}
			return wrapError(KindStorageFailure, err, "walk class hierarchy")
		}
		cursor = parent.ParentClassID
	}
	return nil
}

func (e *Engine) DeleteClass(ctx context.Context, id, actor string) error {
	c, err := e.store.Classes.GetClass(ctx, id)
	if err != nil {
		return err
	}
	if err := e.ensureVersionMutable(ctx, c.VersionID); err != nil {
		return err
	}
	if err := e.store.Classes.DeleteClass(ctx, id); err != nil {
		return err
	}
	e.InvalidateDecisions()
	e.audit(actor, "ontology.class.delete", "class", id, nil)
	return nil
}

// ===== PROPERTIES =====

type CreatePropertyInput struct {
	Name             string
	Description      string
	ClassID          string
	DataType         string
	ReferenceClassID string
	IsRequired       bool
	IsUnique         bool
	IsIndexed        bool
	IsSensitive      bool
	DefaultValue     any
	ValidationRules  *ValidationRules
}

func (e *Engine) CreateProperty(ctx context.Context, in CreatePropertyInput, actor string) (*Property, error) {
	if in.Name == "" || in.ClassID == "" || in.DataType == "" {
		return nil, newError(KindInvalidInput, "property name, class and data type are required")
	}
	class, err := e.store.Classes.GetClass(ctx, in.ClassID)
	if err != nil {
		return nil, err
	}
	if err := e.ensureVersionAppendable(ctx, class.VersionID); err != nil {
		return nil, err
	}
	if in.ValidationRules != nil && in.ValidationRules.Regex != "" {
		if _, err := regexp.Compile(in.ValidationRules.Regex); err != nil {
			return nil, wrapError(KindInvalidInput, err, "invalid regex rule")
		}
	}
	p := &Property{
		ID:               newID(),
		Name:             in.Name,
		Description:      in.Description,
		ClassID:          in.ClassID,
		DataType:         in.DataType,
		ReferenceClassID: in.ReferenceClassID,
		IsRequired:       in.IsRequired,
		IsUnique:         in.IsUnique,
		IsIndexed:        in.IsIndexed,
		IsSensitive:      in.IsSensitive,
		DefaultValue:     in.DefaultValue,
		ValidationRules:  in.ValidationRules,
		VersionID:        class.VersionID,
		CreatedAt:        e.now(),
		UpdatedAt:        e.now(),
	}
	if err := e.store.Properties.CreateProperty(ctx, p); err != nil {
		return nil, wrapError(KindStorageFailure, err, "create property")
	}
	e.audit(actor, "ontology.property.create", "property", p.ID, nil)
	return p, nil
}

func (e *Engine) GetProperty(ctx context.Context, id string) (*Property, error) {
	return e.store.Properties.GetProperty(ctx, id)
}

func (e *Engine) ListProperties(ctx context.Context, classID string) ([]*Property, error) {
	return e.store.Properties.ListProperties(ctx, classID)
}

type UpdatePropertyInput struct {
	Name            *string
	Description     *string
	DataType        *string
	IsRequired      *bool
	IsUnique        *bool
	IsIndexed       *bool
	IsSensitive     *bool
	DefaultValue    any
	ValidationRules *ValidationRules
	IsDeprecated    *bool
}

func (e *Engine) UpdateProperty(ctx context.Context, id string, in UpdatePropertyInput, actor string) (*Property, error) {
	p, err := e.store.Properties.GetProperty(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.ensureVersionMutable(ctx, p.VersionID); err != nil {
		return nil, err
	}
	if in.Name != nil {
		p.Name = *in.Name
	}
	if in.Description != nil {
		p.Description = *in.Description
	}
	if in.DataType != nil {
		p.DataType = *in.DataType
	}
	if in.IsRequired != nil {
		p.IsRequired = *in.IsRequired
	}
	if in.IsUnique != nil {
		p.IsUnique = *in.IsUnique
	}
	if in.IsIndexed != nil {
		p.IsIndexed = *in.IsIndexed
	}
	if in.IsSensitive != nil {
		p.IsSensitive = *in.IsSensitive
	}
	if in.DefaultValue != nil {
		p.DefaultValue = in.DefaultValue
	}
	if in.ValidationRules != nil {
		if in.ValidationRules.Regex != "" {
			if _, err := regexp.Compile(in.ValidationRules.Regex); err != nil {
				return nil, wrapError(KindInvalidInput, err, "invalid regex rule")
			}
		}
		p.ValidationRules = in.ValidationRules
	}
	if in.IsDeprecated != nil {
		p.IsDeprecated = *in.IsDeprecated
	}
	p.UpdatedAt = e.now()
	if err := e.store.Properties.UpdateProperty(ctx, p); err != nil {
		return nil, wrapError(KindStorageFailure, err, "update property")
	}
	e.audit(actor, "ontology.property.update", "property", p.ID, nil)
	return p, nil
}

func (e *Engine) DeleteProperty(ctx context.Context, id, actor string) error {
	p, err := e.store.Properties.GetProperty(ctx, id)
	if err != nil {
		return err
	}
	if err := e.ensureVersionMutable(ctx, p.VersionID); err != nil {
		return err
	}
	if err := e.store.Properties.DeleteProperty(ctx, id); err != nil {
		return err
	}
	e.audit(actor, "ontology.property.delete", "property", id, nil)
	return nil
}

// classProperties collects the non-deprecated properties of a class and
// all its ancestors.
func (e *Engine) classProperties(ctx context.Context, classID string) ([]*Property, error) {
	var out []*Property
	visited := make(map[string]bool)
	cursor := classID
	for depth := 0; cursor != "" && depth < maxHierarchyDepth; depth++ {
		if visited[cursor] {
			break
		}
		visited[cursor] = true
		props, err := e.store.Properties.ListProperties(ctx, cursor)
		if err != nil {
			return nil, wrapError(KindStorageFailure, err, "list properties")
		}
		for _, p := range props {
			if !p.IsDeprecated {
				out = append(out, p)
			}
		}
		class, err := e.store.Classes.GetClass(ctx, cursor)
		if err != nil {
			return nil, err
		}
		cursor = class.ParentClassID
	}
	return out, nil
}

// ===== ENTITIES =====

type CreateEntityInput struct {
	ClassID        string
	DisplayName    string
	ParentEntityID string
	TenantID       string
	Attributes     map[string]any
}

func (e *Engine) CreateEntity(ctx context.Context, in CreateEntityInput, actor string) (*Entity, error) {
	if in.ClassID == "" || in.DisplayName == "" {
		return nil, newError(KindInvalidInput, "entity class and display name are required")
	}
	if _, err := e.store.Classes.GetClass(ctx, in.ClassID); err != nil {
		return nil, err
	}
	if in.ParentEntityID != "" {
		parent, err := e.store.Entities.GetEntity(ctx, in.ParentEntityID)
		if err != nil {
			return nil, err
		}
		// A tenant-agnostic parent accepts children from any tenant; a
		// tenanted parent only accepts its own.
		if parent.TenantID != "" && parent.TenantID != in.TenantID {
			return nil, newError(KindInvalidInput, "parent entity belongs to tenant %q", parent.TenantID)
		}
	}
	attrs := in.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	if err := e.validateEntityAttributes(ctx, in.ClassID, attrs, false); err != nil {
		return nil, err
	}
	// Root entities wait for approval; children inherit their parent's
	// approved context.
	status := ApprovalApproved
	if in.ParentEntityID == "" {
		status = ApprovalPending
	}
	ent := &Entity{
		ID:             newID(),
		ClassID:        in.ClassID,
		DisplayName:    in.DisplayName,
		ParentEntityID: in.ParentEntityID,
		TenantID:       in.TenantID,
		Attributes:     attrs,
		ApprovalStatus: status,
		CreatedBy:      actor,
		UpdatedBy:      actor,
		CreatedAt:      e.now(),
		UpdatedAt:      e.now(),
	}
	if err := e.store.Entities.CreateEntity(ctx, ent); err != nil {
		return nil, wrapError(KindStorageFailure, err, "create entity")
	}
	e.InvalidateDecisions()
	e.audit(actor, "ontology.entity.create", "entity", ent.ID, nil)
	return ent, nil
}

func (e *Engine) GetEntity(ctx context.Context, id string) (*Entity, error) {
	return e.store.Entities.GetEntity(ctx, id)
}

func (e *Engine) ListEntities(ctx context.Context, f EntityFilter) ([]*Entity, error) {
	return e.store.Entities.ListEntities(ctx, f)
}

type UpdateEntityInput struct {
	DisplayName    *string
	ParentEntityID *string
	Attributes     map[string]any
}

func (e *Engine) UpdateEntity(ctx context.Context, id string, in UpdateEntityInput, actor string) (*Entity, error) {
	ent, err := e.store.Entities.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Attributes != nil {
		// Patches merge key-by-key; unmentioned attributes survive. An
		// explicit null clears an optional attribute and is rejected for
		// required ones by validation.
		merged := make(map[string]any, len(ent.Attributes)+len(in.Attributes))
		for k, v := range ent.Attributes {
			merged[k] = v
		}
		for k, v := range in.Attributes {
			merged[k] = v
		}
		if err := e.validateEntityAttributes(ctx, ent.ClassID, merged, true); err != nil {
			return nil, err
		}
		for k, v := range merged {
			if v == nil {
				delete(merged, k)
			}
		}
		ent.Attributes = merged
	}
	if in.DisplayName != nil {
		ent.DisplayName = *in.DisplayName
	}
	if in.ParentEntityID != nil {
		if *in.ParentEntityID != "" {
			if err := e.checkEntityCycle(ctx, id, *in.ParentEntityID); err != nil {
				return nil, err
			}
			parent, err := e.store.Entities.GetEntity(ctx, *in.ParentEntityID)
			if err != nil {
				return nil, err
			}
			if parent.TenantID != "" && parent.TenantID != ent.TenantID {
				return nil, newError(KindInvalidInput, "parent entity belongs to tenant %q", parent.TenantID)
			}
		}
		ent.ParentEntityID = *in.ParentEntityID
	}
	ent.UpdatedBy = actor
	ent.UpdatedAt = e.now()
	if err := e.store.Entities.UpdateEntity(ctx, ent); err != nil {
		return nil, wrapError(KindStorageFailure, err, "update entity")
	}
	e.InvalidateDecisions()
	e.audit(actor, "ontology.entity.update", "entity", ent.ID, nil)
	return ent, nil
}

func (e *Engine) checkEntityCycle(ctx context.Context, entityID, newParentID string) error {
	cursor := newParentID
	for depth := 0; cursor != "" && depth < maxHierarchyDepth; depth++ {
		if cursor == entityID {
			return newError(KindInvalidInput, "entity hierarchy cycle via %s", newParentID)
		}
		parent, err := e.store.Entities.GetEntity(ctx, cursor)
		if err != nil {
			if IsNotFound(err) {
				return err
			}
			return wrapError(KindStorageFailure, err, "walk entity hierarchy")
		}
		cursor = parent.ParentEntityID
	}
	return nil
}

// DeleteEntity soft-deletes; the row survives for audit and revoked
// relationship history.
func (e *Engine) DeleteEntity(ctx context.Context, id, actor string) error {
	ent, err := e.store.Entities.GetEntity(ctx, id)
	if err != nil {
		return err
	}
	now := e.now()
	ent.DeletedAt = &now
	ent.DeletedBy = actor
	if err := e.store.Entities.UpdateEntity(ctx, ent); err != nil {
		return wrapError(KindStorageFailure, err, "delete entity")
	}
	e.InvalidateDecisions()
	e.audit(actor, "ontology.entity.delete", "entity", id, nil)
	return nil
}

func (e *Engine) ApproveEntity(ctx context.Context, id, actor string) (*Entity, error) {
	return e.setApproval(ctx, id, actor, ApprovalApproved)
}

func (e *Engine) RejectEntity(ctx context.Context, id, actor string) (*Entity, error) {
	return e.setApproval(ctx, id, actor, ApprovalRejected)
}

func (e *Engine) setApproval(ctx context.Context, id, actor string, status ApprovalStatus) (*Entity, error) {
	ent, err := e.store.Entities.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	ent.ApprovalStatus = status
	ent.UpdatedBy = actor
	ent.UpdatedAt = e.now()
	if err := e.store.Entities.UpdateEntity(ctx, ent); err != nil {
		return nil, wrapError(KindStorageFailure, err, "update approval")
	}
	e.InvalidateDecisions()
	e.audit(actor, "ontology.entity."+string(status), "entity", id, nil)
	return ent, nil
}

// validateEntityAttributes checks attrs against the property definitions
// of the class hierarchy. On update, a required property may be absent
// from a partial payload but may not be explicitly nulled.
func (e *Engine) validateEntityAttributes(ctx context.Context, classID string, attrs map[string]any, isUpdate bool) error {
	props, err := e.classProperties(ctx, classID)
	if err != nil {
		return err
	}
	for _, prop := range props {
		v, present := attrs[prop.Name]
		if prop.IsRequired && (!present || v == nil) {
			if !isUpdate || present {
				return newError(KindInvalidInput, "property %q is required", prop.Name)
			}
		}
		if !present || v == nil {
			continue
		}
		switch prop.DataType {
		case "string":
			if _, ok := v.(string); !ok {
				return newError(KindInvalidInput, "property %q must be a string", prop.Name)
			}
		case "number", "integer", "float":
			if _, ok := toFloat(v); !ok {
				return newError(KindInvalidInput, "property %q must be a number", prop.Name)
			}
		case "boolean":
			if _, ok := v.(bool); !ok {
				return newError(KindInvalidInput, "property %q must be a boolean", prop.Name)
			}
		}
		if rules := prop.ValidationRules; rules != nil {
			if rules.Regex != "" {
				s, ok := v.(string)
				if ok {
					re, err := regexp.Compile(rules.Regex)
					if err != nil {
						return wrapError(KindInvalidInput, err, "invalid regex rule on %q", prop.Name)
					}
					if !re.MatchString(s) {
						return newError(KindInvalidInput, "property %q does not match pattern", prop.Name)
					}
				}
			}
			if n, ok := toFloat(v); ok {
				if rules.Min != nil && n < *rules.Min {
					return newError(KindInvalidInput, "property %q must be at least %v", prop.Name, *rules.Min)
				}
				if rules.Max != nil && n > *rules.Max {
					return newError(KindInvalidInput, "property %q must be at most %v", prop.Name, *rules.Max)
				}
			}
			if len(rules.Options) > 0 {
				found := false
				for _, opt := range rules.Options {
					if valuesEqual(opt, v) {
						found = true
						break
					}
				}
				if !found {
					return newError(KindInvalidInput, "property %q must be one of the allowed options", prop.Name)
				}
			}
		}
	}
	return nil
}

// ===== GRAPH TRAVERSAL =====

// EntityAncestors returns the chain from the entity's parent up to the
// root, nearest first.
func (e *Engine) EntityAncestors(ctx context.Context, entityID string) ([]*Entity, error) {
	ent, err := e.store.Entities.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	var out []*Entity
	visited := map[string]bool{ent.ID: true}
	cursor := ent.ParentEntityID
	for depth := 0; cursor != "" && depth < maxHierarchyDepth; depth++ {
		if visited[cursor] {
			break
		}
		visited[cursor] = true
		parent, err := e.store.Entities.GetEntity(ctx, cursor)
		if err != nil {
			if IsNotFound(err) {
				break
			}
			return nil, err
		}
		out = append(out, parent)
		cursor = parent.ParentEntityID
	}
	return out, nil
}

// entityScopeIDs is the set an assignment scope is checked against: the
// entity itself, every ancestor, and every entity reachable over
// relationship types flagged grants_permission_inheritance. A document
// attached to a department through such an edge is covered by roles
// scoped to that department.
func (e *Engine) entityScopeIDs(ctx context.Context, entityID string) (map[string]bool, error) {
	inherit, err := e.inheritingTypeIDs(ctx)
	if err != nil {
		return nil, err
	}
	ids := map[string]bool{}
	frontier := []string{entityID}
	for depth := 0; len(frontier) > 0 && depth < maxHierarchyDepth; depth++ {
		var next []string
		for _, id := range frontier {
			if ids[id] {
				continue
			}
			ids[id] = true
			ent, err := e.store.Entities.GetEntity(ctx, id)
			if err != nil {
				if IsNotFound(err) {
					continue
				}
				return nil, err
			}
			if ent.ParentEntityID != "" && !ids[ent.ParentEntityID] {
				next = append(next, ent.ParentEntityID)
			}
			if len(inherit) == 0 {
				continue
			}
			rels, err := e.store.Relationships.ListBySource(ctx, id, "")
			if err != nil {
				return nil, wrapError(KindStorageFailure, err, "list inheritance edges")
			}
			for _, rel := range rels {
				if inherit[rel.TypeID] && !ids[rel.TargetEntityID] {
					next = append(next, rel.TargetEntityID)
				}
			}
		}
		frontier = next
	}
	return ids, nil
}

// inheritingTypeIDs collects relationship types flagged to propagate
// permission coverage across their edges.
func (e *Engine) inheritingTypeIDs(ctx context.Context) (map[string]bool, error) {
	types, err := e.store.RelTypes.ListRelationshipTypes(ctx)
	if err != nil {
		return nil, wrapError(KindStorageFailure, err, "list relationship types")
	}
	out := map[string]bool{}
	for _, t := range types {
		if t.GrantsPermissionInheritance {
			out[t.ID] = true
		}
	}
	return out, nil
}

// EntityDescendants walks the child tree breadth-first, cycle-safe.
func (e *Engine) EntityDescendants(ctx context.Context, entityID string) ([]*Entity, error) {
	if _, err := e.store.Entities.GetEntity(ctx, entityID); err != nil {
		return nil, err
	}
	var out []*Entity
	visited := map[string]bool{entityID: true}
	frontier := []string{entityID}
	for depth := 0; len(frontier) > 0 && depth < maxHierarchyDepth; depth++ {
		var next []string
		for _, id := range frontier {
			children, err := e.store.Entities.ListChildren(ctx, id)
			if err != nil {
				return nil, wrapError(KindStorageFailure, err, "list children")
			}
			for _, c := range children {
				if visited[c.ID] {
					continue
				}
				visited[c.ID] = true
				out = append(out, c)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return out, nil
}

// ===== RELATIONSHIPS =====

type CreateRelationshipTypeInput struct {
	Name                        string
	Description                 string
	SourceClassID               string
	TargetClassID               string
	GrantsPermissionInheritance bool
}

func (e *Engine) CreateRelationshipType(ctx context.Context, in CreateRelationshipTypeInput, actor string) (*RelationshipType, error) {
	if in.Name == "" {
		return nil, newError(KindInvalidInput, "relationship type name is required")
	}
	if existing, err := e.store.RelTypes.GetRelationshipTypeByName(ctx, in.Name); err == nil {
		return existing, nil
	}
	t := &RelationshipType{
		ID:                          newID(),
		Name:                        in.Name,
		Description:                 in.Description,
		SourceClassID:               in.SourceClassID,
		TargetClassID:               in.TargetClassID,
		GrantsPermissionInheritance: in.GrantsPermissionInheritance,
		CreatedAt:                   e.now(),
	}
	if err := e.store.RelTypes.CreateRelationshipType(ctx, t); err != nil {
		return nil, wrapError(KindStorageFailure, err, "create relationship type")
	}
	e.audit(actor, "ontology.reltype.create", "relationship_type", t.ID, nil)
	return t, nil
}

func (e *Engine) ListRelationshipTypes(ctx context.Context) ([]*RelationshipType, error) {
	return e.store.RelTypes.ListRelationshipTypes(ctx)
}

type CreateRelationshipInput struct {
	SourceEntityID   string
	TargetEntityID   string
	RelationshipType string
	Metadata         Metadata
}

// CreateRelationship upserts the edge (source, target, type); re-linking
// the same pair replaces the metadata rather than stacking duplicates.
func (e *Engine) CreateRelationship(ctx context.Context, in CreateRelationshipInput, actor string) (*Relationship, error) {
	relType, err := e.store.RelTypes.GetRelationshipTypeByName(ctx, in.RelationshipType)
	if err != nil {
		return nil, newError(KindInvalidInput, "relationship type %q not found", in.RelationshipType)
	}
	if _, err := e.store.Entities.GetEntity(ctx, in.SourceEntityID); err != nil {
		return nil, err
	}
	if _, err := e.store.Entities.GetEntity(ctx, in.TargetEntityID); err != nil {
		return nil, err
	}
	if expr := in.Metadata.String(MetaScheduleCron); expr != "" {
		if err := ValidateCron(expr); err != nil {
			return nil, err
		}
	}
	rel := &Relationship{
		ID:             newID(),
		SourceEntityID: in.SourceEntityID,
		TargetEntityID: in.TargetEntityID,
		TypeID:         relType.ID,
		Metadata:       in.Metadata.Clone(),
		CreatedBy:      actor,
		CreatedAt:      e.now(),
	}
	if err := e.store.Relationships.UpsertRelationship(ctx, rel); err != nil {
		return nil, wrapError(KindStorageFailure, err, "upsert relationship")
	}
	e.InvalidateDecisions()
	e.audit(actor, "ontology.relationship.create", "relationship", rel.ID, map[string]any{
		"type":   in.RelationshipType,
		"source": in.SourceEntityID,
		"target": in.TargetEntityID,
	})
	return rel, nil
}

// EntityRelationships lists edges touching an entity. Direction is
// "outgoing", "incoming" or "both" (the default). Edges whose far
// endpoint has been soft-deleted are filtered out.
func (e *Engine) EntityRelationships(ctx context.Context, entityID, direction string) ([]*Relationship, error) {
	if direction == "" {
		direction = "both"
	}
	liveEndpoint := func(id string) (bool, error) {
		if _, err := e.store.Entities.GetEntity(ctx, id); err != nil {
			if IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	var out []*Relationship
	if direction == "outgoing" || direction == "both" {
		rels, err := e.store.Relationships.ListBySource(ctx, entityID, "")
		if err != nil {
			return nil, wrapError(KindStorageFailure, err, "list outgoing relationships")
		}
		for _, rel := range rels {
			live, err := liveEndpoint(rel.TargetEntityID)
			if err != nil {
				return nil, err
			}
			if live {
				out = append(out, rel)
			}
		}
	}
	if direction == "incoming" || direction == "both" {
		rels, err := e.store.Relationships.ListByTarget(ctx, entityID, "")
		if err != nil {
			return nil, wrapError(KindStorageFailure, err, "list incoming relationships")
		}
		for _, rel := range rels {
			live, err := liveEndpoint(rel.SourceEntityID)
			if err != nil {
				return nil, err
			}
			if live {
				out = append(out, rel)
			}
		}
	}
	return out, nil
}

func (e *Engine) DeleteRelationship(ctx context.Context, id, actor string) error {
	if err := e.store.Relationships.DeleteRelationship(ctx, id); err != nil {
		return err
	}
	e.InvalidateDecisions()
	e.audit(actor, "ontology.relationship.delete", "relationship", id, nil)
	return nil
}

// relTypeID resolves a well-known relationship type name, tolerating a
// graph that has not seeded it yet.
func (e *Engine) relTypeID(ctx context.Context, name string) (string, error) {
	t, err := e.store.RelTypes.GetRelationshipTypeByName(ctx, name)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}
