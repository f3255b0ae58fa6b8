package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rebac"
)

// SQLVersionStore persists ontology versions in SQL.
type SQLVersionStore struct {
	db *squealx.DB
}

func NewSQLVersionStore(db *squealx.DB) *SQLVersionStore {
	return &SQLVersionStore{db: db}
}

func (s *SQLVersionStore) CreateVersion(ctx context.Context, v *rebac.OntologyVersion) error {
	q := `INSERT INTO ontology_versions(id, version, status, is_current, is_system, cloned_from_id, description, created_by, created_at)
VALUES(:id, :version, :status, :is_current, :is_system, :cloned_from_id, :description, :created_by, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":             v.ID,
		"version":        v.Version,
		"status":         string(v.Status),
		"is_current":     boolToInt(v.IsCurrent),
		"is_system":      boolToInt(v.IsSystem),
		"cloned_from_id": v.ClonedFromID,
		"description":    v.Description,
		"created_by":     v.CreatedBy,
		"created_at":     v.CreatedAt.Format(time.RFC3339Nano),
	})
	return err
}

const versionColumns = `id, version, status, is_current, is_system, cloned_from_id, description, created_by, created_at`

func scanVersion(r rowScanner) (*rebac.OntologyVersion, error) {
	var v rebac.OntologyVersion
	var status string
	var isCurrent, isSystem int
	var createdRaw any
	if err := r.Scan(&v.ID, &v.Version, &status, &isCurrent, &isSystem, &v.ClonedFromID, &v.Description, &v.CreatedBy, &createdRaw); err != nil {
		return nil, err
	}
	v.Status = rebac.VersionStatus(status)
	v.IsCurrent = isCurrent != 0
	v.IsSystem = isSystem != 0
	v.CreatedAt = scanTime(createdRaw)
	return &v, nil
}

func (s *SQLVersionStore) GetVersion(ctx context.Context, id string) (*rebac.OntologyVersion, error) {
	q := `SELECT ` + versionColumns + ` FROM ontology_versions WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, rebac.NewError(rebac.KindNotFound, "version %s not found", id)
	}
	return scanVersion(r)
}

func (s *SQLVersionStore) ListVersions(ctx context.Context) ([]*rebac.OntologyVersion, error) {
	q := `SELECT ` + versionColumns + ` FROM ontology_versions ORDER BY version ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rebac.OntologyVersion, 0)
	for r.Next() {
		v, err := scanVersion(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *SQLVersionStore) UpdateVersion(ctx context.Context, v *rebac.OntologyVersion) error {
	q := `UPDATE ontology_versions SET version = :version, status = :status, is_current = :is_current, is_system = :is_system, cloned_from_id = :cloned_from_id, description = :description, created_by = :created_by WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":             v.ID,
		"version":        v.Version,
		"status":         string(v.Status),
		"is_current":     boolToInt(v.IsCurrent),
		"is_system":      boolToInt(v.IsSystem),
		"cloned_from_id": v.ClonedFromID,
		"description":    v.Description,
		"created_by":     v.CreatedBy,
	})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return rebac.NewError(rebac.KindNotFound, "version %s not found", v.ID)
	}
	return nil
}

// Publish archives the current version and promotes id in one
// statement, so readers never see zero or two current versions.
func (s *SQLVersionStore) Publish(ctx context.Context, id string) (*rebac.OntologyVersion, error) {
	if _, err := s.GetVersion(ctx, id); err != nil {
		return nil, err
	}
	q := `UPDATE ontology_versions SET
		status = CASE WHEN id = :id THEN 'PUBLISHED' ELSE 'ARCHIVED' END,
		is_current = CASE WHEN id = :id THEN 1 ELSE 0 END
	WHERE id = :id OR is_current = 1`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id}); err != nil {
		return nil, err
	}
	return s.GetVersion(ctx, id)
}

// SQLClassStore persists ontology classes in SQL.
type SQLClassStore struct {
	db *squealx.DB
}

func NewSQLClassStore(db *squealx.DB) *SQLClassStore {
	return &SQLClassStore{db: db}
}

const classColumns = `id, name, description, parent_class_id, version_id, tenant_id, is_abstract, is_deprecated, created_at, updated_at`

func classArgs(c *rebac.Class) map[string]any {
	return map[string]any{
		"id":              c.ID,
		"name":            c.Name,
		"description":     c.Description,
		"parent_class_id": c.ParentClassID,
		"version_id":      c.VersionID,
		"tenant_id":       c.TenantID,
		"is_abstract":     boolToInt(c.IsAbstract),
		"is_deprecated":   boolToInt(c.IsDeprecated),
		"created_at":      c.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":      c.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func scanClass(r rowScanner) (*rebac.Class, error) {
	var c rebac.Class
	var isAbstract, isDeprecated int
	var createdRaw, updatedRaw any
	if err := r.Scan(&c.ID, &c.Name, &c.Description, &c.ParentClassID, &c.VersionID, &c.TenantID, &isAbstract, &isDeprecated, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	c.IsAbstract = isAbstract != 0
	c.IsDeprecated = isDeprecated != 0
	c.CreatedAt = scanTime(createdRaw)
	c.UpdatedAt = scanTime(updatedRaw)
	return &c, nil
}

func (s *SQLClassStore) CreateClass(ctx context.Context, c *rebac.Class) error {
	q := `INSERT INTO classes(` + classColumns + `)
VALUES(:id, :name, :description, :parent_class_id, :version_id, :tenant_id, :is_abstract, :is_deprecated, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, classArgs(c))
	return err
}

func (s *SQLClassStore) GetClass(ctx context.Context, id string) (*rebac.Class, error) {
	q := `SELECT ` + classColumns + ` FROM classes WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, rebac.NewError(rebac.KindNotFound, "class %s not found", id)
	}
	return scanClass(r)
}

func (s *SQLClassStore) GetClassByName(ctx context.Context, versionID, name string) (*rebac.Class, error) {
	q := `SELECT ` + classColumns + ` FROM classes WHERE version_id = :version_id AND name = :name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"version_id": versionID, "name": name})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, rebac.NewError(rebac.KindNotFound, "class %s not found in version %s", name, versionID)
	}
	return scanClass(r)
}

func (s *SQLClassStore) ListClasses(ctx context.Context, versionID string) ([]*rebac.Class, error) {
	q := `SELECT ` + classColumns + ` FROM classes`
	params := map[string]any{}
	if versionID != "" {
		q += ` WHERE version_id = :version_id`
		params["version_id"] = versionID
	}
	q += ` ORDER BY name ASC`
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rebac.Class, 0)
	for r.Next() {
		c, err := scanClass(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *SQLClassStore) UpdateClass(ctx context.Context, c *rebac.Class) error {
	q := `UPDATE classes SET name = :name, description = :description, parent_class_id = :parent_class_id, version_id = :version_id, tenant_id = :tenant_id, is_abstract = :is_abstract, is_deprecated = :is_deprecated, updated_at = :updated_at WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, classArgs(c))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return rebac.NewError(rebac.KindNotFound, "class %s not found", c.ID)
	}
	return nil
}

func (s *SQLClassStore) DeleteClass(ctx context.Context, id string) error {
	_, err := s.db.NamedExecContext(ctx, `DELETE FROM classes WHERE id = :id`, map[string]any{"id": id})
	return err
}

// SQLPropertyStore persists class properties in SQL.
type SQLPropertyStore struct {
	db *squealx.DB
}

func NewSQLPropertyStore(db *squealx.DB) *SQLPropertyStore {
	return &SQLPropertyStore{db: db}
}

const propertyColumns = `id, name, description, class_id, data_type, reference_class_id, is_required, is_unique, is_indexed, is_sensitive, default_value_json, validation_rules_json, version_id, is_deprecated, created_at, updated_at`

func propertyArgs(p *rebac.Property) map[string]any {
	return map[string]any{
		"id":                    p.ID,
		"name":                  p.Name,
		"description":           p.Description,
		"class_id":              p.ClassID,
		"data_type":             p.DataType,
		"reference_class_id":    p.ReferenceClassID,
		"is_required":           boolToInt(p.IsRequired),
		"is_unique":             boolToInt(p.IsUnique),
		"is_indexed":            boolToInt(p.IsIndexed),
		"is_sensitive":          boolToInt(p.IsSensitive),
		"default_value_json":    marshalJSON(p.DefaultValue),
		"validation_rules_json": marshalJSON(p.ValidationRules),
		"version_id":            p.VersionID,
		"is_deprecated":         boolToInt(p.IsDeprecated),
		"created_at":            p.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":            p.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func scanProperty(r rowScanner) (*rebac.Property, error) {
	var p rebac.Property
	var isRequired, isUnique, isIndexed, isSensitive, isDeprecated int
	var defaultJSON, rulesJSON string
	var createdRaw, updatedRaw any
	if err := r.Scan(&p.ID, &p.Name, &p.Description, &p.ClassID, &p.DataType, &p.ReferenceClassID,
		&isRequired, &isUnique, &isIndexed, &isSensitive, &defaultJSON, &rulesJSON,
		&p.VersionID, &isDeprecated, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	p.IsRequired = isRequired != 0
	p.IsUnique = isUnique != 0
	p.IsIndexed = isIndexed != 0
	p.IsSensitive = isSensitive != 0
	p.IsDeprecated = isDeprecated != 0
	unmarshalJSON(defaultJSON, &p.DefaultValue)
	if rulesJSON != "" && rulesJSON != "null" {
		p.ValidationRules = &rebac.ValidationRules{}
		unmarshalJSON(rulesJSON, p.ValidationRules)
	}
	p.CreatedAt = scanTime(createdRaw)
	p.UpdatedAt = scanTime(updatedRaw)
	return &p, nil
}

func (s *SQLPropertyStore) CreateProperty(ctx context.Context, p *rebac.Property) error {
	q := `INSERT INTO properties(` + propertyColumns + `)
VALUES(:id, :name, :description, :class_id, :data_type, :reference_class_id, :is_required, :is_unique, :is_indexed, :is_sensitive, :default_value_json, :validation_rules_json, :version_id, :is_deprecated, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, propertyArgs(p))
	return err
}

func (s *SQLPropertyStore) GetProperty(ctx context.Context, id string) (*rebac.Property, error) {
	q := `SELECT ` + propertyColumns + ` FROM properties WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, rebac.NewError(rebac.KindNotFound, "property %s not found", id)
	}
	return scanProperty(r)
}

func (s *SQLPropertyStore) ListProperties(ctx context.Context, classID string) ([]*rebac.Property, error) {
	q := `SELECT ` + propertyColumns + ` FROM properties`
	params := map[string]any{}
	if classID != "" {
		q += ` WHERE class_id = :class_id`
		params["class_id"] = classID
	}
	q += ` ORDER BY name ASC`
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rebac.Property, 0)
	for r.Next() {
		p, err := scanProperty(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SQLPropertyStore) UpdateProperty(ctx context.Context, p *rebac.Property) error {
	q := `UPDATE properties SET name = :name, description = :description, class_id = :class_id, data_type = :data_type, reference_class_id = :reference_class_id, is_required = :is_required, is_unique = :is_unique, is_indexed = :is_indexed, is_sensitive = :is_sensitive, default_value_json = :default_value_json, validation_rules_json = :validation_rules_json, version_id = :version_id, is_deprecated = :is_deprecated, updated_at = :updated_at WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, propertyArgs(p))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return rebac.NewError(rebac.KindNotFound, "property %s not found", p.ID)
	}
	return nil
}

func (s *SQLPropertyStore) DeleteProperty(ctx context.Context, id string) error {
	_, err := s.db.NamedExecContext(ctx, `DELETE FROM properties WHERE id = :id`, map[string]any{"id": id})
	return err
}

// SQLEntityStore persists graph entities in SQL. Deletes are soft;
// reads exclude deleted rows.
type SQLEntityStore struct {
	db *squealx.DB
}

func NewSQLEntityStore(db *squealx.DB) *SQLEntityStore {
	return &SQLEntityStore{db: db}
}

const entityColumns = `id, class_id, display_name, parent_entity_id, tenant_id, attributes_json, approval_status, created_by, updated_by, deleted_by, created_at, updated_at, deleted_at`

func entityArgs(e *rebac.Entity) map[string]any {
	return map[string]any{
		"id":               e.ID,
		"class_id":         e.ClassID,
		"display_name":     e.DisplayName,
		"parent_entity_id": e.ParentEntityID,
		"tenant_id":        e.TenantID,
		"attributes_json":  marshalJSON(e.Attributes),
		"approval_status":  string(e.ApprovalStatus),
		"created_by":       e.CreatedBy,
		"updated_by":       e.UpdatedBy,
		"deleted_by":       e.DeletedBy,
		"created_at":       e.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":       e.UpdatedAt.Format(time.RFC3339Nano),
		"deleted_at":       timePtrOrNil(e.DeletedAt),
	}
}

func scanEntity(r rowScanner) (*rebac.Entity, error) {
	var e rebac.Entity
	var attrsJSON, approval string
	var createdRaw, updatedRaw, deletedRaw any
	if err := r.Scan(&e.ID, &e.ClassID, &e.DisplayName, &e.ParentEntityID, &e.TenantID, &attrsJSON, &approval,
		&e.CreatedBy, &e.UpdatedBy, &e.DeletedBy, &createdRaw, &updatedRaw, &deletedRaw); err != nil {
		return nil, err
	}
	unmarshalJSON(attrsJSON, &e.Attributes)
	e.ApprovalStatus = rebac.ApprovalStatus(approval)
	e.CreatedAt = scanTime(createdRaw)
	e.UpdatedAt = scanTime(updatedRaw)
	e.DeletedAt = scanTimePtr(deletedRaw)
	return &e, nil
}

func (s *SQLEntityStore) CreateEntity(ctx context.Context, e *rebac.Entity) error {
	q := `INSERT INTO entities(` + entityColumns + `)
VALUES(:id, :class_id, :display_name, :parent_entity_id, :tenant_id, :attributes_json, :approval_status, :created_by, :updated_by, :deleted_by, :created_at, :updated_at, :deleted_at)`
	_, err := s.db.NamedExecContext(ctx, q, entityArgs(e))
	return err
}

func (s *SQLEntityStore) GetEntity(ctx context.Context, id string) (*rebac.Entity, error) {
	q := `SELECT ` + entityColumns + ` FROM entities WHERE id = :id AND deleted_at IS NULL`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, rebac.NewError(rebac.KindNotFound, "entity %s not found", id)
	}
	return scanEntity(r)
}

func (s *SQLEntityStore) ListEntities(ctx context.Context, f rebac.EntityFilter) ([]*rebac.Entity, error) {
	q := `SELECT ` + entityColumns + ` FROM entities WHERE deleted_at IS NULL`
	params := map[string]any{}
	if f.ClassID != "" {
		q += ` AND class_id = :class_id`
		params["class_id"] = f.ClassID
	}
	if f.TenantID != "" {
		q += ` AND tenant_id = :tenant_id`
		params["tenant_id"] = f.TenantID
	}
	if f.RootOnly != nil {
		if *f.RootOnly {
			q += ` AND (parent_entity_id IS NULL OR parent_entity_id = '')`
		} else {
			q += ` AND parent_entity_id IS NOT NULL AND parent_entity_id != ''`
		}
	}
	q += ` ORDER BY display_name ASC`
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rebac.Entity, 0)
	for r.Next() {
		e, err := scanEntity(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *SQLEntityStore) UpdateEntity(ctx context.Context, e *rebac.Entity) error {
	q := `UPDATE entities SET class_id = :class_id, display_name = :display_name, parent_entity_id = :parent_entity_id, tenant_id = :tenant_id, attributes_json = :attributes_json, approval_status = :approval_status, updated_by = :updated_by, deleted_by = :deleted_by, updated_at = :updated_at, deleted_at = :deleted_at WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, entityArgs(e))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return rebac.NewError(rebac.KindNotFound, "entity %s not found", e.ID)
	}
	return nil
}

func (s *SQLEntityStore) ListChildren(ctx context.Context, id string) ([]*rebac.Entity, error) {
	q := `SELECT ` + entityColumns + ` FROM entities WHERE parent_entity_id = :parent AND deleted_at IS NULL ORDER BY display_name ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"parent": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rebac.Entity, 0)
	for r.Next() {
		e, err := scanEntity(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
