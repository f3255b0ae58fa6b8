package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rebac"
)

// SQLRelationshipTypeStore persists relationship types in SQL.
type SQLRelationshipTypeStore struct {
	db *squealx.DB
}

func NewSQLRelationshipTypeStore(db *squealx.DB) *SQLRelationshipTypeStore {
	return &SQLRelationshipTypeStore{db: db}
}

const relTypeColumns = `id, name, description, source_class_id, target_class_id, grants_permission_inheritance, created_at`

func scanRelType(r rowScanner) (*rebac.RelationshipType, error) {
	var t rebac.RelationshipType
	var inherit int
	var createdRaw any
	if err := r.Scan(&t.ID, &t.Name, &t.Description, &t.SourceClassID, &t.TargetClassID, &inherit, &createdRaw); err != nil {
		return nil, err
	}
	t.GrantsPermissionInheritance = inherit != 0
	t.CreatedAt = scanTime(createdRaw)
	return &t, nil
}

func (s *SQLRelationshipTypeStore) CreateRelationshipType(ctx context.Context, t *rebac.RelationshipType) error {
	q := `INSERT INTO relationship_types(` + relTypeColumns + `)
VALUES(:id, :name, :description, :source_class_id, :target_class_id, :grants_permission_inheritance, :created_at)
ON CONFLICT(name) DO NOTHING`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                            t.ID,
		"name":                          t.Name,
		"description":                   t.Description,
		"source_class_id":               t.SourceClassID,
		"target_class_id":               t.TargetClassID,
		"grants_permission_inheritance": boolToInt(t.GrantsPermissionInheritance),
		"created_at":                    t.CreatedAt.Format(time.RFC3339Nano),
	})
	return err
}

func (s *SQLRelationshipTypeStore) GetRelationshipTypeByName(ctx context.Context, name string) (*rebac.RelationshipType, error) {
	q := `SELECT ` + relTypeColumns + ` FROM relationship_types WHERE name = :name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, rebac.NewError(rebac.KindNotFound, "relationship type %s not found", name)
	}
	return scanRelType(r)
}

func (s *SQLRelationshipTypeStore) ListRelationshipTypes(ctx context.Context) ([]*rebac.RelationshipType, error) {
	q := `SELECT ` + relTypeColumns + ` FROM relationship_types ORDER BY name ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rebac.RelationshipType, 0)
	for r.Next() {
		t, err := scanRelType(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// SQLRelationshipStore persists graph edges in SQL. Upserts key on
// (source, target, type) and keep the original edge ID and timestamp.
type SQLRelationshipStore struct {
	db *squealx.DB
}

func NewSQLRelationshipStore(db *squealx.DB) *SQLRelationshipStore {
	return &SQLRelationshipStore{db: db}
}

const relColumns = `id, source_entity_id, target_entity_id, relationship_type_id, metadata_json, created_by, created_at`

func scanRelationship(r rowScanner) (*rebac.Relationship, error) {
	var rel rebac.Relationship
	var metaJSON string
	var createdRaw any
	if err := r.Scan(&rel.ID, &rel.SourceEntityID, &rel.TargetEntityID, &rel.TypeID, &metaJSON, &rel.CreatedBy, &createdRaw); err != nil {
		return nil, err
	}
	unmarshalJSON(metaJSON, &rel.Metadata)
	rel.CreatedAt = scanTime(createdRaw)
	return &rel, nil
}

func (s *SQLRelationshipStore) UpsertRelationship(ctx context.Context, rel *rebac.Relationship) error {
	q := `SELECT id, created_at FROM relationships WHERE source_entity_id = :source AND target_entity_id = :target AND relationship_type_id = :type`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{
		"source": rel.SourceEntityID,
		"target": rel.TargetEntityID,
		"type":   rel.TypeID,
	})
	if err != nil {
		return err
	}
	if r.Next() {
		var existingID string
		var createdRaw any
		if err := r.Scan(&existingID, &createdRaw); err != nil {
			r.Close()
			return err
		}
		r.Close()
		rel.ID = existingID
		rel.CreatedAt = scanTime(createdRaw)
		uq := `UPDATE relationships SET metadata_json = :metadata_json, created_by = :created_by WHERE id = :id`
		_, err = s.db.NamedExecContext(ctx, uq, map[string]any{
			"id":            rel.ID,
			"metadata_json": marshalJSON(rel.Metadata),
			"created_by":    rel.CreatedBy,
		})
		return err
	}
	r.Close()
	iq := `INSERT INTO relationships(` + relColumns + `)
VALUES(:id, :source_entity_id, :target_entity_id, :relationship_type_id, :metadata_json, :created_by, :created_at)`
	_, err = s.db.NamedExecContext(ctx, iq, map[string]any{
		"id":                   rel.ID,
		"source_entity_id":     rel.SourceEntityID,
		"target_entity_id":     rel.TargetEntityID,
		"relationship_type_id": rel.TypeID,
		"metadata_json":        marshalJSON(rel.Metadata),
		"created_by":           rel.CreatedBy,
		"created_at":           rel.CreatedAt.Format(time.RFC3339Nano),
	})
	return err
}

func (s *SQLRelationshipStore) GetRelationship(ctx context.Context, id string) (*rebac.Relationship, error) {
	q := `SELECT ` + relColumns + ` FROM relationships WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, rebac.NewError(rebac.KindNotFound, "relationship %s not found", id)
	}
	return scanRelationship(r)
}

func (s *SQLRelationshipStore) UpdateRelationship(ctx context.Context, rel *rebac.Relationship) error {
	q := `UPDATE relationships SET source_entity_id = :source_entity_id, target_entity_id = :target_entity_id, relationship_type_id = :relationship_type_id, metadata_json = :metadata_json, created_by = :created_by WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                   rel.ID,
		"source_entity_id":     rel.SourceEntityID,
		"target_entity_id":     rel.TargetEntityID,
		"relationship_type_id": rel.TypeID,
		"metadata_json":        marshalJSON(rel.Metadata),
		"created_by":           rel.CreatedBy,
	})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return rebac.NewError(rebac.KindNotFound, "relationship %s not found", rel.ID)
	}
	return nil
}

func (s *SQLRelationshipStore) DeleteRelationship(ctx context.Context, id string) error {
	_, err := s.db.NamedExecContext(ctx, `DELETE FROM relationships WHERE id = :id`, map[string]any{"id": id})
	return err
}

func (s *SQLRelationshipStore) listRelationships(ctx context.Context, where string, params map[string]any) ([]*rebac.Relationship, error) {
	q := `SELECT ` + relColumns + ` FROM relationships WHERE ` + where
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rebac.Relationship, 0)
	for r.Next() {
		rel, err := scanRelationship(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, nil
}

func (s *SQLRelationshipStore) ListBySource(ctx context.Context, sourceID, typeID string) ([]*rebac.Relationship, error) {
	where := `source_entity_id = :source`
	params := map[string]any{"source": sourceID}
	if typeID != "" {
		where += ` AND relationship_type_id = :type`
		params["type"] = typeID
	}
	return s.listRelationships(ctx, where, params)
}

func (s *SQLRelationshipStore) ListByTarget(ctx context.Context, targetID, typeID string) ([]*rebac.Relationship, error) {
	where := `target_entity_id = :target`
	params := map[string]any{"target": targetID}
	if typeID != "" {
		where += ` AND relationship_type_id = :type`
		params["type"] = typeID
	}
	return s.listRelationships(ctx, where, params)
}

func (s *SQLRelationshipStore) ListByType(ctx context.Context, typeID string) ([]*rebac.Relationship, error) {
	return s.listRelationships(ctx, `relationship_type_id = :type`, map[string]any{"type": typeID})
}
