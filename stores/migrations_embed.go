package stores

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/rebac"
)

//go:embed sql_migrations.sql
var migrationsSQL string

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(db *squealx.DB) error {
	if _, err := db.ExecContext(context.Background(), migrationsSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// NewSQLStores wires every engine store onto one database handle.
func NewSQLStores(db *squealx.DB) rebac.Stores {
	return rebac.Stores{
		Versions:      NewSQLVersionStore(db),
		Classes:       NewSQLClassStore(db),
		Properties:    NewSQLPropertyStore(db),
		Entities:      NewSQLEntityStore(db),
		RelTypes:      NewSQLRelationshipTypeStore(db),
		Relationships: NewSQLRelationshipStore(db),
		Policies:      NewSQLPolicyStore(db),
		Sessions:      NewSQLSessionStore(db),
		EvalLog:       NewSQLEvaluationLogStore(db),
	}
}

// OpenSQLite opens (and migrates) a sqlite database; dsn ":memory:"
// gives an ephemeral one for tests and tooling.
func OpenSQLite(dsn string) (*squealx.DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db := squealx.NewDb(sqlDB, "sqlite", dsn)
	if err := Migrate(db); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}
