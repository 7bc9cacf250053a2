package store

import (
	"context"
	"fmt"
	"strings"

	"lattice-backend/internal/metadata"
)

type Migrator struct {
	store *Store
}

func NewMigrator(store *Store) *Migrator {
	return &Migrator{store: store}
}

// Migrate ensures the table matches the entity metadata: creates it if
// missing, otherwise adds any missing columns. Every entity table gets the
// reserved attributes column holding the record's scoping tag set, and a
// deleted_at column when soft delete (archive/restore) is enabled.
func (m *Migrator) Migrate(ctx context.Context, entity *metadata.Entity) error {
	if entity.System {
		// System tables are provisioned by Bootstrap, never migrated here.
		return nil
	}

	exists, err := m.tableExists(ctx, entity.Table)
	if err != nil {
		return fmt.Errorf("check table exists: %w", err)
	}

	if !exists {
		return m.createTable(ctx, entity)
	}
	return m.alterTable(ctx, entity)
}

func (m *Migrator) tableExists(ctx context.Context, tableName string) (bool, error) {
	var exists bool
	err := m.store.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1 AND table_schema = 'public')`,
		tableName,
	).Scan(&exists)
	return exists, err
}

func (m *Migrator) createTable(ctx context.Context, entity *metadata.Entity) error {
	var cols []string
	for i := range entity.Fields {
		cols = append(cols, m.buildColumnDef(entity, &entity.Fields[i]))
	}
	cols = append(cols, fmt.Sprintf("%s JSONB NOT NULL DEFAULT '[]'", metadata.AttributesField))
	if entity.SoftDelete {
		cols = append(cols, "deleted_at TIMESTAMPTZ")
	}

	sql := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", entity.Table, strings.Join(cols, ",\n  "))
	if _, err := m.store.Pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("create table %s: %w", entity.Table, err)
	}

	if entity.SoftDelete {
		idx := fmt.Sprintf("CREATE INDEX idx_%s_deleted_at ON %s(deleted_at) WHERE deleted_at IS NULL",
			entity.Table, entity.Table)
		if _, err := m.store.Pool.Exec(ctx, idx); err != nil {
			return fmt.Errorf("create soft-delete index for %s: %w", entity.Table, err)
		}
	}
	return nil
}

func (m *Migrator) alterTable(ctx context.Context, entity *metadata.Entity) error {
	existing, err := m.getColumns(ctx, entity.Table)
	if err != nil {
		return fmt.Errorf("get columns for %s: %w", entity.Table, err)
	}

	for i := range entity.Fields {
		f := &entity.Fields[i]
		if _, ok := existing[f.Name]; ok {
			continue
		}
		sql := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", entity.Table, f.Name, f.PostgresType())
		if _, err := m.store.Pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("add column %s.%s: %w", entity.Table, f.Name, err)
		}
	}

	if _, ok := existing[metadata.AttributesField]; !ok {
		sql := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s JSONB NOT NULL DEFAULT '[]'",
			entity.Table, metadata.AttributesField)
		if _, err := m.store.Pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("add attributes column to %s: %w", entity.Table, err)
		}
	}

	if entity.SoftDelete {
		if _, ok := existing["deleted_at"]; !ok {
			sql := fmt.Sprintf("ALTER TABLE %s ADD COLUMN deleted_at TIMESTAMPTZ", entity.Table)
			if _, err := m.store.Pool.Exec(ctx, sql); err != nil {
				return fmt.Errorf("add deleted_at column to %s: %w", entity.Table, err)
			}
		}
	}
	return nil
}

func (m *Migrator) getColumns(ctx context.Context, tableName string) (map[string]string, error) {
	rows, err := m.store.Pool.Query(ctx,
		`SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1 AND table_schema = 'public'`,
		tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		cols[name] = dataType
	}
	return cols, rows.Err()
}

func (m *Migrator) buildColumnDef(entity *metadata.Entity, f *metadata.Field) string {
	var b strings.Builder
	b.WriteString(f.Name)
	b.WriteString(" ")
	b.WriteString(f.PostgresType())

	if f.Name == entity.PrimaryKey.Field {
		b.WriteString(" PRIMARY KEY")
		if entity.PrimaryKey.Generated && entity.PrimaryKey.Type == "uuid" {
			b.WriteString(" DEFAULT gen_random_uuid()")
		}
		return b.String()
	}

	if f.Required && !f.Nullable {
		b.WriteString(" NOT NULL")
	}
	if f.Unique {
		b.WriteString(" UNIQUE")
	}
	if f.Auto == "create" || f.Auto == "update" {
		b.WriteString(" DEFAULT NOW()")
	}
	return b.String()
}
