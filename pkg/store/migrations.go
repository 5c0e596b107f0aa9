package store

import (
	"context"
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// migrate applies all schema migrations in order. Each migration is
// numbered, runs in its own transaction, and is recorded in the
// schema_migrations ledger; failures propagate instead of being
// swallowed.
func (s *store) migrate(ctx context.Context) error {
	options := &gormigrate.Options{
		TableName:                 "schema_migrations",
		IDColumnName:              "id",
		IDColumnSize:              255,
		UseTransaction:            true,
		ValidateUnknownMigrations: true,
	}

	m := gormigrate.New(s.db.WithContext(ctx), options, migrations())

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	return nil
}

// migrations returns the ordered migration list. New migrations are
// appended with the next number; existing entries are never edited.
func migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "001_core_tables",
			Migrate: func(tx *gorm.DB) error {
				return tx.Migrator().AutoMigrate(
					&FileRecord{},
					&ManifestEntry{},
					&DuplicateRelationship{},
					&Run{},
					&Task{},
					&Event{},
					&Schedule{},
				)
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(
					&Schedule{},
					&Event{},
					&Task{},
					&Run{},
					&DuplicateRelationship{},
					&ManifestEntry{},
					&FileRecord{},
				)
			},
		},
		{
			ID: "002_task_status_index",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(
					"CREATE INDEX idx_tasks_run_status ON tasks(run_id, status)",
				).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX idx_tasks_run_status").Error
			},
		},
	}
}
