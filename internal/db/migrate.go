package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/adlio/schema"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrations returns the bundled schema migrations ordered by file name
func Migrations() ([]*schema.Migration, error) {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)

	migrations := make([]*schema.Migration, 0, len(names))
	for _, name := range names {
		contents, err := migrationFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		migrations = append(migrations, &schema.Migration{
			ID:     strings.TrimSuffix(path.Base(name), ".sql"),
			Script: string(contents),
		})
	}
	return migrations, nil
}

// Migrate applies any migration not yet recorded in the database.
// Concurrent callers are serialized by the migrator's advisory lock.
func (db *DB) Migrate(ctx context.Context) error {
	migrations, err := Migrations()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sqlDB := stdlib.OpenDB(*db.Pool.Config().ConnConfig)
	defer sqlDB.Close()
	if err := schema.NewMigrator().Apply(sqlDB, migrations); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
