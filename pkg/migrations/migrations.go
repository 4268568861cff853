// Package migrations wraps goose so the SQL-backed stores can apply their
// embedded schema migrations on construction. Each store embeds its own
// migration directory and passes it in; nothing here knows about specific
// tables.
package migrations

import (
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

// Logger receives goose's migration output.
type Logger interface {
	Fatalf(format string, v ...any)
	Printf(format string, v ...any)
}

// NopLogger discards all migration output. It is the default for stores that
// migrate on startup, where goose's chatter is noise.
func NopLogger() Logger {
	return goose.NopLogger()
}

// Options controls whether and how a store runs its migrations.
type Options struct {
	// SkipMigrations leaves the schema alone. Set it when a deployment
	// pipeline owns the schema and the store should only assume it exists.
	SkipMigrations bool
	// Logger is handed to goose. Defaults to NopLogger.
	Logger Logger
}

// Migrations bundles everything goose needs for one store's schema: the
// database handle, the embedded filesystem holding the .sql files, and the
// dialect matching the driver in use.
type Migrations struct {
	DB      *sql.DB
	Fsys    fs.FS
	Logger  Logger
	Dialect string
	Dir     string
}

// RunMigrations applies all pending migrations from the embedded directory.
// goose records applied versions in its own table, so calling this on every
// startup is safe.
func RunMigrations(migrations Migrations) error {
	goose.SetBaseFS(migrations.Fsys)
	goose.SetLogger(migrations.Logger)

	if err := goose.SetDialect(migrations.Dialect); err != nil {
		return fmt.Errorf("run migrations: set dialect: %w", err)
	}

	if err := goose.Up(migrations.DB, migrations.Dir); err != nil {
		return fmt.Errorf("run migrations: up: %w", err)
	}

	return nil
}
