package relstore

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// RunMigrations applies every pending migration, grounded on this
// codebase's goose + embed.FS migration runner, retargeted from the
// sqlite3 dialect to postgres.
func RunMigrations(db *sql.DB, logger *log.Logger) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	logger.Info("running relational store migrations")
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	logger.Info("migrations up to date")
	return nil
}
