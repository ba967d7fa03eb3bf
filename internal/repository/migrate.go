package repository

import (
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/wb-go/wbf/zlog"
)

const migrationPath = "migrations"

// Migrate applies pending schema migrations against the master node.
func Migrate(db *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrate: set dialect: %w", err)
	}

	if err := goose.Up(db, migrationPath); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	zlog.Logger.Info().Msg("database migrations applied")

	return nil
}
