package store

import "embed"

// EmbeddedMigrations contains the goose SQL migrations for the PostgreSQL store.
//
//go:embed migrations/*.sql
var EmbeddedMigrations embed.FS
