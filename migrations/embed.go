// Package migrations holds the Postgres schema for sessions, messages,
// council runs and the event log.
package migrations

import "embed"

// Set is the name the built-in files are recorded under in schema_migrations.
const Set = "kaigi"

// FS holds every numbered .sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
