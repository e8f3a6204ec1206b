// Package migrations holds the schema migrations applied by the migrate command.
package migrations

import "github.com/uptrace/bun/migrate"

var Migrations = migrate.NewMigrations()
