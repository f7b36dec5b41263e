// Package migrations embeds the PostgreSQL schema applied by database.Migrate.
package migrations

import "embed"

// FS holds the NNN_name.up.sql files in version order.
//
//go:embed *.up.sql
var FS embed.FS
