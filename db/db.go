// Package db embeds the SQL migrations so binaries and tests apply the same schema.
package db

import "embed"

// Migrations holds db/migrations/*.sql.
//
//go:embed migrations/*.sql
var Migrations embed.FS
