// Package migrations embeds the goose SQL migration set applied at startup
// by internal/db.RunMigrations.
package migrations

import "embed"

// FS is the embedded migration directory, passed to goose.SetBaseFS.
//
//go:embed sql/*.sql
var FS embed.FS
