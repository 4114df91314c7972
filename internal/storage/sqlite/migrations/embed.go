package migrations

import "embed"

// FS contains embedded SQLite migrations for node-local storage.
//
//go:embed *.sql
var FS embed.FS
