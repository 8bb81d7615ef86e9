package migrations

import "embed"

// FS contains embedded SQLite migrations for meeting storage.
//
//go:embed *.sql
var FS embed.FS
