package migrations

import "embed"

// FS contains embedded SQLite migrations for party storage.
//
//go:embed *.sql
var FS embed.FS
