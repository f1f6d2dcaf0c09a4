package migrations

import "embed"

// FS holds the SQLite schema for chat message logs.
//
//go:embed *.sql
var FS embed.FS
