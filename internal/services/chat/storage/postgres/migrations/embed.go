package migrations

import "embed"

// FS holds the PostgreSQL schema for chat message logs.
//
//go:embed *.sql
var FS embed.FS
