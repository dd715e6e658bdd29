package migrations

import "embed"

// FS contains the schema shared by the SQLite and Postgres backends.
//
//go:embed *.sql
var FS embed.FS
