// Package migrations embeds the Postgres schema files so they apply at
// startup regardless of working directory. The sqlite backend carries
// its own schema and does not use these.
package migrations

import "embed"

// FS holds all .sql files in this directory, applied in name order.
//
//go:embed *.sql
var FS embed.FS
