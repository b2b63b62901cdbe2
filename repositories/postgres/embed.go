package postgres

import "embed"

// MigrationFS embeds the ledger schema migrations, applied in version order
// by the migrate package.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
