package migrations

import "embed"

// FS embeds the SQL migrations. Each storage driver reads its own
// directory ("sqlite" or "postgres").
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS
