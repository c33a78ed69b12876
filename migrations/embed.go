// Package migrations embeds the schema migration files so the binary can
// bootstrap its own database.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
