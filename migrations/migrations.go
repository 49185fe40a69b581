// Package migrations embeds the PostgreSQL schema for the default cache table.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
