// Package migrations embeds the PostgreSQL schema for the search store.
package migrations

import "embed"

// FS holds the NNN_name.sql files in this directory.
//
//go:embed *.sql
var FS embed.FS
