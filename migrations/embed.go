// Package migrations embeds the SQL schema files applied at startup.
package migrations

import "embed"

// FS holds versioned NNN_name.up.sql / NNN_name.down.sql pairs in the layout
// golang-migrate expects.
//
//go:embed *.sql
var FS embed.FS
