// Package migrations embeds the SQL schema for the pgx user store.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
