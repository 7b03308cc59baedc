// Package dbmigrations exposes embedded SQL migrations for Tradewire binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Tradewire binaries.
//
//go:embed *.sql
var Files embed.FS
