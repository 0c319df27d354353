// Package dbmigrations exposes embedded SQL migrations for conduit binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into conduit binaries.
//
//go:embed *.sql
var Files embed.FS
