// Package migrations embeds the SQL schema migrations so they apply
// regardless of working directory. Applied files are tracked in
// schema_migrations, so reapplying on every start is safe.
package migrations

import "embed"

// FS is the embedded migrations filesystem, containing all .sql files in
// this directory in lexical (and therefore application) order.
//
//go:embed *.sql
var FS embed.FS
