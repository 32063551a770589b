// Package migrations embeds the PostgreSQL schema so binaries can migrate
// without the source tree.
package migrations

import "embed"

// FS holds the *.sql migrations, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
