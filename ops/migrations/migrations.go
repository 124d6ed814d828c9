// Package migrations embeds the SQL schema so binaries can migrate without a source checkout.
package migrations

import "embed"

//go:embed sql/*.sql
var FS embed.FS

// Dir is the directory inside FS holding the migrations.
const Dir = "sql"
