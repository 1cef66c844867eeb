// Package migrations manages the coordination store schema through
// embedded, versioned SQL scripts.
package migrations

import "embed"

//go:embed scripts/*.sql
var FS embed.FS
