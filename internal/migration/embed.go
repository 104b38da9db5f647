package migration

import (
	"embed"
	"io/fs"
)

//go:embed migrations/postgres/*.sql
var migrationsFS embed.FS

// Files returns the embedded migration files.
func Files() fs.FS {
	return migrationsFS
}
