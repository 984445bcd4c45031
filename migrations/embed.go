// Package migrations embeds SQL migration files into the binary.
//
// Importing it registers the files with the database package, so the
// service can migrate without the SQL files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "." // Files are at root of embedded FS
}
