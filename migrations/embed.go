// Package migrations compiles the SQL schema files into the binary so
// a melbridge deployment is a single executable; the store schema
// travels with it.
//
// Importing this package (the daemon does it blank) hands the embedded
// files to the database package, which applies them on startup.
package migrations

import (
	"embed"

	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/database"
)

//go:embed *.sql
var schemaFS embed.FS

func init() {
	database.MigrationsFS = schemaFS
	database.MigrationsDir = "."
}
