// Package migrations holds the bridge schema. Importing it for side effects
// hands the embedded SQL files to the database package.
package migrations

import (
	"embed"

	"github.com/nerrad567/domintell-bridge/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.MigrationsFS = files
	database.MigrationsDir = "."
}
