package commands

import (
	"database/sql"

	"github.com/weft-project/weft/config"
	"github.com/weft-project/weft/db"
	"github.com/weft-project/weft/errors"
	"github.com/weft-project/weft/logger"
)

// openDatabase opens and migrates the database at the configured path.
// An explicit dbPath overrides the configuration.
func openDatabase(cfg *config.Config, dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		dbPath = cfg.Database.Path
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
