package rundb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE run(
			id INTEGER PRIMARY KEY,
			directory TEXT NOT NULL,
			metadata_path TEXT NOT NULL,
			backend TEXT NOT NULL,
			model TEXT NOT NULL,
			started_at INT NOT NULL,
			finished_at INT NOT NULL,
			num_images INT NOT NULL,
			num_failed INT NOT NULL
		);
		CREATE INDEX idx_run_directory ON run(directory);
		`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		ALTER TABLE run ADD COLUMN unique_classes TEXT;
		`))

	return migs
}
