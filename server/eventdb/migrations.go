package eventdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

// Migrations returns the schema for the given database driver (sqlite or postgres)
func Migrations(log logs.Log, driver string) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	pk := "INTEGER PRIMARY KEY"
	double := "REAL"
	if driver == dbh.DriverPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
		double = "DOUBLE PRECISION"
	}

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE tracking_event(
			id `+pk+`,
			camera_id TEXT NOT NULL,
			track_id BIGINT NOT NULL,
			timestamp BIGINT NOT NULL,
			x `+double+` NOT NULL,
			y `+double+` NOT NULL,
			zone TEXT NOT NULL,
			inside_zone BOOLEAN NOT NULL
		);

		CREATE TABLE snapshot(
			id `+pk+`,
			camera_id TEXT NOT NULL,
			track_id BIGINT NOT NULL,
			timestamp BIGINT NOT NULL,
			zone TEXT NOT NULL,
			snapshot_path TEXT NOT NULL,
			employee_name TEXT
		);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE INDEX idx_tracking_event_track_zone ON tracking_event(track_id, zone, timestamp);
		CREATE INDEX idx_tracking_event_timestamp ON tracking_event(timestamp);
		CREATE INDEX idx_snapshot_track_zone ON snapshot(track_id, zone);
		CREATE INDEX idx_snapshot_timestamp ON snapshot(timestamp);
	`))

	return migs
}
