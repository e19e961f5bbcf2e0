package eventdb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

// EventDB stores tracking events and zone entry snapshots
type EventDB struct {
	log logs.Log
	db  *gorm.DB
}

// Open or create an event DB
func Open(log logs.Log, cfg dbh.DBConfig, flags dbh.DBConnectFlags) (*EventDB, error) {
	log = logs.NewPrefixLogger(log, "EventDB")
	if cfg.Driver == dbh.DriverSqlite {
		if err := os.MkdirAll(filepath.Dir(cfg.Database), 0770); err != nil {
			return nil, fmt.Errorf("Failed to create database directory for '%v': %w", cfg.Database, err)
		}
	}
	log.Infof("Opening %v", cfg.LogSafeDescription())
	db, err := dbh.OpenDB(log, cfg, Migrations(log, cfg.Driver), flags)
	if err != nil {
		return nil, fmt.Errorf("Failed to open event database: %w", err)
	}
	return &EventDB{
		log: log,
		db:  db,
	}, nil
}

func (e *EventDB) Close() error {
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (e *EventDB) InsertEvent(ev *TrackingEvent) error {
	return e.db.Create(ev).Error
}

func (e *EventDB) InsertSnapshot(s *Snapshot) error {
	return e.db.Create(s).Error
}
