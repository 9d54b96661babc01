// Package database opens the SQLite databases used by the device client and the reference server.
package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/localstore"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenSQLite establishes a single-connection SQLite handle. SQLite serializes writers, so one
// connection keeps transactions from failing with SQLITE_BUSY.
func OpenSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// OpenClientSQLite opens the device database and brings its schema up to date.
func OpenClientSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := localstore.Migrate(db); err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, clientMigrations(), logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("client database initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenServerSQLite opens the authoritative store of the reference server.
func OpenServerSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&records.StoredRecord{}, &records.RecordChange{}, &migrationRecord{}); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, serverMigrations(), logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("server database initialized", zap.String("path", path))
	}
	return db, nil
}
