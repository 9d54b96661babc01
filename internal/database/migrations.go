package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/localstore"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationRebuildSyncCheckpoints   = "2024-11-05_rebuild_sync_checkpoints"
	migrationBackfillRecordClientRefs = "2024-10-01_backfill_record_client_refs"
	migrationBackfillRecordChangedAt  = "2024-11-05_backfill_record_changed_at"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func clientMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationRebuildSyncCheckpoints, apply: rebuildSyncCheckpoints},
	}
}

func serverMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillRecordClientRefs, apply: backfillRecordClientRefs},
		{name: migrationBackfillRecordChangedAt, apply: backfillRecordChangedAt},
	}
}

// applyMigrations runs each named migration once, recording it in db_migrations in the same
// transaction as its changes.
func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// rebuildSyncCheckpoints drops watermarks recorded as client updated_at values. They are not
// comparable with server change cursors, so every kind is pulled again from the start once;
// reapplying a known record is a no-op.
func rebuildSyncCheckpoints(db *gorm.DB) error {
	if err := db.Migrator().DropTable(&localstore.CheckpointRow{}); err != nil {
		return err
	}
	return db.AutoMigrate(&localstore.CheckpointRow{})
}

// backfillRecordClientRefs gives rows stored before client refs existed their remote id as ref.
func backfillRecordClientRefs(db *gorm.DB) error {
	return db.Model(&records.StoredRecord{}).
		Where("client_ref = ''").
		Update("client_ref", gorm.Expr("remote_id")).Error
}

// backfillRecordChangedAt gives rows stored before change cursors existed their client
// updated_at as cursor. Later writes are assigned cursors above every existing one.
func backfillRecordChangedAt(db *gorm.DB) error {
	return db.Model(&records.StoredRecord{}).
		Where("changed_at_ms = 0").
		Update("changed_at_ms", gorm.Expr("updated_at_ms")).Error
}
