package localstore

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
	"gorm.io/gorm"
)

// Row models one local record. Every kind shares the column layout but lives in its own table.
type Row struct {
	LocalID         int64   `gorm:"column:local_id;primaryKey;autoIncrement"`
	RemoteID        *string `gorm:"column:remote_id;size:190"`
	ClientRef       string  `gorm:"column:client_ref;size:64;not null"`
	OwnerID         string  `gorm:"column:owner_id;size:190;not null"`
	PayloadJSON     string  `gorm:"column:payload_json;type:text;not null"`
	CreatedAtMillis int64   `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64   `gorm:"column:updated_at_ms;not null"`
	Lifecycle       string  `gorm:"column:lifecycle_status;size:16;not null;default:active"`
	SyncStatus      string  `gorm:"column:sync_status;size:16;not null;default:pending"`
	Version         int64   `gorm:"column:version;not null;default:1"`
}

func (row Row) toRecord(kind syncable.Kind) syncable.Record {
	remoteID := syncable.RemoteID("")
	if row.RemoteID != nil {
		remoteID = syncable.RemoteID(*row.RemoteID)
	}
	return syncable.Record{
		LocalID:     syncable.LocalID(row.LocalID),
		RemoteID:    remoteID,
		ClientRef:   row.ClientRef,
		OwnerID:     syncable.OwnerID(row.OwnerID),
		Kind:        kind,
		PayloadJSON: row.PayloadJSON,
		CreatedAt:   syncable.UnixMillis(row.CreatedAtMillis),
		UpdatedAt:   syncable.UnixMillis(row.UpdatedAtMillis),
		Lifecycle:   syncable.LifecycleStatus(row.Lifecycle),
		SyncStatus:  syncable.SyncStatus(row.SyncStatus),
		Version:     row.Version,
	}
}

// CheckpointRow persists the pull watermark per owner and kind as a server change cursor.
type CheckpointRow struct {
	OwnerID          string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	Kind             string `gorm:"column:kind;primaryKey;size:32;not null"`
	ChangedAtMillis  int64  `gorm:"column:changed_at_ms;not null;default:0"`
	RemoteID         string `gorm:"column:remote_id;size:190;not null;default:''"`
	AdvancedAtMillis int64  `gorm:"column:advanced_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (CheckpointRow) TableName() string {
	return "sync_checkpoints"
}

const recordTableDDL = `CREATE TABLE IF NOT EXISTS %[1]s (
	local_id INTEGER PRIMARY KEY AUTOINCREMENT,
	remote_id TEXT,
	client_ref TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	lifecycle_status TEXT NOT NULL DEFAULT 'active',
	sync_status TEXT NOT NULL DEFAULT 'pending',
	version INTEGER NOT NULL DEFAULT 1
)`

var recordIndexDDL = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_owner_remote ON %[1]s (owner_id, remote_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_owner_client_ref ON %[1]s (owner_id, client_ref)`,
	`CREATE INDEX IF NOT EXISTS idx_%[1]s_owner_sync ON %[1]s (owner_id, sync_status)`,
}

// Migrate creates one record table per kind plus the checkpoint table.
// SQLite index names are schema-global, so indexes are named after their table.
func Migrate(db *gorm.DB) error {
	for _, kind := range syncable.Kinds() {
		table := kind.TableName()
		if err := db.Exec(fmt.Sprintf(recordTableDDL, table)).Error; err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		for _, statement := range recordIndexDDL {
			if err := db.Exec(fmt.Sprintf(statement, table)).Error; err != nil {
				return fmt.Errorf("create index on %s: %w", table, err)
			}
		}
	}
	return db.AutoMigrate(&CheckpointRow{})
}
