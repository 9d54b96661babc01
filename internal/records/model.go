package records

import "github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"

// StoredRecord is the authoritative server copy of a syncable record.
type StoredRecord struct {
	OwnerID         string `gorm:"column:owner_id;primaryKey;size:190;not null;index:idx_records_owner_kind_changed,priority:1;uniqueIndex:idx_records_owner_kind_ref,priority:1"`
	Kind            string `gorm:"column:kind;primaryKey;size:32;not null;index:idx_records_owner_kind_changed,priority:2;uniqueIndex:idx_records_owner_kind_ref,priority:2"`
	RemoteID        string `gorm:"column:remote_id;primaryKey;size:190;not null;index:idx_records_owner_kind_changed,priority:4"`
	ClientRef       string `gorm:"column:client_ref;size:190;not null;uniqueIndex:idx_records_owner_kind_ref,priority:3"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
	Lifecycle       string `gorm:"column:lifecycle_status;size:16;not null;default:active"`
	Version         int64  `gorm:"column:version;not null;default:1"`
	// ChangedAtMillis is the server-assigned pull cursor; UpdatedAtMillis is the client's edit time.
	ChangedAtMillis int64  `gorm:"column:changed_at_ms;not null;default:0;index:idx_records_owner_kind_changed,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (StoredRecord) TableName() string {
	return "records"
}

// ToRemoteRecord converts the row into the shape returned by a pull.
func (r StoredRecord) ToRemoteRecord() syncable.RemoteRecord {
	return syncable.RemoteRecord{
		RemoteID:    syncable.RemoteID(r.RemoteID),
		ClientRef:   r.ClientRef,
		OwnerID:     syncable.OwnerID(r.OwnerID),
		Kind:        syncable.Kind(r.Kind),
		PayloadJSON: r.PayloadJSON,
		CreatedAt:   syncable.UnixMillis(r.CreatedAtMillis),
		UpdatedAt:   syncable.UnixMillis(r.UpdatedAtMillis),
		Lifecycle:   syncable.LifecycleStatus(r.Lifecycle),
		Version:     r.Version,
		ChangedAt:   syncable.UnixMillis(r.ChangedAtMillis),
	}
}

// RecordChange captures an append-only audit trail of accepted writes.
type RecordChange struct {
	ChangeID        string `gorm:"column:change_id;primaryKey;size:190;not null"`
	OwnerID         string `gorm:"column:owner_id;size:190;not null;index:idx_record_changes_owner_time,priority:1"`
	Kind            string `gorm:"column:kind;size:32;not null"`
	RemoteID        string `gorm:"column:remote_id;size:190;not null"`
	ClientRef       string `gorm:"column:client_ref;size:190;not null"`
	AppliedAtMillis int64  `gorm:"column:applied_at_ms;not null;index:idx_record_changes_owner_time,priority:2"`
	ClientUpdatedAt int64  `gorm:"column:client_updated_at_ms;not null"`
	ChangedAtMillis int64  `gorm:"column:changed_at_ms;not null;default:0"`
	Lifecycle       string `gorm:"column:lifecycle_status;size:16;not null"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	PreviousVersion *int64 `gorm:"column:prev_version"`
	NewVersion      int64  `gorm:"column:new_version;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RecordChange) TableName() string {
	return "record_changes"
}

// ChangeRequest is one pushed record as understood by the authoritative store.
type ChangeRequest struct {
	LocalID     syncable.LocalID
	RemoteID    syncable.RemoteID
	ClientRef   string
	PayloadJSON string
	CreatedAt   syncable.UnixMillis
	UpdatedAt   syncable.UnixMillis
	Lifecycle   syncable.LifecycleStatus
	Version     int64
}

// ConflictOutcome captures the decision from resolveChange.
type ConflictOutcome struct {
	Accepted    bool
	Duplicate   bool
	Reason      string
	Stored      StoredRecord
	AuditRecord *RecordChange
}

// Rejection reasons reported per record.
const (
	ReasonStale          = "stale"
	ReasonInvalidPayload = "invalid_payload"
)
