// Package localstore persists syncable records on the device.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrRecordDeleted indicates an edit against a tombstoned row.
	ErrRecordDeleted = errors.New("localstore: record is deleted")
	noOpLogger       = zap.NewNop()
)

const (
	opStoreNew    = "localstore.new"
	opCreate      = "localstore.create"
	opUpdate      = "localstore.update"
	opTombstone   = "localstore.tombstone"
	opGet         = "localstore.get"
	opList        = "localstore.list"
	opCheckpoint  = "localstore.checkpoint"
	opBatch       = "localstore.batch"
	opListDirty   = "localstore.list_dirty"
	opMarkSynced  = "localstore.mark_synced"
	fieldOwnerID  = "owner_id"
	fieldKind     = "kind"
	fieldLocalID  = "local_id"
	queryOwner    = "owner_id = ?"
	queryOwnerRow = "owner_id = ? AND local_id = ?"
	queryOwnerRef = "owner_id = ? AND client_ref = ? AND remote_id IS NULL"
	queryOwnerRID = "owner_id = ? AND remote_id = ?"
	queryDirty    = "owner_id = ? AND sync_status <> ?"
	queryCursor   = "owner_id = ? AND kind = ?"
	queryLocalID  = "local_id = ?"
	orderNewest   = "updated_at_ms DESC, local_id DESC"
	orderLocalID  = "local_id ASC"
)

// StoreError carries a stable `operation.reason` code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: operation + "." + reason, err: cause}
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider syncable.IDProvider
	Logger     *zap.Logger
}

// Store is the local relational store consumed by the reconciler and the UI layer.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider syncable.IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create inserts a new pending row with a fresh client reference.
func (s *Store) Create(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind, payloadJSON string) (syncable.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return syncable.Record{}, newStoreError(opCreate, "invalid_kind", err)
	}
	clientRef, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String(fieldOwnerID, owner.String()))
		return syncable.Record{}, newStoreError(opCreate, "id_generation_failed", err)
	}
	now := s.now()
	row := Row{
		ClientRef:       clientRef,
		OwnerID:         owner.String(),
		PayloadJSON:     payloadJSON,
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
		Lifecycle:       string(syncable.LifecycleActive),
		SyncStatus:      string(syncable.SyncPending),
		Version:         1,
	}
	if err := s.db.WithContext(ctx).Table(table).Create(&row).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String(fieldOwnerID, owner.String()), zap.String(fieldKind, kind.String()))
		return syncable.Record{}, newStoreError(opCreate, "insert_failed", err)
	}
	return row.toRecord(kind), nil
}

// Update replaces the payload of a live row and marks it pending.
func (s *Store) Update(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind, localID syncable.LocalID, payloadJSON string) (syncable.Record, error) {
	return s.mutate(ctx, opUpdate, owner, kind, localID, func(row Row) (map[string]any, error) {
		if row.Lifecycle == string(syncable.LifecycleDeleted) {
			return nil, ErrRecordDeleted
		}
		return map[string]any{"payload_json": payloadJSON}, nil
	})
}

// Tombstone marks a row deleted. Tombstoning an already-deleted row is a no-op.
func (s *Store) Tombstone(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind, localID syncable.LocalID) (syncable.Record, error) {
	return s.mutate(ctx, opTombstone, owner, kind, localID, func(row Row) (map[string]any, error) {
		if row.Lifecycle == string(syncable.LifecycleDeleted) {
			return nil, nil
		}
		return map[string]any{"lifecycle_status": string(syncable.LifecycleDeleted)}, nil
	})
}

// mutate applies a local edit: version++, updated_at refreshed without regressing, sync_status=pending.
func (s *Store) mutate(ctx context.Context, operation string, owner syncable.OwnerID, kind syncable.Kind, localID syncable.LocalID, apply func(Row) (map[string]any, error)) (syncable.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return syncable.Record{}, newStoreError(operation, "invalid_kind", err)
	}
	var updated Row
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Row
		err := tx.Table(table).Where(queryOwnerRow, owner.String(), localID.Int64()).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(operation, "not_found", syncable.ErrNotFound)
		}
		if err != nil {
			return newStoreError(operation, "select_failed", err)
		}
		changes, err := apply(row)
		if err != nil {
			return newStoreError(operation, "rejected", err)
		}
		if changes == nil {
			updated = row
			return nil
		}
		changes["updated_at_ms"] = max(s.now(), row.UpdatedAtMillis)
		changes["version"] = row.Version + 1
		changes["sync_status"] = string(syncable.SyncPending)
		if err := tx.Table(table).Where(queryLocalID, row.LocalID).Updates(changes).Error; err != nil {
			return newStoreError(operation, "update_failed", err)
		}
		if err := tx.Table(table).Where(queryLocalID, row.LocalID).Take(&updated).Error; err != nil {
			return newStoreError(operation, "reload_failed", err)
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, syncable.ErrNotFound) && !errors.Is(txErr, ErrRecordDeleted) {
			s.logError(operation, "transaction_failed", txErr,
				zap.String(fieldOwnerID, owner.String()),
				zap.String(fieldKind, kind.String()),
				zap.Int64(fieldLocalID, localID.Int64()))
		}
		return syncable.Record{}, txErr
	}
	return updated.toRecord(kind), nil
}

// Get returns one row, including tombstones.
func (s *Store) Get(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind, localID syncable.LocalID) (syncable.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return syncable.Record{}, newStoreError(opGet, "invalid_kind", err)
	}
	var row Row
	err = s.db.WithContext(ctx).Table(table).Where(queryOwnerRow, owner.String(), localID.Int64()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return syncable.Record{}, newStoreError(opGet, "not_found", syncable.ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String(fieldOwnerID, owner.String()))
		return syncable.Record{}, newStoreError(opGet, "query_failed", err)
	}
	return row.toRecord(kind), nil
}

// List returns the owner's rows newest first.
func (s *Store) List(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind, includeDeleted bool) ([]syncable.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, newStoreError(opList, "invalid_kind", err)
	}
	query := s.db.WithContext(ctx).Table(table).Where(queryOwner, owner.String())
	if !includeDeleted {
		query = query.Where("lifecycle_status = ?", string(syncable.LifecycleActive))
	}
	var rows []Row
	if err := query.Order(orderNewest).Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String(fieldOwnerID, owner.String()))
		return nil, newStoreError(opList, "query_failed", err)
	}
	return toRecords(kind, rows), nil
}

// Checkpoint returns the pull watermark, or the zero checkpoint before the first pull.
func (s *Store) Checkpoint(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind) (syncable.Checkpoint, error) {
	checkpoint, err := readCheckpoint(s.db.WithContext(ctx), owner, kind)
	if err != nil {
		s.logError(opCheckpoint, "query_failed", err, zap.String(fieldOwnerID, owner.String()))
		return syncable.Checkpoint{}, newStoreError(opCheckpoint, "query_failed", err)
	}
	return checkpoint, nil
}

// InBatch runs fn inside one transaction. Everything fn writes commits or rolls back together.
func (s *Store) InBatch(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind, fn func(*Batch) error) error {
	table, err := tableFor(kind)
	if err != nil {
		return newStoreError(opBatch, "invalid_kind", err)
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Batch{tx: tx, owner: owner, kind: kind, table: table, now: s.now})
	})
	if txErr != nil {
		s.logError(opBatch, "transaction_failed", txErr, zap.String(fieldOwnerID, owner.String()), zap.String(fieldKind, kind.String()))
		return newStoreError(opBatch, "transaction_failed", txErr)
	}
	return nil
}

// UpsertFromRemote applies a single server record in its own transaction.
func (s *Store) UpsertFromRemote(ctx context.Context, record syncable.RemoteRecord) error {
	return s.InBatch(ctx, record.OwnerID, record.Kind, func(batch *Batch) error {
		return batch.UpsertFromRemote(record)
	})
}

// ListDirty returns every row whose sync_status is not synced, oldest first.
func (s *Store) ListDirty(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind) ([]syncable.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, newStoreError(opListDirty, "invalid_kind", err)
	}
	var rows []Row
	if err := s.db.WithContext(ctx).Table(table).
		Where(queryDirty, owner.String(), string(syncable.SyncSynced)).
		Order(orderLocalID).
		Find(&rows).Error; err != nil {
		s.logError(opListDirty, "query_failed", err, zap.String(fieldOwnerID, owner.String()))
		return nil, newStoreError(opListDirty, "query_failed", err)
	}
	return toRecords(kind, rows), nil
}

// MarkSynced records an accepted push. The remote id is always bound so a later push cannot
// duplicate the record, but sync_status only flips to synced while the row's version still
// equals capturedVersion; a local edit made after the batch was captured stays pending.
// It reports whether the row was marked synced.
func (s *Store) MarkSynced(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind, capturedVersion int64, ack syncable.PushAck) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, newStoreError(opMarkSynced, "invalid_kind", err)
	}
	marked := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ack.RemoteID.Assigned() {
			if err := tx.Table(table).
				Where("owner_id = ? AND local_id = ? AND remote_id IS NULL", owner.String(), ack.LocalID.Int64()).
				Update("remote_id", ack.RemoteID.String()).Error; err != nil {
				return err
			}
		}
		result := tx.Table(table).
			Where("owner_id = ? AND local_id = ? AND version = ?", owner.String(), ack.LocalID.Int64(), capturedVersion).
			Updates(map[string]any{
				"sync_status":   string(syncable.SyncSynced),
				"version":       max(ack.Version, capturedVersion),
				"updated_at_ms": gorm.Expr("MAX(updated_at_ms, ?)", ack.UpdatedAt.Int64()),
			})
		if result.Error != nil {
			return result.Error
		}
		marked = result.RowsAffected > 0
		return nil
	})
	if txErr != nil {
		s.logError(opMarkSynced, "update_failed", txErr,
			zap.String(fieldOwnerID, owner.String()),
			zap.Int64(fieldLocalID, ack.LocalID.Int64()))
		return false, newStoreError(opMarkSynced, "update_failed", txErr)
	}
	return marked, nil
}

func (s *Store) now() int64 {
	return s.clock().UTC().UnixMilli()
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("local store error", attrs...)
}

// Batch is the transactional view handed to InBatch callbacks.
type Batch struct {
	tx    *gorm.DB
	owner syncable.OwnerID
	kind  syncable.Kind
	table string
	now   func() int64
}

// Find returns the local row sharing the record's remote id, or a local-only row carrying the
// same client reference (a push whose acknowledgement was lost). It returns nil when none exists.
func (b *Batch) Find(record syncable.RemoteRecord) (*syncable.Record, error) {
	var row Row
	err := b.tx.Table(b.table).Where(queryOwnerRID, b.owner.String(), record.RemoteID.String()).Take(&row).Error
	if err == nil {
		found := row.toRecord(b.kind)
		return &found, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if record.ClientRef == "" {
		return nil, nil
	}
	err = b.tx.Table(b.table).Where(queryOwnerRef, b.owner.String(), record.ClientRef).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	found := row.toRecord(b.kind)
	return &found, nil
}

// UpsertFromRemote inserts the server record or overwrites the matching local row, as synced.
func (b *Batch) UpsertFromRemote(record syncable.RemoteRecord) error {
	if record.OwnerID != b.owner {
		return fmt.Errorf("%w: record owned by %q applied for %q", syncable.ErrInvalidOwnerID, record.OwnerID, b.owner)
	}
	existing, err := b.Find(record)
	if err != nil {
		return err
	}
	remoteID := record.RemoteID.String()
	if existing != nil {
		return b.tx.Table(b.table).Where(queryLocalID, existing.LocalID.Int64()).Updates(map[string]any{
			"remote_id":        remoteID,
			"payload_json":     record.PayloadJSON,
			"created_at_ms":    record.CreatedAt.Int64(),
			"updated_at_ms":    record.UpdatedAt.Int64(),
			"lifecycle_status": string(record.Lifecycle),
			"sync_status":      string(syncable.SyncSynced),
			"version":          record.Version,
		}).Error
	}
	clientRef := record.ClientRef
	if clientRef == "" {
		clientRef = "remote:" + remoteID
	}
	row := Row{
		RemoteID:        &remoteID,
		ClientRef:       clientRef,
		OwnerID:         b.owner.String(),
		PayloadJSON:     record.PayloadJSON,
		CreatedAtMillis: record.CreatedAt.Int64(),
		UpdatedAtMillis: record.UpdatedAt.Int64(),
		Lifecycle:       string(record.Lifecycle),
		SyncStatus:      string(syncable.SyncSynced),
		Version:         record.Version,
	}
	return b.tx.Table(b.table).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}, {Name: "remote_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"payload_json", "created_at_ms", "updated_at_ms", "lifecycle_status", "sync_status", "version",
		}),
	}).Create(&row).Error
}

// MarkConflict flags a pending row whose timestamp tied with a different server write. The
// local version is raised to at least the server's so the retained write wins the tie on push.
func (b *Batch) MarkConflict(localID syncable.LocalID, remoteVersion int64) error {
	return b.tx.Table(b.table).
		Where("local_id = ? AND sync_status <> ?", localID.Int64(), string(syncable.SyncSynced)).
		Updates(map[string]any{
			"sync_status": string(syncable.SyncConflict),
			"version":     gorm.Expr("MAX(version, ?)", remoteVersion),
		}).Error
}

// Checkpoint returns the watermark as seen inside the transaction.
func (b *Batch) Checkpoint() (syncable.Checkpoint, error) {
	return readCheckpoint(b.tx, b.owner, b.kind)
}

// AdvanceCheckpoint moves the watermark forward. Older or equal checkpoints are ignored.
func (b *Batch) AdvanceCheckpoint(checkpoint syncable.Checkpoint) error {
	current, err := readCheckpoint(b.tx, b.owner, b.kind)
	if err != nil {
		return err
	}
	if !current.Less(checkpoint) {
		return nil
	}
	row := CheckpointRow{
		OwnerID:          b.owner.String(),
		Kind:             b.kind.String(),
		ChangedAtMillis:  checkpoint.ChangedAt.Int64(),
		RemoteID:         checkpoint.RemoteID.String(),
		AdvancedAtMillis: b.now(),
	}
	return b.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{"changed_at_ms", "remote_id", "advanced_at_ms"}),
	}).Create(&row).Error
}

func readCheckpoint(db *gorm.DB, owner syncable.OwnerID, kind syncable.Kind) (syncable.Checkpoint, error) {
	var row CheckpointRow
	err := db.Where(queryCursor, owner.String(), kind.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return syncable.Checkpoint{}, nil
	}
	if err != nil {
		return syncable.Checkpoint{}, err
	}
	return syncable.Checkpoint{
		ChangedAt: syncable.UnixMillis(row.ChangedAtMillis),
		RemoteID:  syncable.RemoteID(row.RemoteID),
	}, nil
}

func tableFor(kind syncable.Kind) (string, error) {
	table := kind.TableName()
	if table == "" {
		return "", fmt.Errorf("%w: %q", syncable.ErrInvalidKind, kind)
	}
	return table, nil
}

func toRecords(kind syncable.Kind, rows []Row) []syncable.Record {
	records := make([]syncable.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord(kind))
	}
	return records
}
