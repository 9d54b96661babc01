// Package records is the authoritative record store behind the reference sync server.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errInvalidLimit      = errors.New("page limit must be positive")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable `operation.reason` code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "records.service.new"
	opApplyChanges = "records.apply_changes"
	opListChanges  = "records.list_changes"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider syncable.IDProvider
	Logger     *zap.Logger
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider syncable.IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// ChangeOutcome pairs a pushed record with the server verdict.
type ChangeOutcome struct {
	Request ChangeRequest
	Outcome ConflictOutcome
}

// SyncResult lists a verdict for every pushed record, in request order.
type SyncResult struct {
	ChangeOutcomes []ChangeOutcome
}

// Accepted returns the stored rows of every accepted, non-duplicate write.
func (r SyncResult) Accepted() []StoredRecord {
	accepted := make([]StoredRecord, 0, len(r.ChangeOutcomes))
	for _, outcome := range r.ChangeOutcomes {
		if outcome.Outcome.Accepted && !outcome.Outcome.Duplicate {
			accepted = append(accepted, outcome.Outcome.Stored)
		}
	}
	return accepted
}

// ApplyChanges arbitrates a pushed batch inside one transaction. Per-record rejections are
// reported in the result; only storage failures abort the batch.
func (s *Service) ApplyChanges(ctx context.Context, ownerID syncable.OwnerID, kind syncable.Kind, changes []ChangeRequest) (SyncResult, error) {
	result := SyncResult{ChangeOutcomes: make([]ChangeOutcome, 0, len(changes))}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, change := range changes {
			fields := []zap.Field{
				zap.String("owner_id", ownerID.String()),
				zap.String("kind", kind.String()),
				zap.String("client_ref", change.ClientRef),
			}

			normalized, err := syncable.NormalizePayload(kind, []byte(change.PayloadJSON))
			if err != nil {
				s.logger.Debug("rejected invalid payload", append(fields, zap.Error(err))...)
				result.ChangeOutcomes = append(result.ChangeOutcomes, ChangeOutcome{
					Request: change,
					Outcome: ConflictOutcome{Accepted: false, Reason: ReasonInvalidPayload},
				})
				continue
			}
			change.PayloadJSON = normalized

			existing, err := findExisting(tx, ownerID, kind, change)
			if err != nil {
				s.logError(opApplyChanges, "record_select_failed", err, fields...)
				return newServiceError(opApplyChanges, "record_select_failed", err)
			}

			remoteID := change.RemoteID.String()
			if existing == nil && remoteID == "" {
				remoteID, err = s.idProvider.NewID()
				if err != nil {
					s.logError(opApplyChanges, "id_generation_failed", err, fields...)
					return newServiceError(opApplyChanges, "id_generation_failed", err)
				}
			}

			appliedAt := s.clock().UTC()
			outcome := resolveChange(existing, change, remoteID, appliedAt)
			if outcome.Accepted && !outcome.Duplicate {
				outcome.Stored.OwnerID = ownerID.String()
				outcome.Stored.Kind = kind.String()
				changedAt, err := nextChangedAt(tx, ownerID, kind, appliedAt)
				if err != nil {
					s.logError(opApplyChanges, "cursor_select_failed", err, fields...)
					return newServiceError(opApplyChanges, "cursor_select_failed", err)
				}
				outcome.Stored.ChangedAtMillis = changedAt
				if outcome.AuditRecord != nil {
					outcome.AuditRecord.ChangedAtMillis = changedAt
				}
				if err := tx.Save(&outcome.Stored).Error; err != nil {
					s.logError(opApplyChanges, "record_save_failed", err, fields...)
					return newServiceError(opApplyChanges, "record_save_failed", err)
				}

				if outcome.AuditRecord != nil {
					changeID, err := s.idProvider.NewID()
					if err != nil {
						s.logError(opApplyChanges, "id_generation_failed", err, fields...)
						return newServiceError(opApplyChanges, "id_generation_failed", err)
					}
					outcome.AuditRecord.ChangeID = changeID
					outcome.AuditRecord.OwnerID = ownerID.String()
					outcome.AuditRecord.Kind = kind.String()
					if err := tx.Create(outcome.AuditRecord).Error; err != nil {
						s.logError(opApplyChanges, "audit_insert_failed", err, fields...)
						return newServiceError(opApplyChanges, "audit_insert_failed", err)
					}
				}
			}

			result.ChangeOutcomes = append(result.ChangeOutcomes, ChangeOutcome{
				Request: change,
				Outcome: outcome,
			})
		}
		return nil
	})

	if txErr != nil {
		return SyncResult{}, txErr
	}

	return result, nil
}

// findExisting locates the stored copy by remote id, falling back to the client reference so a
// replayed push whose acknowledgement was lost resolves to the record it already created.
func findExisting(tx *gorm.DB, ownerID syncable.OwnerID, kind syncable.Kind, change ChangeRequest) (*StoredRecord, error) {
	var stored StoredRecord
	if change.RemoteID.Assigned() {
		err := tx.Where("owner_id = ? AND kind = ? AND remote_id = ?", ownerID.String(), kind.String(), change.RemoteID.String()).
			Take(&stored).Error
		if err == nil {
			return &stored, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if change.ClientRef == "" {
		return nil, nil
	}
	err := tx.Where("owner_id = ? AND kind = ? AND client_ref = ?", ownerID.String(), kind.String(), change.ClientRef).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// nextChangedAt returns the change cursor for an accepted write: the receive time, raised above
// every cursor already issued for the owner and kind. Writes are serialized by the transaction,
// so a device that has pulled up to some cursor is guaranteed to see every later write, however
// old its client updated_at is.
func nextChangedAt(tx *gorm.DB, ownerID syncable.OwnerID, kind syncable.Kind, appliedAt time.Time) (int64, error) {
	var latest int64
	err := tx.Model(&StoredRecord{}).
		Where("owner_id = ? AND kind = ?", ownerID.String(), kind.String()).
		Select("COALESCE(MAX(changed_at_ms), 0)").
		Scan(&latest).Error
	if err != nil {
		return 0, err
	}
	return max(appliedAt.UnixMilli(), latest+1), nil
}

// ListChanges returns up to limit records ordered by (changed_at, remote_id) strictly after the
// cursor, and whether more remain.
func (s *Service) ListChanges(ctx context.Context, ownerID syncable.OwnerID, kind syncable.Kind, after syncable.Checkpoint, limit int) ([]StoredRecord, bool, error) {
	if limit <= 0 {
		return nil, false, newServiceError(opListChanges, "invalid_limit", errInvalidLimit)
	}

	var stored []StoredRecord
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND kind = ?", ownerID.String(), kind.String()).
		Where("(changed_at_ms > ? OR (changed_at_ms = ? AND remote_id > ?))",
			after.ChangedAt.Int64(), after.ChangedAt.Int64(), after.RemoteID.String()).
		Order("changed_at_ms ASC, remote_id ASC").
		Limit(limit + 1).
		Find(&stored).Error; err != nil {
		s.logError(opListChanges, "query_failed", err, zap.String("owner_id", ownerID.String()))
		return nil, false, newServiceError(opListChanges, "query_failed", err)
	}

	hasMore := len(stored) > limit
	if hasMore {
		stored = stored[:limit]
	}
	return stored, hasMore, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("records service error", attrs...)
}
