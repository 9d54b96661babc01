package records

import "time"

// resolveChange arbitrates one pushed record against the stored copy. A write is accepted when
// it is newer by updated_at, or equally new with a version at least the stored one. An exact
// replay of the stored content is acknowledged without bumping the version.
func resolveChange(existing *StoredRecord, change ChangeRequest, remoteID string, appliedAt time.Time) ConflictOutcome {
	incomingUpdatedAt := change.UpdatedAt.Int64()

	if existing != nil {
		stored := *existing
		if stored.PayloadJSON == change.PayloadJSON &&
			stored.Lifecycle == string(change.Lifecycle) &&
			stored.UpdatedAtMillis == incomingUpdatedAt {
			return ConflictOutcome{Accepted: true, Duplicate: true, Stored: stored}
		}

		accept := false
		switch {
		case incomingUpdatedAt > stored.UpdatedAtMillis:
			accept = true
		case incomingUpdatedAt < stored.UpdatedAtMillis:
			accept = false
		default:
			accept = change.Version >= stored.Version
		}
		if !accept {
			return ConflictOutcome{Accepted: false, Reason: ReasonStale, Stored: stored}
		}

		updated := stored
		updated.PayloadJSON = change.PayloadJSON
		updated.Lifecycle = string(change.Lifecycle)
		updated.UpdatedAtMillis = incomingUpdatedAt
		updated.Version = max(stored.Version+1, change.Version)
		if updated.CreatedAtMillis > updated.UpdatedAtMillis {
			updated.CreatedAtMillis = updated.UpdatedAtMillis
		}
		previous := stored.Version
		return ConflictOutcome{
			Accepted:    true,
			Stored:      updated,
			AuditRecord: auditFor(updated, change, appliedAt, &previous),
		}
	}

	createdAt := change.CreatedAt.Int64()
	if createdAt <= 0 || createdAt > incomingUpdatedAt {
		createdAt = incomingUpdatedAt
	}
	clientRef := change.ClientRef
	if clientRef == "" {
		clientRef = remoteID
	}
	created := StoredRecord{
		RemoteID:        remoteID,
		ClientRef:       clientRef,
		PayloadJSON:     change.PayloadJSON,
		CreatedAtMillis: createdAt,
		UpdatedAtMillis: incomingUpdatedAt,
		Lifecycle:       string(change.Lifecycle),
		Version:         max(change.Version, 1),
	}
	return ConflictOutcome{
		Accepted:    true,
		Stored:      created,
		AuditRecord: auditFor(created, change, appliedAt, nil),
	}
}

func auditFor(stored StoredRecord, change ChangeRequest, appliedAt time.Time, previousVersion *int64) *RecordChange {
	return &RecordChange{
		RemoteID:        stored.RemoteID,
		ClientRef:       stored.ClientRef,
		AppliedAtMillis: appliedAt.UTC().UnixMilli(),
		ClientUpdatedAt: change.UpdatedAt.Int64(),
		Lifecycle:       stored.Lifecycle,
		PayloadJSON:     stored.PayloadJSON,
		PreviousVersion: previousVersion,
		NewVersion:      stored.Version,
	}
}
