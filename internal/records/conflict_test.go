package records

import (
	"testing"
	"time"
)

var appliedAt = time.UnixMilli(1_700_000_009_000).UTC()

func storedFixture() *StoredRecord {
	return &StoredRecord{
		OwnerID:         "owner-1",
		Kind:            "journal",
		RemoteID:        "r-1",
		ClientRef:       "ref-1",
		PayloadJSON:     `{"title":"stored","content":""}`,
		CreatedAtMillis: 1_700_000_000_000,
		UpdatedAtMillis: 1_700_000_005_000,
		Lifecycle:       "active",
		Version:         4,
	}
}

func TestResolveChangeAcceptsNewerTimestamp(t *testing.T) {
	change := ChangeRequest{
		RemoteID:    "r-1",
		ClientRef:   "ref-1",
		PayloadJSON: `{"title":"incoming","content":""}`,
		CreatedAt:   1_700_000_000_000,
		UpdatedAt:   1_700_000_006_000,
		Lifecycle:   "active",
		Version:     2,
	}

	outcome := resolveChange(storedFixture(), change, "r-1", appliedAt)
	if !outcome.Accepted || outcome.Duplicate {
		t.Fatalf("expected accepted write, got %+v", outcome)
	}
	if outcome.Stored.Version != 5 {
		t.Fatalf("expected version 5, got %d", outcome.Stored.Version)
	}
	if outcome.Stored.PayloadJSON != change.PayloadJSON {
		t.Fatalf("expected incoming payload, got %s", outcome.Stored.PayloadJSON)
	}
	if outcome.AuditRecord == nil || outcome.AuditRecord.PreviousVersion == nil || *outcome.AuditRecord.PreviousVersion != 4 {
		t.Fatalf("unexpected audit record: %#v", outcome.AuditRecord)
	}
}

func TestResolveChangeKeepsHigherIncomingVersion(t *testing.T) {
	change := ChangeRequest{
		RemoteID:    "r-1",
		PayloadJSON: `{"title":"incoming","content":""}`,
		UpdatedAt:   1_700_000_006_000,
		Lifecycle:   "active",
		Version:     9,
	}
	outcome := resolveChange(storedFixture(), change, "r-1", appliedAt)
	if outcome.Stored.Version != 9 {
		t.Fatalf("expected version 9, got %d", outcome.Stored.Version)
	}
}

func TestResolveChangeRejectsOlderTimestamp(t *testing.T) {
	change := ChangeRequest{
		RemoteID:    "r-1",
		PayloadJSON: `{"title":"old","content":""}`,
		UpdatedAt:   1_700_000_004_000,
		Lifecycle:   "active",
		Version:     10,
	}
	outcome := resolveChange(storedFixture(), change, "r-1", appliedAt)
	if outcome.Accepted {
		t.Fatalf("expected stale write to be rejected")
	}
	if outcome.Reason != ReasonStale {
		t.Fatalf("expected reason %q, got %q", ReasonStale, outcome.Reason)
	}
	if outcome.Stored.Version != 4 {
		t.Fatalf("expected stored copy to be reported unchanged")
	}
}

func TestResolveChangeBreaksTimestampTiesByVersion(t *testing.T) {
	testCases := []struct {
		name     string
		version  int64
		accepted bool
	}{
		{name: "lower version loses", version: 3, accepted: false},
		{name: "equal version wins", version: 4, accepted: true},
		{name: "higher version wins", version: 5, accepted: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			change := ChangeRequest{
				RemoteID:    "r-1",
				PayloadJSON: `{"title":"tie","content":""}`,
				UpdatedAt:   1_700_000_005_000,
				Lifecycle:   "active",
				Version:     testCase.version,
			}
			outcome := resolveChange(storedFixture(), change, "r-1", appliedAt)
			if outcome.Accepted != testCase.accepted {
				t.Fatalf("expected accepted=%v, got %+v", testCase.accepted, outcome)
			}
		})
	}
}

func TestResolveChangeTreatsReplayAsDuplicate(t *testing.T) {
	stored := storedFixture()
	change := ChangeRequest{
		ClientRef:   "ref-1",
		PayloadJSON: stored.PayloadJSON,
		UpdatedAt:   1_700_000_005_000,
		Lifecycle:   "active",
		Version:     1,
	}
	outcome := resolveChange(stored, change, "", appliedAt)
	if !outcome.Accepted || !outcome.Duplicate {
		t.Fatalf("expected duplicate acknowledgement, got %+v", outcome)
	}
	if outcome.Stored.Version != 4 || outcome.AuditRecord != nil {
		t.Fatalf("expected no version bump and no audit, got %+v", outcome)
	}
}

func TestResolveChangeCreatesNewRecord(t *testing.T) {
	change := ChangeRequest{
		ClientRef:   "ref-2",
		PayloadJSON: `{"title":"new","content":""}`,
		CreatedAt:   1_700_000_008_000,
		UpdatedAt:   1_700_000_007_000,
		Lifecycle:   "active",
		Version:     1,
	}
	outcome := resolveChange(nil, change, "r-new", appliedAt)
	if !outcome.Accepted {
		t.Fatalf("expected insert to be accepted")
	}
	if outcome.Stored.RemoteID != "r-new" || outcome.Stored.Version != 1 {
		t.Fatalf("unexpected stored record: %+v", outcome.Stored)
	}
	if outcome.Stored.CreatedAtMillis != 1_700_000_007_000 {
		t.Fatalf("expected created_at clamped to updated_at, got %d", outcome.Stored.CreatedAtMillis)
	}
	if outcome.AuditRecord == nil || outcome.AuditRecord.PreviousVersion != nil {
		t.Fatalf("expected audit without previous version, got %#v", outcome.AuditRecord)
	}
}
