package syncapi

import (
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
)

func validPayload() RecordPayload {
	return RecordPayload{
		RemoteID:        "r-1",
		ClientRef:       "ref-1",
		OwnerID:         "owner-1",
		Payload:         []byte(`{"content":"body","title":"Entry"}`),
		CreatedAtMillis: 1000,
		UpdatedAtMillis: 2000,
		Lifecycle:       "active",
		Version:         3,
		ChangedAtMillis: 2500,
	}
}

func TestToRemoteRecordNormalizesPayload(t *testing.T) {
	record, err := ToRemoteRecord(syncable.KindJournal, validPayload())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.PayloadJSON != `{"title":"Entry","content":"body"}` {
		t.Fatalf("payload not normalized: %s", record.PayloadJSON)
	}
	if record.Kind != syncable.KindJournal || record.Version != 3 || record.UpdatedAt != 2000 || record.ChangedAt != 2500 {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestToRemoteRecordClampsCreatedAt(t *testing.T) {
	payload := validPayload()
	payload.CreatedAtMillis = 5000
	record, err := ToRemoteRecord(syncable.KindJournal, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.CreatedAt != record.UpdatedAt {
		t.Fatalf("expected created_at clamped to updated_at, got %d", record.CreatedAt)
	}
}

func TestToRemoteRecordRejectsMalformedRecords(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*RecordPayload)
		want   error
	}{
		{name: "missing remote id", mutate: func(p *RecordPayload) { p.RemoteID = "" }, want: syncable.ErrInvalidRemoteID},
		{name: "missing owner", mutate: func(p *RecordPayload) { p.OwnerID = "" }, want: syncable.ErrInvalidOwnerID},
		{name: "zero updated_at", mutate: func(p *RecordPayload) { p.UpdatedAtMillis = 0 }, want: syncable.ErrInvalidTimestamp},
		{name: "unknown lifecycle", mutate: func(p *RecordPayload) { p.Lifecycle = "archived" }, want: syncable.ErrInvalidLifecycle},
		{name: "missing changed_at", mutate: func(p *RecordPayload) { p.ChangedAtMillis = 0 }, want: syncable.ErrInvalidTimestamp},
		{name: "bad payload", mutate: func(p *RecordPayload) { p.Payload = []byte(`{"title":""}`) }, want: syncable.ErrInvalidPayload},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			payload := validPayload()
			testCase.mutate(&payload)
			if _, err := ToRemoteRecord(syncable.KindJournal, payload); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}

	payload := validPayload()
	payload.Version = 0
	if _, err := ToRemoteRecord(syncable.KindJournal, payload); err == nil {
		t.Fatalf("expected zero version to be rejected")
	}
}

func TestChangesPath(t *testing.T) {
	if got := ChangesPath(syncable.KindMood); got != "/v1/records/mood/changes" {
		t.Fatalf("unexpected path %s", got)
	}
}
