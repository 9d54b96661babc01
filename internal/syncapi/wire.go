// Package syncapi defines the JSON contract shared by the sync client and the reference server.
package syncapi

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
)

const (
	// RouteChanges serves pull (GET) and push (POST) for one kind.
	RouteChanges = "/v1/records/:kind/changes"
	// RouteChannel upgrades to the persistent change-notification channel.
	RouteChannel = "/v1/channel"
	// RouteHealth answers reachability probes.
	RouteHealth = "/healthz"

	// QuerySinceMillis carries the changed_at part of the pull cursor.
	QuerySinceMillis   = "since_ms"
	QueryAfterRemoteID = "after_remote_id"
	QueryLimit         = "limit"
	QueryOwnerID       = "owner_id"
	QueryAccessToken   = "access_token"
)

// Channel message types.
const (
	MessageDataChanged = "data_changed"
	MessageRequestPull = "request_pull"
	MessagePullReady   = "pull_ready"
	MessageError       = "error"
)

// Push rejection reasons.
const (
	ReasonStale           = "stale"
	ReasonInvalidPayload  = "invalid_payload"
	ReasonNotAcknowledged = "not_acknowledged"
)

// ChangesPath returns the concrete changes route for a kind.
func ChangesPath(kind syncable.Kind) string {
	return "/v1/records/" + kind.String() + "/changes"
}

// RecordPayload is the wire form of a record in both directions.
type RecordPayload struct {
	LocalID         int64           `json:"local_id,omitempty"`
	RemoteID        string          `json:"remote_id,omitempty"`
	ClientRef       string          `json:"client_ref"`
	OwnerID         string          `json:"owner_id"`
	Payload         json.RawMessage `json:"payload"`
	CreatedAtMillis int64           `json:"created_at_ms"`
	UpdatedAtMillis int64           `json:"updated_at_ms"`
	Lifecycle       string          `json:"lifecycle_status"`
	Version         int64           `json:"version"`
	// ChangedAtMillis is set by the server on pulled records; pushes leave it empty.
	ChangedAtMillis int64           `json:"changed_at_ms,omitempty"`
}

// PullResponse is one page of changed records.
type PullResponse struct {
	Records []RecordPayload `json:"records"`
	HasMore bool            `json:"has_more"`
}

// PushRequest carries a batch of local edits.
type PushRequest struct {
	Records []RecordPayload `json:"records"`
}

// PushResponse enumerates a verdict per pushed record.
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// PushResult is the verdict for one pushed record.
type PushResult struct {
	LocalID         int64  `json:"local_id"`
	ClientRef       string `json:"client_ref"`
	Accepted        bool   `json:"accepted"`
	RemoteID        string `json:"remote_id,omitempty"`
	Version         int64  `json:"version"`
	UpdatedAtMillis int64  `json:"updated_at_ms"`
	Reason          string `json:"reason,omitempty"`
}

// ChannelMessage is exchanged over the persistent channel.
type ChannelMessage struct {
	Type            string   `json:"type"`
	RequestID       string   `json:"request_id,omitempty"`
	Kind            string   `json:"kind,omitempty"`
	RemoteIDs       []string `json:"remote_ids,omitempty"`
	UpdatedAtMillis int64    `json:"updated_at_ms,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx HTTP response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// FromRecord converts a local row for a push.
func FromRecord(record syncable.Record) RecordPayload {
	return RecordPayload{
		LocalID:         record.LocalID.Int64(),
		RemoteID:        record.RemoteID.String(),
		ClientRef:       record.ClientRef,
		OwnerID:         record.OwnerID.String(),
		Payload:         rawPayload(record.PayloadJSON),
		CreatedAtMillis: record.CreatedAt.Int64(),
		UpdatedAtMillis: record.UpdatedAt.Int64(),
		Lifecycle:       string(record.Lifecycle),
		Version:         record.Version,
	}
}

// FromRemoteRecord converts a server record for a pull response.
func FromRemoteRecord(record syncable.RemoteRecord) RecordPayload {
	return RecordPayload{
		RemoteID:        record.RemoteID.String(),
		ClientRef:       record.ClientRef,
		OwnerID:         record.OwnerID.String(),
		Payload:         rawPayload(record.PayloadJSON),
		CreatedAtMillis: record.CreatedAt.Int64(),
		UpdatedAtMillis: record.UpdatedAt.Int64(),
		Lifecycle:       string(record.Lifecycle),
		Version:         record.Version,
		ChangedAtMillis: record.ChangedAt.Int64(),
	}
}

// ToRemoteRecord validates a pulled record.
func ToRemoteRecord(kind syncable.Kind, payload RecordPayload) (syncable.RemoteRecord, error) {
	remoteID, err := syncable.NewRemoteID(payload.RemoteID)
	if err != nil {
		return syncable.RemoteRecord{}, err
	}
	ownerID, err := syncable.NewOwnerID(payload.OwnerID)
	if err != nil {
		return syncable.RemoteRecord{}, err
	}
	updatedAt, err := syncable.NewUnixMillis(payload.UpdatedAtMillis)
	if err != nil {
		return syncable.RemoteRecord{}, err
	}
	createdAt := syncable.UnixMillis(payload.CreatedAtMillis)
	if createdAt <= 0 || createdAt > updatedAt {
		createdAt = updatedAt
	}
	lifecycle, err := syncable.ParseLifecycleStatus(payload.Lifecycle)
	if err != nil {
		return syncable.RemoteRecord{}, err
	}
	normalized, err := syncable.NormalizePayload(kind, payload.Payload)
	if err != nil {
		return syncable.RemoteRecord{}, err
	}
	if payload.Version <= 0 {
		return syncable.RemoteRecord{}, fmt.Errorf("syncable: invalid version %d for %s", payload.Version, remoteID)
	}
	changedAt, err := syncable.NewUnixMillis(payload.ChangedAtMillis)
	if err != nil {
		return syncable.RemoteRecord{}, fmt.Errorf("changed_at: %w", err)
	}
	return syncable.RemoteRecord{
		RemoteID:    remoteID,
		ClientRef:   payload.ClientRef,
		OwnerID:     ownerID,
		Kind:        kind,
		PayloadJSON: normalized,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		Lifecycle:   lifecycle,
		Version:     payload.Version,
		ChangedAt:   changedAt,
	}, nil
}

// ToPushAck converts a push verdict.
func ToPushAck(result PushResult) syncable.PushAck {
	return syncable.PushAck{
		LocalID:   syncable.LocalID(result.LocalID),
		ClientRef: result.ClientRef,
		Accepted:  result.Accepted,
		RemoteID:  syncable.RemoteID(result.RemoteID),
		Version:   result.Version,
		UpdatedAt: syncable.UnixMillis(result.UpdatedAtMillis),
		Reason:    result.Reason,
	}
}

func rawPayload(payloadJSON string) json.RawMessage {
	if payloadJSON == "" {
		return nil
	}
	return json.RawMessage(payloadJSON)
}
