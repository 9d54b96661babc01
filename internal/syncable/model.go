package syncable

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidKind indicates an unknown entity kind.
	ErrInvalidKind = errors.New("syncable: invalid kind")
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("syncable: invalid owner id")
	// ErrInvalidRemoteID indicates that a remote identifier is empty or exceeds storage bounds.
	ErrInvalidRemoteID = errors.New("syncable: invalid remote id")
	// ErrInvalidTimestamp indicates that a unix millisecond value is not positive.
	ErrInvalidTimestamp = errors.New("syncable: invalid unix timestamp")
	// ErrInvalidLifecycle indicates an unknown lifecycle status.
	ErrInvalidLifecycle = errors.New("syncable: invalid lifecycle status")
	// ErrNotFound indicates that a local row does not exist for the owner.
	ErrNotFound = errors.New("syncable: record not found")
	// ErrUnavailable marks transient remote failures (timeouts, unreachable, 5xx).
	ErrUnavailable = errors.New("syncable: remote unavailable")
	// ErrRejected marks permanent remote refusals (4xx).
	ErrRejected = errors.New("syncable: remote rejected request")
	// ErrMalformedRecord marks a pulled record this client cannot apply.
	ErrMalformedRecord = errors.New("syncable: malformed remote record")
)

// Kind enumerates the syncable entity kinds.
type Kind string

const (
	// KindJournal identifies journal entries.
	KindJournal Kind = "journal"
	// KindMood identifies mood records.
	KindMood Kind = "mood"
)

// Kinds lists every syncable kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindJournal, KindMood}
}

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case KindJournal:
		return KindJournal, nil
	case KindMood:
		return KindMood, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, rawInput)
	}
}

// TableName returns the local table backing the kind.
func (k Kind) TableName() string {
	switch k {
	case KindJournal:
		return "journal_entries"
	case KindMood:
		return "moods"
	default:
		return ""
	}
}

// String returns the underlying kind name.
func (k Kind) String() string {
	return string(k)
}

// OwnerID represents a validated user identifier.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerID, maxIdentifierLength)
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// RemoteID represents a server-assigned identifier. The zero value means "not yet assigned".
type RemoteID string

// NewRemoteID validates raw input and returns a RemoteID.
func NewRemoteID(rawInput string) (RemoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRemoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRemoteID, maxIdentifierLength)
	}
	return RemoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RemoteID) String() string {
	return string(id)
}

// Assigned reports whether the server has issued the identifier.
func (id RemoteID) Assigned() bool {
	return id != ""
}

// LocalID is the device-assigned surrogate key. It is never reused.
type LocalID int64

// Int64 exposes the raw key.
func (id LocalID) Int64() int64 {
	return int64(id)
}

// UnixMillis represents a validated unix timestamp in milliseconds.
type UnixMillis int64

// NewUnixMillis validates the value and returns a UnixMillis.
func NewUnixMillis(value int64) (UnixMillis, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return UnixMillis(value), nil
}

// MillisFromTime converts a wall-clock time.
func MillisFromTime(t time.Time) UnixMillis {
	return UnixMillis(t.UTC().UnixMilli())
}

// Int64 exposes the raw unix milliseconds value.
func (ts UnixMillis) Int64() int64 {
	return int64(ts)
}

// Time converts the value back to a UTC time.
func (ts UnixMillis) Time() time.Time {
	return time.UnixMilli(int64(ts)).UTC()
}

// LifecycleStatus distinguishes live rows from tombstones.
type LifecycleStatus string

const (
	// LifecycleActive marks a live record.
	LifecycleActive LifecycleStatus = "active"
	// LifecycleDeleted marks a tombstone.
	LifecycleDeleted LifecycleStatus = "deleted"
)

// ParseLifecycleStatus validates raw input. Empty input defaults to active.
func ParseLifecycleStatus(rawInput string) (LifecycleStatus, error) {
	switch LifecycleStatus(strings.ToLower(strings.TrimSpace(rawInput))) {
	case "", LifecycleActive:
		return LifecycleActive, nil
	case LifecycleDeleted:
		return LifecycleDeleted, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLifecycle, rawInput)
	}
}

// SyncStatus is the dirty flag driving what gets pushed.
type SyncStatus string

const (
	// SyncPending marks unpushed local changes.
	SyncPending SyncStatus = "pending"
	// SyncSynced marks a row identical to the last-known server row.
	SyncSynced SyncStatus = "synced"
	// SyncConflict marks a pending row that tied with a different server write.
	SyncConflict SyncStatus = "conflict"
)

// Dirty reports whether the row still has unpushed changes.
func (s SyncStatus) Dirty() bool {
	return s != SyncSynced
}

// Record is a local row of any kind.
type Record struct {
	LocalID     LocalID
	RemoteID    RemoteID
	ClientRef   string
	OwnerID     OwnerID
	Kind        Kind
	PayloadJSON string
	CreatedAt   UnixMillis
	UpdatedAt   UnixMillis
	Lifecycle   LifecycleStatus
	SyncStatus  SyncStatus
	Version     int64
}

// RemoteRecord is a server-shaped record as returned by a pull.
type RemoteRecord struct {
	RemoteID    RemoteID
	ClientRef   string
	OwnerID     OwnerID
	Kind        Kind
	PayloadJSON string
	CreatedAt   UnixMillis
	UpdatedAt   UnixMillis
	Lifecycle   LifecycleStatus
	Version     int64
	// ChangedAt is the server's change cursor for the record. It is assigned on every accepted
	// write and increases strictly per owner and kind, independent of device clocks.
	ChangedAt   UnixMillis
}

// SameContent reports whether the local row carries the remote payload and lifecycle.
func (r Record) SameContent(remote RemoteRecord) bool {
	return r.PayloadJSON == remote.PayloadJSON && r.Lifecycle == remote.Lifecycle
}

// Checkpoint is the pull watermark: the newest (changed_at, remote_id) server position applied
// locally. It is never derived from record updated_at values, which come from device clocks.
type Checkpoint struct {
	ChangedAt   UnixMillis
	RemoteID  RemoteID
}

// Less orders checkpoints by change time, then remote id.
func (c Checkpoint) Less(other Checkpoint) bool {
	if c.ChangedAt != other.ChangedAt {
		return c.ChangedAt < other.ChangedAt
	}
	return c.RemoteID < other.RemoteID
}

// Max returns the later of two checkpoints.
func (c Checkpoint) Max(other Checkpoint) Checkpoint {
	if c.Less(other) {
		return other
	}
	return c
}

// CheckpointOf returns the cursor position of a remote record.
func CheckpointOf(record RemoteRecord) Checkpoint {
	return Checkpoint{ChangedAt: record.ChangedAt, RemoteID: record.RemoteID}
}

// PullPage is one page of a pull response. Cursor is the position of the last record in
// Records. When the client could not read a record, Halted holds the reason, the page ends
// before that record and Cursor stays behind it so the next pass fetches it again.
type PullPage struct {
	Records []RemoteRecord
	Cursor  Checkpoint
	HasMore bool
	Halted  error
}

// PushAck is the server verdict for a single pushed record.
type PushAck struct {
	LocalID   LocalID
	ClientRef string
	Accepted  bool
	RemoteID  RemoteID
	Version   int64
	UpdatedAt UnixMillis
	Reason    string
}
