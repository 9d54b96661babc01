// Package journal is the interface screens and commands call: local writes that mark rows
// pending, sync triggers, and read helpers for journal entries and moods.
package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/localstore"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/reconciler"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
	"go.uber.org/zap"
)

var (
	errMissingOwner  = errors.New("journal: owner id is required")
	errMissingStore  = errors.New("journal: local store is required")
	errMissingSyncer = errors.New("journal: syncer is required")
	errSessionClosed = errors.New("journal: session is closed")
)

// Syncer runs reconciliation passes.
type Syncer interface {
	Sync(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind) reconciler.Result
	SyncAll(ctx context.Context, owner syncable.OwnerID, kinds ...syncable.Kind) []reconciler.Result
}

// SessionConfig describes the dependencies of a Session.
type SessionConfig struct {
	OwnerID syncable.OwnerID
	Store   *localstore.Store
	Syncer  Syncer
	// SyncOnWrite starts a background pass for the kind after every successful local write.
	SyncOnWrite bool
	// OnResults receives the results of background passes.
	OnResults func([]reconciler.Result)
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Session scopes every operation to one owner.
type Session struct {
	owner       syncable.OwnerID
	store       *localstore.Store
	syncer      Syncer
	syncOnWrite bool
	onResults   func([]reconciler.Result)
	clock       func() time.Time
	logger      *zap.Logger

	background context.Context
	cancel     context.CancelFunc
	inFlight   sync.WaitGroup
	mu         sync.Mutex
	closed     bool
}

// NewSession validates the configuration.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.OwnerID == "" {
		return nil, errMissingOwner
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Syncer == nil {
		return nil, errMissingSyncer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	background, cancel := context.WithCancel(context.Background())
	return &Session{
		owner:       cfg.OwnerID,
		store:       cfg.Store,
		syncer:      cfg.Syncer,
		syncOnWrite: cfg.SyncOnWrite,
		onResults:   cfg.OnResults,
		clock:       clock,
		logger:      logger.With(zap.String("owner_id", cfg.OwnerID.String())),
		background:  background,
		cancel:      cancel,
	}, nil
}

// OwnerID returns the session owner.
func (s *Session) OwnerID() syncable.OwnerID {
	return s.owner
}

// CreateRecord validates the payload and stores a new pending row.
func (s *Session) CreateRecord(ctx context.Context, kind syncable.Kind, payload []byte) (syncable.Record, error) {
	normalized, err := syncable.NormalizePayload(kind, payload)
	if err != nil {
		return syncable.Record{}, err
	}
	record, err := s.store.Create(ctx, s.owner, kind, normalized)
	if err != nil {
		return syncable.Record{}, err
	}
	s.afterWrite(kind)
	return record, nil
}

// UpdateRecord replaces the payload of a live row and marks it pending.
func (s *Session) UpdateRecord(ctx context.Context, kind syncable.Kind, localID syncable.LocalID, payload []byte) (syncable.Record, error) {
	normalized, err := syncable.NormalizePayload(kind, payload)
	if err != nil {
		return syncable.Record{}, err
	}
	record, err := s.store.Update(ctx, s.owner, kind, localID, normalized)
	if err != nil {
		return syncable.Record{}, err
	}
	s.afterWrite(kind)
	return record, nil
}

// DeleteRecord tombstones a row. The tombstone syncs like any other edit.
func (s *Session) DeleteRecord(ctx context.Context, kind syncable.Kind, localID syncable.LocalID) (syncable.Record, error) {
	record, err := s.store.Tombstone(ctx, s.owner, kind, localID)
	if err != nil {
		return syncable.Record{}, err
	}
	s.afterWrite(kind)
	return record, nil
}

// TriggerSync runs one pass for kind and waits for it.
func (s *Session) TriggerSync(ctx context.Context, kind syncable.Kind) reconciler.Result {
	return s.syncer.Sync(ctx, s.owner, kind)
}

// SyncAll runs one pass per kind.
func (s *Session) SyncAll(ctx context.Context) []reconciler.Result {
	return s.syncer.SyncAll(ctx, s.owner)
}

// ListRecords returns live rows newest first.
func (s *Session) ListRecords(ctx context.Context, kind syncable.Kind) ([]syncable.Record, error) {
	return s.store.List(ctx, s.owner, kind, false)
}

// GetRecord returns one row, tombstones included.
func (s *Session) GetRecord(ctx context.Context, kind syncable.Kind, localID syncable.LocalID) (syncable.Record, error) {
	return s.store.Get(ctx, s.owner, kind, localID)
}

// CreateJournalEntry stores a new journal entry.
func (s *Session) CreateJournalEntry(ctx context.Context, title, content string) (syncable.Record, error) {
	payload, err := syncable.EncodeJournal(syncable.JournalPayload{Title: title, Content: content})
	if err != nil {
		return syncable.Record{}, err
	}
	return s.CreateRecord(ctx, syncable.KindJournal, []byte(payload))
}

// UpdateJournalEntry rewrites a journal entry.
func (s *Session) UpdateJournalEntry(ctx context.Context, localID syncable.LocalID, title, content string) (syncable.Record, error) {
	payload, err := syncable.EncodeJournal(syncable.JournalPayload{Title: title, Content: content})
	if err != nil {
		return syncable.Record{}, err
	}
	return s.UpdateRecord(ctx, syncable.KindJournal, localID, []byte(payload))
}

// MoodForDay returns the live mood logged for day (YYYY-MM-DD), if any.
func (s *Session) MoodForDay(ctx context.Context, day string) (syncable.Record, bool, error) {
	moods, err := s.store.List(ctx, s.owner, syncable.KindMood, false)
	if err != nil {
		return syncable.Record{}, false, err
	}
	for _, record := range moods {
		payload, err := syncable.DecodeMood(record.PayloadJSON)
		if err != nil {
			s.logger.Warn("skipping unreadable mood", zap.Int64("local_id", record.LocalID.Int64()), zap.Error(err))
			continue
		}
		if payload.Day == day {
			return record, true, nil
		}
	}
	return syncable.Record{}, false, nil
}

// HasMoodForDay reports whether a mood was already logged for day.
func (s *Session) HasMoodForDay(ctx context.Context, day string) (bool, error) {
	_, found, err := s.MoodForDay(ctx, day)
	return found, err
}

// Today returns the session clock's calendar day.
func (s *Session) Today() string {
	return syncable.DayOf(s.clock())
}

// LogMood records the mood for day, defaulting to today. A day holds one mood: logging again
// replaces the earlier label.
func (s *Session) LogMood(ctx context.Context, mood, day string) (syncable.Record, error) {
	if day == "" {
		day = s.Today()
	}
	payload, err := syncable.EncodeMood(syncable.MoodPayload{Mood: mood, Day: day})
	if err != nil {
		return syncable.Record{}, err
	}
	existing, found, err := s.MoodForDay(ctx, day)
	if err != nil {
		return syncable.Record{}, err
	}
	if found {
		if existing.PayloadJSON == payload {
			return existing, nil
		}
		return s.UpdateRecord(ctx, syncable.KindMood, existing.LocalID, []byte(payload))
	}
	return s.CreateRecord(ctx, syncable.KindMood, []byte(payload))
}

// Close stops background passes and waits for them.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.inFlight.Wait()
	return nil
}

func (s *Session) afterWrite(kind syncable.Kind) {
	if !s.syncOnWrite {
		return
	}
	if err := s.spawn(func(ctx context.Context) {
		s.deliver([]reconciler.Result{s.syncer.Sync(ctx, s.owner, kind)})
	}); err != nil {
		s.logger.Debug("skipping sync after write", zap.Error(err))
	}
}

func (s *Session) spawn(fn func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		fn(s.background)
	}()
	return nil
}

func (s *Session) deliver(results []reconciler.Result) {
	if s.onResults != nil {
		s.onResults(results)
	}
}
