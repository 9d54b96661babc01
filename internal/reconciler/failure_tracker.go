package reconciler

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
	"go.uber.org/zap"
)

const defaultFailureThreshold = 3

// FailureNotifier is told once when an owner/kind pair keeps failing to sync.
type FailureNotifier interface {
	SyncFailing(owner syncable.OwnerID, kind syncable.Kind, failures int, lastErr error)
}

// FailureNotifierFunc adapts a function to FailureNotifier.
type FailureNotifierFunc func(owner syncable.OwnerID, kind syncable.Kind, failures int, lastErr error)

// SyncFailing calls f.
func (f FailureNotifierFunc) SyncFailing(owner syncable.OwnerID, kind syncable.Kind, failures int, lastErr error) {
	f(owner, kind, failures, lastErr)
}

type failureRecord struct {
	count    int
	lastAt   time.Time
	notified bool
}

// failureTracker counts consecutive failed passes per owner/kind. Failures stay silent until the
// threshold is reached, then the notifier fires once. Success clears the record.
type failureTracker struct {
	mu        sync.Mutex
	records   map[string]*failureRecord
	threshold int
	notifier  FailureNotifier
	logger    *zap.Logger
	nowFunc   func() time.Time
}

func newFailureTracker(threshold int, notifier FailureNotifier, logger *zap.Logger) *failureTracker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	return &failureTracker{
		records:   make(map[string]*failureRecord),
		threshold: threshold,
		notifier:  notifier,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// recordFailure increments the counter and returns the consecutive failure count.
func (ft *failureTracker) recordFailure(owner syncable.OwnerID, kind syncable.Kind, err error) int {
	ft.mu.Lock()
	key := syncKey(owner, kind)
	rec, ok := ft.records[key]
	if !ok {
		rec = &failureRecord{}
		ft.records[key] = rec
	}
	rec.count++
	rec.lastAt = ft.nowFunc()
	count := rec.count
	notify := count >= ft.threshold && !rec.notified
	if notify {
		rec.notified = true
	}
	ft.mu.Unlock()

	if notify {
		ft.logger.Warn("sync failing repeatedly",
			zap.String("owner_id", owner.String()),
			zap.String("kind", kind.String()),
			zap.Int("failures", count),
			zap.Error(err),
		)
		if ft.notifier != nil {
			ft.notifier.SyncFailing(owner, kind, count, err)
		}
	}
	return count
}

// recordSuccess clears the failure record.
func (ft *failureTracker) recordSuccess(owner syncable.OwnerID, kind syncable.Kind) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	delete(ft.records, syncKey(owner, kind))
}

func (ft *failureTracker) failures(owner syncable.OwnerID, kind syncable.Kind) int {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if rec, ok := ft.records[syncKey(owner, kind)]; ok {
		return rec.count
	}
	return 0
}

func syncKey(owner syncable.OwnerID, kind syncable.Kind) string {
	return owner.String() + "\x00" + kind.String()
}
