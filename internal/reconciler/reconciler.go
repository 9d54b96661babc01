// Package reconciler merges local edits with the authoritative server copy.
//
// A pass runs Phase A (pull every page changed since the checkpoint and apply it under the
// last-write-wins rules) followed by Phase B (push dirty rows and mark the acknowledged subset
// synced). Passes for the same owner and kind never overlap: a call arriving while one is in
// flight waits for it and shares its result.
package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/localstore"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultPageSize      = 200
	defaultPushBatchSize = 100
)

// LocalStore is the persistence contract the reconciler depends on.
type LocalStore interface {
	Checkpoint(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind) (syncable.Checkpoint, error)
	InBatch(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind, fn func(*localstore.Batch) error) error
	ListDirty(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind) ([]syncable.Record, error)
	MarkSynced(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind, capturedVersion int64, ack syncable.PushAck) (bool, error)
}

// RemoteClient is the network contract the reconciler depends on.
type RemoteClient interface {
	Pull(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind, since syncable.Checkpoint, limit int) (syncable.PullPage, error)
	Push(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind, records []syncable.Record) ([]syncable.PushAck, error)
}

// Config describes the dependencies of a Reconciler.
type Config struct {
	Store            LocalStore
	Remote           RemoteClient
	PageSize         int
	PushBatchSize    int
	TieBreak         TieBreakPolicy
	FailureThreshold int
	Notifier         FailureNotifier
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Result summarizes one pass. Err is nil on success.
type Result struct {
	OwnerID        syncable.OwnerID
	Kind           syncable.Kind
	Pulled         int
	Unchanged      int
	Stale          int
	KeptLocal      int
	Conflicts      int
	Pushed         int
	Raced          int
	Rejected       int
	Unacknowledged int
	Checkpoint     syncable.Checkpoint
	Coalesced      bool
	Duration       time.Duration
	Err            error
}

// OK reports whether the pass completed both phases.
func (r Result) OK() bool {
	return r.Err == nil
}

// Retryable reports whether the failure was transient.
func (r Result) Retryable() bool {
	return r.Err != nil && Retryable(r.Err)
}

// Reconciler runs sync passes.
type Reconciler struct {
	store         LocalStore
	remote        RemoteClient
	pageSize      int
	pushBatchSize int
	tieBreak      TieBreakPolicy
	failures      *failureTracker
	clock         func() time.Time
	logger        *zap.Logger
	group         singleflight.Group
}

// New validates the configuration and returns a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, newSyncError(opNew, "missing_store", errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, newSyncError(opNew, "missing_remote", errMissingRemote)
	}
	tieBreak, err := ParseTieBreakPolicy(string(cfg.TieBreak))
	if err != nil {
		return nil, newSyncError(opNew, "invalid_tie_break", err)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	pushBatchSize := cfg.PushBatchSize
	if pushBatchSize <= 0 {
		pushBatchSize = defaultPushBatchSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:         cfg.Store,
		remote:        cfg.Remote,
		pageSize:      pageSize,
		pushBatchSize: pushBatchSize,
		tieBreak:      tieBreak,
		failures:      newFailureTracker(cfg.FailureThreshold, cfg.Notifier, logger),
		clock:         clock,
		logger:        logger,
	}, nil
}

// Sync runs one pass for the owner and kind. Concurrent calls for the same pair share the
// in-flight pass and report Coalesced. The pass is detached from ctx cancellation once started;
// every remote call is bounded by the client's own timeout.
func (r *Reconciler) Sync(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind) Result {
	passCtx := context.WithoutCancel(ctx)
	value, _, shared := r.group.Do(syncKey(owner, kind), func() (any, error) {
		return r.run(passCtx, owner, kind), nil
	})
	result := value.(Result)
	result.Coalesced = shared
	return result
}

// SyncAll runs one pass per kind concurrently and returns the results in kind order.
func (r *Reconciler) SyncAll(ctx context.Context, owner syncable.OwnerID, kinds ...syncable.Kind) []Result {
	if len(kinds) == 0 {
		kinds = syncable.Kinds()
	}
	results := make([]Result, len(kinds))
	var group errgroup.Group
	for index, kind := range kinds {
		group.Go(func() error {
			results[index] = r.Sync(ctx, owner, kind)
			return nil
		})
	}
	_ = group.Wait()
	return results
}

// ConsecutiveFailures returns how many passes in a row failed for the pair.
func (r *Reconciler) ConsecutiveFailures(owner syncable.OwnerID, kind syncable.Kind) int {
	return r.failures.failures(owner, kind)
}

func (r *Reconciler) run(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind) Result {
	started := r.clock()
	result := Result{OwnerID: owner, Kind: kind}

	pullErr := r.pull(ctx, owner, kind, &result)
	switch {
	case pullErr == nil:
		result.Err = r.push(ctx, owner, kind, &result)
	case errors.Is(pullErr, syncable.ErrMalformedRecord):
		// An unreadable record blocks the checkpoint, not local edits.
		result.Err = pullErr
		if pushErr := r.push(ctx, owner, kind, &result); pushErr != nil {
			result.Err = errors.Join(pullErr, pushErr)
		}
	default:
		result.Err = pullErr
	}
	result.Duration = r.clock().Sub(started)

	fields := []zap.Field{
		zap.String("owner_id", owner.String()),
		zap.String("kind", kind.String()),
		zap.Int("pulled", result.Pulled),
		zap.Int("pushed", result.Pushed),
		zap.Int("conflicts", result.Conflicts),
		zap.Int("rejected", result.Rejected),
		zap.Duration("duration", result.Duration),
	}
	if result.Err != nil {
		failures := r.failures.recordFailure(owner, kind, result.Err)
		r.logger.Warn("sync pass failed", append(fields,
			zap.Bool("retryable", result.Retryable()),
			zap.Int("consecutive_failures", failures),
			zap.Error(result.Err))...)
		return result
	}
	r.failures.recordSuccess(owner, kind)
	r.logger.Info("sync pass completed", fields...)
	return result
}

type pageCounts struct {
	pulled    int
	unchanged int
	stale     int
	keptLocal int
	conflicts int
}

// pull is Phase A. Each page commits atomically together with the checkpoint advance covering
// it, so the checkpoint never moves past a record that was not applied. The guarantee holds per
// page: pages committed before a failure stay committed and the next pass resumes after them.
// A page halted at an unreadable record commits the records before it and then fails the pass.
func (r *Reconciler) pull(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind, result *Result) error {
	checkpoint, err := r.store.Checkpoint(ctx, owner, kind)
	if err != nil {
		return newSyncError(opPull, "checkpoint_failed", err)
	}
	result.Checkpoint = checkpoint

	for {
		page, err := r.remote.Pull(ctx, owner, kind, checkpoint, r.pageSize)
		if err != nil {
			return newSyncError(opPull, "request_failed", err)
		}

		var counts pageCounts
		err = r.store.InBatch(ctx, owner, kind, func(batch *localstore.Batch) error {
			counts = pageCounts{}
			for _, remote := range page.Records {
				local, err := batch.Find(remote)
				if err != nil {
					return err
				}
				switch resolvePull(local, remote, r.tieBreak) {
				case decisionApply:
					if err := batch.UpsertFromRemote(remote); err != nil {
						return err
					}
					counts.pulled++
				case decisionUnchanged:
					counts.unchanged++
				case decisionStale:
					counts.stale++
				case decisionKeepLocal:
					counts.keptLocal++
				case decisionConflict:
					if err := batch.MarkConflict(local.LocalID, remote.Version); err != nil {
						return err
					}
					counts.conflicts++
				}
			}
			return batch.AdvanceCheckpoint(page.Cursor)
		})
		if err != nil {
			return newSyncError(opPull, "apply_failed", err)
		}

		result.Pulled += counts.pulled
		result.Unchanged += counts.unchanged
		result.Stale += counts.stale
		result.KeptLocal += counts.keptLocal
		result.Conflicts += counts.conflicts

		if page.Halted != nil {
			result.Checkpoint = checkpoint.Max(page.Cursor)
			return newSyncError(opPull, "malformed_record", page.Halted)
		}
		if !page.HasMore {
			result.Checkpoint = checkpoint.Max(page.Cursor)
			return nil
		}
		if !checkpoint.Less(page.Cursor) {
			return newSyncError(opPull, "no_progress", errNoProgress)
		}
		checkpoint = page.Cursor
		result.Checkpoint = checkpoint
	}
}

// push is Phase B. Rejected and unacknowledged rows stay pending for the next pass.
func (r *Reconciler) push(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind, result *Result) error {
	dirty, err := r.store.ListDirty(ctx, owner, kind)
	if err != nil {
		return newSyncError(opPush, "list_dirty_failed", err)
	}

	for start := 0; start < len(dirty); start += r.pushBatchSize {
		chunk := dirty[start:min(start+r.pushBatchSize, len(dirty))]
		byLocalID := make(map[syncable.LocalID]syncable.Record, len(chunk))
		byClientRef := make(map[string]syncable.Record, len(chunk))
		for _, record := range chunk {
			byLocalID[record.LocalID] = record
			byClientRef[record.ClientRef] = record
		}

		acks, err := r.remote.Push(ctx, owner, kind, chunk)
		if err != nil {
			return newSyncError(opPush, "request_failed", err)
		}

		acknowledged := make(map[syncable.LocalID]struct{}, len(acks))
		for _, ack := range acks {
			record, ok := byLocalID[ack.LocalID]
			if !ok {
				record, ok = byClientRef[ack.ClientRef]
			}
			if !ok {
				r.logger.Warn("ignoring acknowledgement for unknown record",
					zap.String("kind", kind.String()),
					zap.Int64("local_id", ack.LocalID.Int64()),
					zap.String("client_ref", ack.ClientRef))
				continue
			}
			if _, seen := acknowledged[record.LocalID]; seen {
				continue
			}
			if !ack.Accepted {
				acknowledged[record.LocalID] = struct{}{}
				result.Rejected++
				r.logger.Debug("push rejected",
					zap.String("kind", kind.String()),
					zap.Int64("local_id", record.LocalID.Int64()),
					zap.String("reason", ack.Reason))
				continue
			}
			if !ack.RemoteID.Assigned() {
				continue
			}
			acknowledged[record.LocalID] = struct{}{}
			ack.LocalID = record.LocalID
			marked, err := r.store.MarkSynced(ctx, owner, kind, record.Version, ack)
			if err != nil {
				return newSyncError(opPush, "mark_synced_failed", err)
			}
			if marked {
				result.Pushed++
			} else {
				result.Raced++
			}
		}
		result.Unacknowledged += len(chunk) - len(acknowledged)
	}
	return nil
}
