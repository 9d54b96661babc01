package reconciler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/localstore"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testOwner = syncable.OwnerID("owner-1")
	baseTime  = syncable.UnixMillis(1_700_000_000_000)
)

var errOffline = fmt.Errorf("%w: offline", syncable.ErrUnavailable)

type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *testClock) Set(value syncable.UnixMillis) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = value.Time()
}

// fakeRemote is an in-memory server keyed by remote id. Every write takes the next change
// cursor, the way the real server stamps changed_at.
type fakeRemote struct {
	mu          sync.Mutex
	records     map[syncable.RemoteID]syncable.RemoteRecord
	unreadable  map[syncable.RemoteID]bool
	nextID      int
	changeSeq   int64
	pullCalls   int
	pushCalls   int
	pullErr     error
	pushErr     error
	ignoreSince bool
	onPush      func(records []syncable.Record) ([]syncable.PushAck, error)
	pullEntered chan struct{}
	pullGate    chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records:    make(map[syncable.RemoteID]syncable.RemoteRecord),
		unreadable: make(map[syncable.RemoteID]bool),
	}
}

func (f *fakeRemote) put(record syncable.RemoteRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store(record)
}

func (f *fakeRemote) store(record syncable.RemoteRecord) {
	f.changeSeq++
	record.ChangedAt = syncable.UnixMillis(f.changeSeq)
	f.records[record.RemoteID] = record
}

func (f *fakeRemote) cursorOf(remoteID syncable.RemoteID) syncable.Checkpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return syncable.CheckpointOf(f.records[remoteID])
}

func (f *fakeRemote) setUnreadable(remoteID syncable.RemoteID, unreadable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreadable[remoteID] = unreadable
}

func (f *fakeRemote) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pullCalls, f.pushCalls
}

func (f *fakeRemote) Pull(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind, since syncable.Checkpoint, limit int) (syncable.PullPage, error) {
	f.mu.Lock()
	f.pullCalls++
	entered, gate := f.pullEntered, f.pullGate
	f.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return syncable.PullPage{}, f.pullErr
	}
	ordered := make([]syncable.RemoteRecord, 0, len(f.records))
	for _, record := range f.records {
		if record.OwnerID == owner && record.Kind == kind {
			ordered = append(ordered, record)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		return syncable.CheckpointOf(ordered[i]).Less(syncable.CheckpointOf(ordered[j]))
	})
	page := syncable.PullPage{Cursor: since}
	for _, record := range ordered {
		if !f.ignoreSince && !since.Less(syncable.CheckpointOf(record)) {
			continue
		}
		if limit > 0 && len(page.Records) == limit {
			page.HasMore = true
			break
		}
		if f.unreadable[record.RemoteID] {
			page.Halted = fmt.Errorf("%w: %s", syncable.ErrMalformedRecord, record.RemoteID)
			page.HasMore = false
			break
		}
		page.Records = append(page.Records, record)
		page.Cursor = page.Cursor.Max(syncable.CheckpointOf(record))
	}
	return page, nil
}

func (f *fakeRemote) Push(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind, records []syncable.Record) ([]syncable.PushAck, error) {
	f.mu.Lock()
	f.pushCalls++
	onPush, pushErr := f.onPush, f.pushErr
	f.mu.Unlock()
	if pushErr != nil {
		return nil, pushErr
	}
	if onPush != nil {
		return onPush(records)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	acks := make([]syncable.PushAck, 0, len(records))
	for _, record := range records {
		remoteID := record.RemoteID
		if !remoteID.Assigned() {
			f.nextID++
			remoteID = syncable.RemoteID(fmt.Sprintf("r-%d", f.nextID))
		}
		f.store(syncable.RemoteRecord{
			RemoteID:    remoteID,
			ClientRef:   record.ClientRef,
			OwnerID:     owner,
			Kind:        kind,
			PayloadJSON: record.PayloadJSON,
			CreatedAt:   record.CreatedAt,
			UpdatedAt:   record.UpdatedAt,
			Lifecycle:   record.Lifecycle,
			Version:     record.Version,
		})
		acks = append(acks, syncable.PushAck{
			LocalID:   record.LocalID,
			ClientRef: record.ClientRef,
			Accepted:  true,
			RemoteID:  remoteID,
			Version:   record.Version,
			UpdatedAt: record.UpdatedAt,
		})
	}
	return acks, nil
}

type harness struct {
	store      *localstore.Store
	remote     *fakeRemote
	clock      *testClock
	reconciler *Reconciler
}

func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "local.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := localstore.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := &testClock{}
	clock.Set(baseTime)
	store, err := localstore.NewStore(localstore.StoreConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: syncable.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	remote := newFakeRemote()
	cfg := Config{Store: store, Remote: remote}
	for _, apply := range configure {
		apply(&cfg)
	}
	reconciler, err := New(cfg)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return &harness{store: store, remote: remote, clock: clock, reconciler: reconciler}
}

func journalJSON(title string) string {
	return fmt.Sprintf(`{"title":%q,"content":""}`, title)
}

func remoteJournal(remoteID syncable.RemoteID, title string, updatedAt syncable.UnixMillis, version int64) syncable.RemoteRecord {
	return syncable.RemoteRecord{
		RemoteID:    remoteID,
		OwnerID:     testOwner,
		Kind:        syncable.KindJournal,
		PayloadJSON: journalJSON(title),
		CreatedAt:   baseTime,
		UpdatedAt:   updatedAt,
		Lifecycle:   syncable.LifecycleActive,
		Version:     version,
	}
}

func (h *harness) create(t *testing.T, title string) syncable.Record {
	t.Helper()
	record, err := h.store.Create(context.Background(), testOwner, syncable.KindJournal, journalJSON(title))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return record
}

func (h *harness) update(t *testing.T, localID syncable.LocalID, title string) syncable.Record {
	t.Helper()
	record, err := h.store.Update(context.Background(), testOwner, syncable.KindJournal, localID, journalJSON(title))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	return record
}

func (h *harness) get(t *testing.T, localID syncable.LocalID) syncable.Record {
	t.Helper()
	record, err := h.store.Get(context.Background(), testOwner, syncable.KindJournal, localID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return record
}

func (h *harness) checkpoint(t *testing.T) syncable.Checkpoint {
	t.Helper()
	checkpoint, err := h.store.Checkpoint(context.Background(), testOwner, syncable.KindJournal)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	return checkpoint
}

func (h *harness) sync(t *testing.T) Result {
	t.Helper()
	return h.reconciler.Sync(context.Background(), testOwner, syncable.KindJournal)
}

func (h *harness) mustSync(t *testing.T) Result {
	t.Helper()
	result := h.sync(t)
	if result.Err != nil {
		t.Fatalf("sync failed: %v", result.Err)
	}
	return result
}

// scenarioA pushes a new local row and has the server assign remote id 42.
func scenarioA(t *testing.T, h *harness) syncable.Record {
	t.Helper()
	record := h.create(t, "a")
	h.remote.onPush = func(records []syncable.Record) ([]syncable.PushAck, error) {
		pushed := records[0]
		h.remote.put(syncable.RemoteRecord{
			RemoteID:    "42",
			ClientRef:   pushed.ClientRef,
			OwnerID:     testOwner,
			Kind:        syncable.KindJournal,
			PayloadJSON: pushed.PayloadJSON,
			CreatedAt:   pushed.CreatedAt,
			UpdatedAt:   pushed.UpdatedAt,
			Lifecycle:   pushed.Lifecycle,
			Version:     1,
		})
		return []syncable.PushAck{{LocalID: pushed.LocalID, Accepted: true, RemoteID: "42", Version: 1, UpdatedAt: pushed.UpdatedAt}}, nil
	}
	result := h.mustSync(t)
	h.remote.onPush = nil
	if result.Pushed != 1 {
		t.Fatalf("expected one pushed record, got %+v", result)
	}
	return record
}

func TestNewValidatesDependencies(t *testing.T) {
	if _, err := New(Config{Remote: newFakeRemote()}); err == nil {
		t.Fatalf("expected missing store error")
	}
	h := newHarness(t)
	if _, err := New(Config{Store: h.store}); err == nil {
		t.Fatalf("expected missing remote error")
	}
	_, err := New(Config{Store: h.store, Remote: h.remote, TieBreak: "dice"})
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Code() != "reconciler.new.invalid_tie_break" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestScenarioAPushAssignsRemoteID(t *testing.T) {
	h := newHarness(t)
	record := scenarioA(t, h)

	stored := h.get(t, record.LocalID)
	if stored.RemoteID != "42" || stored.SyncStatus != syncable.SyncSynced || stored.Version != 1 {
		t.Fatalf("unexpected row after push: %+v", stored)
	}
}

func TestScenarioBPullOverwritesSyncedRow(t *testing.T) {
	h := newHarness(t)
	record := scenarioA(t, h)
	t2 := record.UpdatedAt + 1000
	h.remote.put(remoteJournal("42", "b", t2, 2))

	result := h.mustSync(t)
	if result.Pulled != 1 {
		t.Fatalf("expected one applied record, got %+v", result)
	}
	stored := h.get(t, record.LocalID)
	if stored.PayloadJSON != journalJSON("b") || stored.UpdatedAt != t2 || stored.SyncStatus != syncable.SyncSynced {
		t.Fatalf("unexpected row after pull: %+v", stored)
	}
}

func TestScenarioCStaleServerUpdateIsDiscarded(t *testing.T) {
	h := newHarness(t)
	record := scenarioA(t, h)
	t2 := record.UpdatedAt + 1000
	t3 := record.UpdatedAt + 2000
	h.clock.Set(t3)
	h.update(t, record.LocalID, "c")
	h.remote.put(remoteJournal("42", "d", t2, 2))
	h.remote.pushErr = errOffline

	result := h.sync(t)
	if result.KeptLocal != 1 {
		t.Fatalf("expected local edit to be kept, got %+v", result)
	}
	if !result.Retryable() {
		t.Fatalf("expected retryable push failure, got %v", result.Err)
	}
	stored := h.get(t, record.LocalID)
	if stored.PayloadJSON != journalJSON("c") || stored.SyncStatus != syncable.SyncPending {
		t.Fatalf("expected pending local edit to survive, got %+v", stored)
	}
	if h.checkpoint(t) != h.remote.cursorOf("42") {
		t.Fatalf("expected checkpoint to cover the pulled record, got %+v", h.checkpoint(t))
	}
}

func TestScenarioDSecondPassSkipsPush(t *testing.T) {
	h := newHarness(t)
	h.create(t, "a")

	h.mustSync(t)
	pullsAfterFirst, pushesAfterFirst := h.remote.calls()
	second := h.mustSync(t)
	pulls, pushes := h.remote.calls()

	if pushes != pushesAfterFirst {
		t.Fatalf("expected no push on the second pass, got %d -> %d", pushesAfterFirst, pushes)
	}
	if pulls != pullsAfterFirst+1 {
		t.Fatalf("expected the second pass to pull, got %d -> %d", pullsAfterFirst, pulls)
	}
	if second.Pushed != 0 {
		t.Fatalf("unexpected second pass result: %+v", second)
	}
}

func TestIdempotentPull(t *testing.T) {
	h := newHarness(t)
	h.remote.ignoreSince = true
	h.remote.put(remoteJournal("r-1", "one", baseTime+10, 1))
	h.remote.put(remoteJournal("r-2", "two", baseTime+20, 4))

	h.mustSync(t)
	first, err := h.store.List(context.Background(), testOwner, syncable.KindJournal, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	second := h.mustSync(t)
	again, err := h.store.List(context.Background(), testOwner, syncable.KindJournal, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first) != 2 || len(again) != 2 {
		t.Fatalf("expected two rows, got %d and %d", len(first), len(again))
	}
	for index := range first {
		if first[index] != again[index] {
			t.Fatalf("row %d changed on replay: %+v -> %+v", index, first[index], again[index])
		}
	}
	if second.Pulled != 0 || second.Unchanged != 2 {
		t.Fatalf("expected replayed records to be unchanged, got %+v", second)
	}
}

func TestFailedPassLosesNoPendingData(t *testing.T) {
	testCases := []struct {
		name   string
		broken func(h *harness)
	}{
		{name: "pull unavailable", broken: func(h *harness) { h.remote.pullErr = errOffline }},
		{name: "push unavailable", broken: func(h *harness) { h.remote.pushErr = errOffline }},
		{name: "push rejected", broken: func(h *harness) { h.remote.pushErr = fmt.Errorf("%w: forbidden", syncable.ErrRejected) }},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			h := newHarness(t)
			record := h.create(t, "unsynced")
			testCase.broken(h)

			result := h.sync(t)
			if result.OK() {
				t.Fatalf("expected pass to fail")
			}
			stored := h.get(t, record.LocalID)
			if stored.SyncStatus != syncable.SyncPending || stored.PayloadJSON != record.PayloadJSON || stored.Version != record.Version {
				t.Fatalf("pending row changed by failed pass: %+v", stored)
			}
		})
	}
}

type failingBatchStore struct {
	*localstore.Store
	err error
}

func (s failingBatchStore) InBatch(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind, fn func(*localstore.Batch) error) error {
	return s.err
}

func TestStoreFailureAbortsPullWithoutAdvancingCheckpoint(t *testing.T) {
	h := newHarness(t)
	diskFull := errors.New("disk full")
	reconciler, err := New(Config{Store: failingBatchStore{Store: h.store, err: diskFull}, Remote: h.remote})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	h.remote.put(remoteJournal("r-1", "one", baseTime+10, 1))

	result := reconciler.Sync(context.Background(), testOwner, syncable.KindJournal)
	if !errors.Is(result.Err, diskFull) || result.Retryable() {
		t.Fatalf("expected non-retryable store failure, got %v", result.Err)
	}
	var syncErr *SyncError
	if !errors.As(result.Err, &syncErr) || syncErr.Code() != "reconciler.pull.apply_failed" {
		t.Fatalf("unexpected error code: %v", result.Err)
	}
	if h.checkpoint(t) != (syncable.Checkpoint{}) {
		t.Fatalf("checkpoint advanced on failure: %+v", h.checkpoint(t))
	}
	if _, pushes := h.remote.calls(); pushes != 0 {
		t.Fatalf("expected push to be skipped after pull failure")
	}
}

func TestCheckpointNeverRegresses(t *testing.T) {
	h := newHarness(t)
	h.remote.ignoreSince = true
	h.remote.put(remoteJournal("r-5", "five", baseTime+500, 1))

	var previous syncable.Checkpoint
	steps := []func(){
		func() {},
		func() { h.remote.put(remoteJournal("r-1", "late", baseTime+100, 1)) },
		func() { h.remote.pullErr = errOffline },
		func() { h.remote.pullErr = nil; h.remote.put(remoteJournal("r-9", "nine", baseTime+900, 1)) },
	}
	for index, step := range steps {
		step()
		h.sync(t)
		current := h.checkpoint(t)
		if current.Less(previous) {
			t.Fatalf("step %d: checkpoint regressed from %+v to %+v", index, previous, current)
		}
		previous = current
	}
	if previous != h.remote.cursorOf("r-9") {
		t.Fatalf("expected final checkpoint at the newest record, got %+v", previous)
	}
}

func TestLastWriteWinsAgainstPendingEdit(t *testing.T) {
	testCases := []struct {
		name        string
		offset      syncable.UnixMillis
		wantPayload string
		wantStatus  syncable.SyncStatus
	}{
		{name: "server older", offset: -1, wantPayload: journalJSON("local"), wantStatus: syncable.SyncPending},
		{name: "timestamps tie", offset: 0, wantPayload: journalJSON("local"), wantStatus: syncable.SyncConflict},
		{name: "server newer", offset: 1, wantPayload: journalJSON("server"), wantStatus: syncable.SyncSynced},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			h := newHarness(t)
			record := scenarioA(t, h)
			editedAt := record.UpdatedAt + 5000
			h.clock.Set(editedAt)
			h.update(t, record.LocalID, "local")
			h.remote.put(remoteJournal("42", "server", editedAt+testCase.offset, 2))
			h.remote.pushErr = errOffline

			h.sync(t)
			stored := h.get(t, record.LocalID)
			if stored.PayloadJSON != testCase.wantPayload || stored.SyncStatus != testCase.wantStatus {
				t.Fatalf("expected %s/%s, got %s/%s", testCase.wantPayload, testCase.wantStatus, stored.PayloadJSON, stored.SyncStatus)
			}
		})
	}
}

func TestVersionTieBreakPolicy(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.TieBreak = TieBreakVersion })
	record := scenarioA(t, h)
	editedAt := record.UpdatedAt + 5000
	h.clock.Set(editedAt)
	h.update(t, record.LocalID, "local")
	h.remote.put(remoteJournal("42", "server", editedAt, 7))
	h.remote.pushErr = errOffline

	h.sync(t)
	stored := h.get(t, record.LocalID)
	if stored.PayloadJSON != journalJSON("server") || stored.Version != 7 {
		t.Fatalf("expected higher server version to win the tie, got %+v", stored)
	}
}

func TestAcknowledgementRaceKeepsNewerEditPending(t *testing.T) {
	h := newHarness(t)
	record := h.create(t, "first")
	h.remote.onPush = func(records []syncable.Record) ([]syncable.PushAck, error) {
		h.clock.Set(baseTime + 50)
		h.update(t, record.LocalID, "edited mid-push")
		pushed := records[0]
		return []syncable.PushAck{{LocalID: pushed.LocalID, Accepted: true, RemoteID: "42", Version: pushed.Version, UpdatedAt: pushed.UpdatedAt}}, nil
	}

	result := h.mustSync(t)
	if result.Raced != 1 || result.Pushed != 0 {
		t.Fatalf("expected one raced acknowledgement, got %+v", result)
	}
	stored := h.get(t, record.LocalID)
	if stored.SyncStatus != syncable.SyncPending {
		t.Fatalf("expected newer edit to stay pending, got %s", stored.SyncStatus)
	}
	if stored.PayloadJSON != journalJSON("edited mid-push") || stored.RemoteID != "42" {
		t.Fatalf("unexpected row: %+v", stored)
	}
}

func TestPartialPushMarksOnlyAcceptedRows(t *testing.T) {
	h := newHarness(t)
	accepted := h.create(t, "accepted")
	rejected := h.create(t, "rejected")
	ignored := h.create(t, "ignored")
	h.remote.onPush = func(records []syncable.Record) ([]syncable.PushAck, error) {
		return []syncable.PushAck{
			{LocalID: accepted.LocalID, Accepted: true, RemoteID: "r-a", Version: 1, UpdatedAt: accepted.UpdatedAt},
			{ClientRef: rejected.ClientRef, Accepted: false, Reason: "stale"},
		}, nil
	}

	result := h.mustSync(t)
	if result.Pushed != 1 || result.Rejected != 1 || result.Unacknowledged != 1 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if got := h.get(t, accepted.LocalID).SyncStatus; got != syncable.SyncSynced {
		t.Fatalf("expected accepted row synced, got %s", got)
	}
	for _, localID := range []syncable.LocalID{rejected.LocalID, ignored.LocalID} {
		if got := h.get(t, localID).SyncStatus; got != syncable.SyncPending {
			t.Fatalf("expected row %d to stay pending, got %s", localID, got)
		}
	}
}

func TestPushIsChunked(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.PushBatchSize = 2 })
	for index := 0; index < 5; index++ {
		h.create(t, fmt.Sprintf("entry %d", index))
	}
	result := h.mustSync(t)
	_, pushes := h.remote.calls()
	if pushes != 3 || result.Pushed != 5 {
		t.Fatalf("expected 3 push calls for 5 rows, got %d calls and %+v", pushes, result)
	}
}

func TestPullFollowsPages(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.PageSize = 2 })
	for index := 1; index <= 5; index++ {
		h.remote.put(remoteJournal(syncable.RemoteID(fmt.Sprintf("r-%d", index)), "same ms", baseTime+10, 1))
	}

	result := h.mustSync(t)
	pulls, _ := h.remote.calls()
	if pulls != 3 || result.Pulled != 5 {
		t.Fatalf("expected 3 pages and 5 records, got %d pages and %+v", pulls, result)
	}
	if h.checkpoint(t) != h.remote.cursorOf("r-5") {
		t.Fatalf("unexpected checkpoint %+v", h.checkpoint(t))
	}
}

func TestLostAcknowledgementDoesNotDuplicate(t *testing.T) {
	h := newHarness(t)
	record := h.create(t, "once")
	h.remote.put(syncable.RemoteRecord{
		RemoteID:    "r-x",
		ClientRef:   record.ClientRef,
		OwnerID:     testOwner,
		Kind:        syncable.KindJournal,
		PayloadJSON: record.PayloadJSON,
		CreatedAt:   record.CreatedAt,
		UpdatedAt:   record.UpdatedAt,
		Lifecycle:   syncable.LifecycleActive,
		Version:     1,
	})

	h.mustSync(t)
	rows, err := h.store.List(context.Background(), testOwner, syncable.KindJournal, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].RemoteID != "r-x" || rows[0].SyncStatus != syncable.SyncSynced {
		t.Fatalf("expected the local row to bind to r-x, got %+v", rows)
	}
	if _, pushes := h.remote.calls(); pushes != 0 {
		t.Fatalf("expected nothing left to push, got %d pushes", pushes)
	}
}

func TestConcurrentSyncsAreCoalesced(t *testing.T) {
	h := newHarness(t)
	h.remote.pullEntered = make(chan struct{}, 1)
	h.remote.pullGate = make(chan struct{})

	results := make(chan Result, 2)
	go func() { results <- h.sync(t) }()
	<-h.remote.pullEntered
	go func() { results <- h.sync(t) }()
	time.Sleep(100 * time.Millisecond)
	close(h.remote.pullGate)

	first, second := <-results, <-results
	if pulls, _ := h.remote.calls(); pulls != 1 {
		t.Fatalf("expected a single pass, got %d pulls", pulls)
	}
	if !first.Coalesced || !second.Coalesced {
		t.Fatalf("expected both callers to share the pass: %+v %+v", first, second)
	}
}

func TestRepeatedFailuresNotifyOnce(t *testing.T) {
	var mu sync.Mutex
	var notifications []int
	h := newHarness(t, func(cfg *Config) {
		cfg.FailureThreshold = 3
		cfg.Notifier = FailureNotifierFunc(func(owner syncable.OwnerID, kind syncable.Kind, failures int, lastErr error) {
			mu.Lock()
			defer mu.Unlock()
			notifications = append(notifications, failures)
		})
	})
	h.remote.pullErr = errOffline

	for attempt := 0; attempt < 4; attempt++ {
		h.sync(t)
	}
	if got := h.reconciler.ConsecutiveFailures(testOwner, syncable.KindJournal); got != 4 {
		t.Fatalf("expected 4 consecutive failures, got %d", got)
	}
	mu.Lock()
	if len(notifications) != 1 || notifications[0] != 3 {
		t.Fatalf("expected a single notification at the threshold, got %v", notifications)
	}
	mu.Unlock()

	h.remote.pullErr = nil
	h.mustSync(t)
	if got := h.reconciler.ConsecutiveFailures(testOwner, syncable.KindJournal); got != 0 {
		t.Fatalf("expected success to clear failures, got %d", got)
	}
}

func TestSyncAllCoversEveryKind(t *testing.T) {
	h := newHarness(t)
	h.create(t, "journal")
	if _, err := h.store.Create(context.Background(), testOwner, syncable.KindMood, `{"mood":"happy","day":"2026-10-14"}`); err != nil {
		t.Fatalf("create mood: %v", err)
	}

	results := h.reconciler.SyncAll(context.Background(), testOwner)
	if len(results) != 2 {
		t.Fatalf("expected a result per kind, got %d", len(results))
	}
	for index, kind := range syncable.Kinds() {
		if results[index].Kind != kind || !results[index].OK() || results[index].Pushed != 1 {
			t.Fatalf("unexpected result for %s: %+v", kind, results[index])
		}
	}
}

func TestLateWriteWithOlderTimestampIsPulled(t *testing.T) {
	h := newHarness(t)
	h.remote.put(remoteJournal("r-ahead", "from a fast clock", baseTime+3_600_000, 1))
	h.mustSync(t)

	h.remote.put(remoteJournal("r-late", "edited offline earlier", baseTime+10, 1))
	result := h.mustSync(t)
	if result.Pulled != 1 {
		t.Fatalf("expected the late write to be pulled, got %+v", result)
	}
	rows, err := h.store.List(context.Background(), testOwner, syncable.KindJournal, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected both records locally, got %+v", rows)
	}
	if h.checkpoint(t) != h.remote.cursorOf("r-late") {
		t.Fatalf("expected checkpoint at the latest change, got %+v", h.checkpoint(t))
	}
}

func TestUnreadableRecordHaltsPullButStillPushes(t *testing.T) {
	h := newHarness(t)
	h.remote.put(remoteJournal("x-1", "one", baseTime+10, 1))
	h.remote.put(remoteJournal("x-2", "broken", baseTime+20, 1))
	h.remote.put(remoteJournal("x-3", "three", baseTime+30, 1))
	h.remote.setUnreadable("x-2", true)
	pending := h.create(t, "local edit")

	result := h.sync(t)
	if !errors.Is(result.Err, syncable.ErrMalformedRecord) || result.Retryable() {
		t.Fatalf("expected a non-retryable malformed record failure, got %v", result.Err)
	}
	var syncErr *SyncError
	if !errors.As(result.Err, &syncErr) || syncErr.Code() != "reconciler.pull.malformed_record" {
		t.Fatalf("unexpected error code: %v", result.Err)
	}
	if result.Pulled != 1 || result.Pushed != 1 {
		t.Fatalf("expected the readable prefix applied and the push run, got %+v", result)
	}
	if h.checkpoint(t) != h.remote.cursorOf("x-1") {
		t.Fatalf("expected checkpoint to stop before the unreadable record, got %+v", h.checkpoint(t))
	}
	if stored := h.get(t, pending.LocalID); stored.SyncStatus != syncable.SyncSynced {
		t.Fatalf("expected the local edit to be pushed, got %+v", stored)
	}
	if failures := h.reconciler.ConsecutiveFailures(testOwner, syncable.KindJournal); failures != 1 {
		t.Fatalf("expected the halted pass to count as a failure, got %d", failures)
	}

	h.remote.setUnreadable("x-2", false)
	retry := h.mustSync(t)
	if retry.Pulled != 2 {
		t.Fatalf("expected the skipped records on the next pass, got %+v", retry)
	}
	if h.checkpoint(t).Less(h.remote.cursorOf("x-3")) {
		t.Fatalf("expected checkpoint past the recovered records, got %+v", h.checkpoint(t))
	}
	if failures := h.reconciler.ConsecutiveFailures(testOwner, syncable.KindJournal); failures != 0 {
		t.Fatalf("expected failures to reset, got %d", failures)
	}
}
