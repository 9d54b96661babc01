// Package connectivity turns reachability signals into sync passes.
package connectivity

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/reconciler"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
	"go.uber.org/zap"
)

const defaultQuietPeriod = 3 * time.Second

var errMissingSyncer = errors.New("connectivity: syncer is required")

// State is the reachability state.
type State int

const (
	// StateOffline means the sync server is unreachable.
	StateOffline State = iota
	// StateOnline means the sync server answered.
	StateOnline
)

func (s State) String() string {
	if s == StateOnline {
		return "online"
	}
	return "offline"
}

// Syncer runs one sync pass.
type Syncer interface {
	Sync(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind) reconciler.Result
}

// Config describes the dependencies of a Monitor.
type Config struct {
	Syncer      Syncer
	QuietPeriod time.Duration
	// OnOnline runs on every offline to online transition, before debouncing.
	OnOnline func()
	// OnResults receives the results of every triggered round.
	OnResults func([]reconciler.Result)
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Monitor is the offline/online state machine. Every offline to online transition syncs all
// registered targets, with at least QuietPeriod between rounds; transitions arriving inside the
// quiet period collapse into one trailing round.
type Monitor struct {
	syncer    Syncer
	quiet     time.Duration
	onOnline  func()
	onResults func([]reconciler.Result)
	clock     func() time.Time
	logger    *zap.Logger

	mu        sync.Mutex
	state     State
	targets   map[syncable.OwnerID][]syncable.Kind
	lastRound time.Time
	pending   *time.Timer
	inFlight  sync.WaitGroup
}

// NewMonitor validates the configuration and returns a Monitor in the offline state.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Syncer == nil {
		return nil, errMissingSyncer
	}
	quiet := cfg.QuietPeriod
	if quiet <= 0 {
		quiet = defaultQuietPeriod
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		syncer:    cfg.Syncer,
		quiet:     quiet,
		onOnline:  cfg.OnOnline,
		onResults: cfg.OnResults,
		clock:     clock,
		logger:    logger,
		state:     StateOffline,
		targets:   make(map[syncable.OwnerID][]syncable.Kind),
	}, nil
}

// Register adds the owner's kinds to the set synced on reconnect. No kinds means all kinds.
func (m *Monitor) Register(owner syncable.OwnerID, kinds ...syncable.Kind) {
	if len(kinds) == 0 {
		kinds = syncable.Kinds()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[owner] = append([]syncable.Kind(nil), kinds...)
}

// Unregister drops the owner, for example on logout.
func (m *Monitor) Unregister(owner syncable.OwnerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, owner)
}

// State returns the current reachability state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetOnline feeds one reachability observation. Repeated observations of the same state are
// ignored; going offline cancels a pending trailing round.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	previous := m.state
	if !online {
		m.state = StateOffline
		if m.pending != nil {
			m.pending.Stop()
			m.pending = nil
		}
		m.mu.Unlock()
		if previous == StateOnline {
			m.logger.Info("connectivity lost")
		}
		return
	}
	m.state = StateOnline
	m.mu.Unlock()

	if previous == StateOnline {
		return
	}
	m.logger.Info("connectivity restored")
	if m.onOnline != nil {
		m.onOnline()
	}
	m.schedule(ctx)
}

// Trigger requests a round outside of a transition, such as an app returning to the foreground.
// It is a no-op while offline and obeys the quiet period.
func (m *Monitor) Trigger(ctx context.Context) {
	if m.State() != StateOnline {
		return
	}
	m.schedule(ctx)
}

// Run consumes reachability signals until ctx ends or signals closes, then waits for in-flight
// rounds to finish.
func (m *Monitor) Run(ctx context.Context, signals <-chan bool) error {
	defer m.Wait()
	for {
		select {
		case <-ctx.Done():
			m.stopPending()
			return ctx.Err()
		case online, ok := <-signals:
			if !ok {
				m.stopPending()
				return nil
			}
			m.SetOnline(ctx, online)
		}
	}
}

// Wait blocks until every started round has completed.
func (m *Monitor) Wait() {
	m.inFlight.Wait()
}

func (m *Monitor) schedule(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending != nil {
		return
	}
	wait := m.quiet - m.clock().Sub(m.lastRound)
	if m.lastRound.IsZero() || wait <= 0 {
		m.fireLocked(ctx)
		return
	}
	m.logger.Debug("sync round deferred by quiet period", zap.Duration("wait", wait))
	var timer *time.Timer
	timer = time.AfterFunc(wait, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.pending != timer {
			return
		}
		m.pending = nil
		if m.state == StateOnline && ctx.Err() == nil {
			m.fireLocked(ctx)
		}
	})
	m.pending = timer
}

func (m *Monitor) fireLocked(ctx context.Context) {
	m.lastRound = m.clock()
	targets := m.snapshotLocked()
	m.inFlight.Add(1)
	go func() {
		defer m.inFlight.Done()
		m.syncTargets(ctx, targets)
	}()
}

type target struct {
	owner syncable.OwnerID
	kind  syncable.Kind
}

func (m *Monitor) snapshotLocked() []target {
	owners := make([]syncable.OwnerID, 0, len(m.targets))
	for owner := range m.targets {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	targets := make([]target, 0, len(owners)*len(syncable.Kinds()))
	for _, owner := range owners {
		for _, kind := range m.targets[owner] {
			targets = append(targets, target{owner: owner, kind: kind})
		}
	}
	return targets
}

func (m *Monitor) syncTargets(ctx context.Context, targets []target) {
	results := make([]reconciler.Result, 0, len(targets))
	for _, target := range targets {
		result := m.syncer.Sync(ctx, target.owner, target.kind)
		if result.Err != nil {
			m.logger.Debug("triggered sync failed",
				zap.String("owner_id", target.owner.String()),
				zap.String("kind", target.kind.String()),
				zap.Error(result.Err))
		}
		results = append(results, result)
	}
	if m.onResults != nil {
		m.onResults(results)
	}
}

func (m *Monitor) stopPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
}
