package journal

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/realtime"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/reconciler"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
	"go.uber.org/zap"
)

var errMissingProber = errors.New("journal: reachability prober is required")

// WatchConfig wires the long-running sync triggers of a session.
type WatchConfig struct {
	Prober        connectivity.Prober
	ProbeInterval time.Duration
	QuietPeriod   time.Duration
	// Channel configures the change-notification channel; nil runs without one. OwnerID and the
	// callbacks are set by Watch.
	Channel *realtime.Config
}

// Watch keeps the session in sync until ctx ends. Reachability probes drive the connectivity
// monitor; going online resets the channel's retry budget, an open channel requests a round and
// every data_changed notification syncs the affected kind.
func (s *Session) Watch(ctx context.Context, cfg WatchConfig) error {
	if cfg.Prober == nil {
		return errMissingProber
	}

	var channel *realtime.Controller
	monitor, err := connectivity.NewMonitor(connectivity.Config{
		Syncer:      s.syncer,
		QuietPeriod: cfg.QuietPeriod,
		OnOnline: func() {
			if channel != nil {
				channel.Reset()
			}
		},
		OnResults: s.deliver,
		Clock:     s.clock,
		Logger:    s.logger,
	})
	if err != nil {
		return err
	}
	monitor.Register(s.owner)
	defer monitor.Unregister(s.owner)

	if cfg.Channel != nil {
		channelConfig := *cfg.Channel
		channelConfig.OwnerID = s.owner
		channelConfig.OnOpen = func(ctx context.Context) {
			monitor.Trigger(ctx)
		}
		channelConfig.OnDataChanged = func(ctx context.Context, kind syncable.Kind) {
			s.deliver([]reconciler.Result{s.TriggerSync(ctx, kind)})
		}
		if channelConfig.Logger == nil {
			channelConfig.Logger = s.logger
		}
		channel, err = realtime.NewController(channelConfig)
		if err != nil {
			return err
		}
		if err := channel.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if closeErr := channel.Close(); closeErr != nil {
				s.logger.Warn("closing channel failed", zap.Error(closeErr))
			}
		}()
	}

	signals := connectivity.WatchProbe(ctx, cfg.Prober, cfg.ProbeInterval)
	err = monitor.Run(ctx, signals)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
