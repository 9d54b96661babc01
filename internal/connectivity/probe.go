package connectivity

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
)

const defaultProbeInterval = 10 * time.Second

// Prober checks whether the sync server answers.
type Prober interface {
	Probe(ctx context.Context) error
}

// Reachable interprets a probe error. Only transient failures count as offline; a server that
// refuses the request still answered.
func Reachable(err error) bool {
	return err == nil || !errors.Is(err, syncable.ErrUnavailable)
}

// WatchProbe probes immediately and then every interval, sending each observation on the
// returned channel. The channel closes when ctx ends.
func WatchProbe(ctx context.Context, prober Prober, interval time.Duration) <-chan bool {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	signals := make(chan bool)
	go func() {
		defer close(signals)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case signals <- Reachable(prober.Probe(ctx)):
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return signals
}
