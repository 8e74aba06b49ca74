package sessionid

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whisper/kvsessions/internal/kvstore"
	"github.com/whisper/kvsessions/internal/metrics"
)

// scavengeConcurrency bounds how many session managers sweep at once.
const scavengeConcurrency = 4

func (m *Manager) runScavenger(ctx context.Context, period time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("scavenger stopped")
			return
		case <-ticker.C:
			m.ScavengeNow(ctx)
		}
	}
}

// ScavengeNow runs one sweep: every registered Scavenger reports its stale
// ids, each stale id is expired everywhere, and backends that keep expired
// rows are purged. It returns the number of ids expired.
func (m *Manager) ScavengeNow(ctx context.Context) int {
	start := time.Now()
	now := m.now()

	var (
		mu    sync.Mutex
		stale = make(map[string]struct{})
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scavengeConcurrency)
	for _, sink := range m.snapshot() {
		sc, ok := sink.(Scavenger)
		if !ok {
			continue
		}
		g.Go(func() error {
			ids := sc.Scavenge(gctx, now)
			mu.Lock()
			for _, id := range ids {
				stale[id] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for id := range stale {
		m.ExpireAll(ctx, id)
	}
	metrics.ScavengedTotal.Add(float64(len(stale)))

	if p, ok := m.current().(kvstore.Purger); ok {
		pctx, cancel := m.callContext(ctx)
		n, err := p.Purge(pctx)
		cancel()
		if err != nil {
			m.logger.Warn("purge failed", "error", err)
		} else if n > 0 {
			m.logger.Debug("purged expired keys", "count", n)
		}
	}

	metrics.ScavengeDuration.Observe(time.Since(start).Seconds())
	if len(stale) > 0 {
		m.logger.Info("scavenge: expired sessions", "count", len(stale))
	}
	return len(stale)
}
