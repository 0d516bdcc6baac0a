package tracking

import (
	"context"
	"time"

	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
	"github.com/gocomet/logistics-dispatch/pkg/logger"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// Sweeper evicts drivers that stopped reporting.
type Sweeper struct {
	registry *Registry
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *logger.Logger
}

func NewSweeper(registry *Registry, ttl, interval time.Duration, log *logger.Logger) *Sweeper {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		registry: registry,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
		logger:   log.Named("sweeper"),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Driver sweeper started",
		logger.Duration("ttl", s.ttl),
		logger.Duration("interval", s.interval),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(ctx, s.now()); n > 0 {
				s.logger.Info("Evicted stale drivers", logger.Int("count", n))
			}
		}
	}
}

// Sweep evicts every driver whose last update is older than the TTL at now.
// The expiry is re-checked under the record lock, so a report racing the
// sweep keeps the driver alive. Unclaimed departures are forgotten one TTL
// after their eviction became due.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) int {
	r := s.registry

	r.mu.RLock()
	candidates := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		candidates[id] = e
	}
	r.mu.RUnlock()

	evicted := 0
	for id, e := range candidates {
		keep := func(rec driver.Record) bool { return !rec.Expired(now, s.ttl) }
		if r.evict(ctx, id, e, EvictExpired, keep) {
			evicted++
		}
	}

	if n := r.PurgeDepartures(now.Add(-2 * s.ttl)); n > 0 {
		s.logger.Debug("Forgot departed drivers", logger.Int("count", n))
	}
	return evicted
}
