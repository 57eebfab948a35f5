// Package guard provides optional launch guards: a process-wide rate limit
// and per-database exclusivity.
package guard

import (
	"net/http"
	"sync"

	"github.com/fgeck/pgdump-relay/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Service defines the interface for launch guards.
type Service interface {
	// Acquire admits a dump of database. On success the caller must call
	// release once the dump has finished.
	Acquire(database string) (release func(), decision models.Decision)
}

// Impl implements the guard Service interface.
type Impl struct {
	limiter   *rate.Limiter // nil when rate limiting is disabled
	exclusive bool
	logger    zerolog.Logger

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// New creates a guard from settings. With zero settings every dump is admitted.
func New(logger zerolog.Logger, settings models.GuardSettings) *Impl {
	g := &Impl{
		exclusive: settings.ExclusiveDumps,
		logger:    logger,
		sems:      make(map[string]*semaphore.Weighted),
	}
	if settings.RatePerMinute > 0 {
		burst := settings.RateBurst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(settings.RatePerMinute/60), burst)
	}
	return g
}

// Acquire checks exclusivity first so a busy database does not consume
// a rate token.
func (g *Impl) Acquire(database string) (func(), models.Decision) {
	release := func() {}

	if g.exclusive {
		sem := g.semaphoreFor(database)
		if !sem.TryAcquire(1) {
			g.logger.Warn().Str("database", database).Msg("dump already in progress")
			return nil, models.Deny(http.StatusConflict, models.ReasonDumpInProgress)
		}
		var once sync.Once
		release = func() { once.Do(func() { sem.Release(1) }) }
	}

	if g.limiter != nil && !g.limiter.Allow() {
		release()
		g.logger.Warn().Str("database", database).Msg("dump rate limited")
		return nil, models.Deny(http.StatusTooManyRequests, models.ReasonRateLimited)
	}

	return release, models.Allow()
}

func (g *Impl) semaphoreFor(database string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()

	sem, ok := g.sems[database]
	if !ok {
		sem = semaphore.NewWeighted(1)
		g.sems[database] = sem
	}
	return sem
}
