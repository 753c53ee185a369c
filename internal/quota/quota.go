/**
 * Provider quotas
 *
 * Two limits per provider, both taken from its config row:
 *   rate_limit_per_minute - token bucket held in this process (x/time/rate)
 *   rate_limit_per_day    - shared counter (Redis when available, else the store)
 * Zero means unlimited. Exceeding either is a page-scoped RATE_LIMITED error.
 */

package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/logging"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
	"github.com/adverant/nexus/ocr-orchestrator/internal/storage"
)

// DailyCounter counts provider calls for the current day
type DailyCounter interface {
	// Increment records one call and returns the day's total including it
	Increment(ctx context.Context, provider string) (int, error)
}

type bucket struct {
	perMinute int
	limiter   *rate.Limiter
}

// Limiter keeps one token bucket per provider
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter creates an empty limiter
func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket)}
}

// Allow takes one token from provider's bucket. The bucket is rebuilt when
// the configured rate changes.
func (l *Limiter) Allow(provider string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}

	l.mu.Lock()
	b, ok := l.buckets[provider]
	if !ok || b.perMinute != perMinute {
		b = &bucket{
			perMinute: perMinute,
			limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		}
		l.buckets[provider] = b
	}
	l.mu.Unlock()

	return b.limiter.Allow()
}

// RedisDailyCounter keeps day counters in Redis so every worker shares them
type RedisDailyCounter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisDailyCounter creates a counter with keys under prefix
func NewRedisDailyCounter(client *redis.Client, prefix string) *RedisDailyCounter {
	return &RedisDailyCounter{client: client, prefix: prefix, now: time.Now}
}

// Increment bumps today's counter, expiring it after two days
func (c *RedisDailyCounter) Increment(ctx context.Context, provider string) (int, error) {
	key := c.key(provider)

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment daily usage for %s: %w", provider, err)
	}
	return int(incr.Val()), nil
}

func (c *RedisDailyCounter) key(provider string) string {
	return fmt.Sprintf("%s:quota:%s:%s", c.prefix, provider, c.now().UTC().Format("2006-01-02"))
}

// StoreDailyCounter uses current_daily_usage on the provider config row.
// Resetting it is left to an external daily job.
type StoreDailyCounter struct {
	store storage.ProviderConfigStore
}

// NewStoreDailyCounter creates a store-backed counter
func NewStoreDailyCounter(store storage.ProviderConfigStore) *StoreDailyCounter {
	return &StoreDailyCounter{store: store}
}

func (c *StoreDailyCounter) Increment(ctx context.Context, provider string) (int, error) {
	return c.store.IncrementDailyUsage(ctx, provider)
}

// Guard applies both limits before a provider call
type Guard struct {
	limiter *Limiter
	daily   DailyCounter
	logger  *logging.Logger
}

// NewGuard creates a guard. A nil daily counter disables the daily limit.
func NewGuard(limiter *Limiter, daily DailyCounter) *Guard {
	if limiter == nil {
		limiter = NewLimiter()
	}
	return &Guard{
		limiter: limiter,
		daily:   daily,
		logger:  logging.NewLogger("QuotaGuard"),
	}
}

// Acquire admits one call to provider or returns RATE_LIMITED.
// Providers without a config row are not limited.
func (g *Guard) Acquire(ctx context.Context, provider string, cfg *models.OcrProviderConfig) error {
	if cfg == nil {
		return nil
	}

	if !g.limiter.Allow(provider, cfg.RateLimitPerMinute) {
		return ocrerrors.NewRateLimitedError(provider, "minute")
	}

	if cfg.RateLimitPerDay <= 0 || g.daily == nil {
		return nil
	}

	used, err := g.daily.Increment(ctx, provider)
	if err != nil {
		// usage counting is best-effort
		g.logger.Warn("Daily usage not recorded", "provider", provider, "error", err)
		return nil
	}
	if used > cfg.RateLimitPerDay {
		return ocrerrors.NewRateLimitedError(provider, "day")
	}
	return nil
}
