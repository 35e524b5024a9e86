package license

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cacheKeyPrefix = "pkgport:license:"
	cacheTTL       = 15 * time.Minute
)

// Cache memoizes classifier evaluations keyed by canonical expression.
// Redis is the shared layer; an in-process map covers outages so a
// Redis failure never stalls the license stage.
type Cache struct {
	classifier *Classifier
	rdb        *redis.Client
	logger     *slog.Logger

	mu    sync.RWMutex
	local map[string]Evaluation
}

// NewCache wraps the classifier. rdb may be nil; the cache then runs
// in-process only.
func NewCache(classifier *Classifier, rdb *redis.Client, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		classifier: classifier,
		rdb:        rdb,
		logger:     logger,
		local:      make(map[string]Evaluation),
	}
}

// Evaluate returns the memoized evaluation for the expression,
// computing and storing it on miss.
func (c *Cache) Evaluate(ctx context.Context, expression string) Evaluation {
	key := cacheKey(expression)

	c.mu.RLock()
	eval, ok := c.local[key]
	c.mu.RUnlock()
	if ok {
		return eval
	}

	if eval, ok := c.fetch(ctx, key); ok {
		c.remember(key, eval)
		return eval
	}

	c.mu.RLock()
	classifier := c.classifier
	c.mu.RUnlock()

	eval = classifier.Evaluate(expression)
	c.remember(key, eval)
	c.store(ctx, key, eval)
	return eval
}

// SetClassifier swaps in a new policy snapshot and drops the
// in-process memo. Callers invalidate the shared layer separately.
func (c *Cache) SetClassifier(classifier *Classifier) {
	c.mu.Lock()
	c.classifier = classifier
	c.local = make(map[string]Evaluation)
	c.mu.Unlock()
}

// Invalidate drops all memoized evaluations. Call after the policy
// table changes.
func (c *Cache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.local = make(map[string]Evaluation)
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	iter := c.rdb.Scan(ctx, 0, cacheKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Debug("license cache invalidation failed", "error", err)
			return
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Debug("license cache scan failed", "error", err)
	}
}

// cacheKey folds case and whitespace but keeps expression structure,
// so "MIT OR GPL" and an identifier spelled "MIT-OR-GPL" never share
// an entry.
func cacheKey(expression string) string {
	return strings.ToLower(strings.Join(strings.Fields(expression), " "))
}

func (c *Cache) remember(key string, eval Evaluation) {
	c.mu.Lock()
	c.local[key] = eval
	c.mu.Unlock()
}

func (c *Cache) fetch(ctx context.Context, key string) (Evaluation, bool) {
	if c.rdb == nil {
		return Evaluation{}, false
	}
	raw, err := c.rdb.Get(ctx, cacheKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("license cache read failed", "error", err)
		}
		return Evaluation{}, false
	}
	var eval Evaluation
	if err := json.Unmarshal(raw, &eval); err != nil {
		c.logger.Debug("license cache entry corrupt", "key", key, "error", err)
		return Evaluation{}, false
	}
	return eval, true
}

func (c *Cache) store(ctx context.Context, key string, eval Evaluation) {
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(eval)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKeyPrefix+key, raw, cacheTTL).Err(); err != nil {
		c.logger.Debug("license cache write failed", "error", err)
	}
}
