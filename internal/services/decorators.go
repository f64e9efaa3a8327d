package services

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/adverant/nexus/handprint-worker/internal/cache"
	"github.com/adverant/nexus/handprint-worker/internal/errors"
	"github.com/adverant/nexus/handprint-worker/internal/logging"
	"github.com/adverant/nexus/handprint-worker/internal/model"
)

// rateLimited waits on the service's limiter before each call.
type rateLimited struct {
	Service
	limiter *rate.Limiter
}

func (r *rateLimited) Recognize(ctx context.Context, img *model.NormalizedImage, opts RequestOptions) (*model.RecognitionResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// the next slot lies beyond the context deadline
		return nil, errors.NewServiceError(r.Descriptor().Name, errors.KindRateLimit, "rate limit wait exceeds deadline", err)
	}
	return r.Service.Recognize(ctx, img, opts)
}

type cachedEntry struct {
	Result *model.RecognitionResult `json:"result"`
	Raw    []byte                   `json:"raw,omitempty"`
}

// Cached serves repeat requests for the same image and options from a cache.
type Cached struct {
	Service
	cache  cache.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewCached wraps svc with a result cache.
func NewCached(svc Service, c cache.Client, ttl time.Duration) *Cached {
	return &Cached{
		Service: svc,
		cache:   c,
		ttl:     ttl,
		logger:  logging.NewLogger("ResultCache"),
	}
}

// Key is the cache key for one (service, image, options) triple.
func (c *Cached) Key(img *model.NormalizedImage, opts RequestOptions) string {
	return fmt.Sprintf("result:%s:%s:%s:%g:%s",
		c.Descriptor().Name, img.Digest, opts.Language, opts.MinConfidence, opts.Granularity)
}

func (c *Cached) Recognize(ctx context.Context, img *model.NormalizedImage, opts RequestOptions) (*model.RecognitionResult, error) {
	key := c.Key(img, opts)

	data, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		var entry cachedEntry
		if jsonErr := json.Unmarshal(data, &entry); jsonErr == nil && entry.Result != nil {
			entry.Result.Raw = entry.Raw
			entry.Result.Cached = true
			c.logger.Debug("Cache hit", "service", entry.Result.Service, "digest", img.Digest)
			return entry.Result, nil
		}
		c.logger.Warn("Discarding unreadable cache entry", "key", key)
		if delErr := c.cache.Delete(ctx, key); delErr != nil {
			c.logger.Warn("Cache delete failed", "key", key, "error", delErr)
		}
	case !stderrors.Is(err, cache.ErrCacheMiss):
		c.logger.Warn("Cache lookup failed", "key", key, "error", err)
	}

	res, err := c.Service.Recognize(ctx, img, opts)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(cachedEntry{Result: res, Raw: res.Raw})
	if err == nil {
		if setErr := c.cache.Set(ctx, key, payload, c.ttl); setErr != nil {
			c.logger.Warn("Cache store failed", "key", key, "error", setErr)
		}
	}
	return res, nil
}
