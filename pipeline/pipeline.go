// Package pipeline implements the request-admission and caching pipeline:
// token check, rate limit, path validation, cache lookup, origin fetch,
// content-type gate and cache store, in that order.
package pipeline

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wolfeidau/rawproxy"
	"github.com/wolfeidau/rawproxy/cache"
	"github.com/wolfeidau/rawproxy/origin"
	"github.com/wolfeidau/rawproxy/ratelimit"
	"github.com/wolfeidau/rawproxy/telemetry"
	"golang.org/x/sync/singleflight"
)

// CacheStatus indicates whether a success was served from cache.
type CacheStatus string

const (
	CacheStatusHit  CacheStatus = "HIT"
	CacheStatusMiss CacheStatus = "MISS"
)

// Reason classifies a rejection. Reasons feed logs and metrics only; the
// boundary collapses every rejection into one uniform deflection so callers
// cannot distinguish them.
type Reason string

const (
	ReasonMissingParam    Reason = "missing_param"
	ReasonInvalidToken    Reason = "invalid_token"
	ReasonRateLimited     Reason = "rate_limited"
	ReasonInvalidPath     Reason = "invalid_path"
	ReasonOriginError     Reason = "origin_error"
	ReasonUnsupportedType Reason = "unsupported_type"
)

// Rejection is a terminal pipeline outcome other than success.
type Rejection struct {
	Reason Reason
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("rejected (%s): %v", r.Reason, r.Err)
	}
	return fmt.Sprintf("rejected (%s)", r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Err }

// Result is a successful pipeline outcome.
type Result struct {
	Payload     []byte
	ContentType string
	CacheStatus CacheStatus
	Digest      rawproxy.Hash
}

// Fetcher retrieves an object from the origin.
type Fetcher interface {
	Fetch(ctx context.Context, key rawproxy.ObjectKey) (*origin.Object, error)
}

// Config holds pipeline configuration.
type Config struct {
	// Secret is the token callers must present. An empty secret rejects
	// every request.
	Secret string

	// MaxKeyLength bounds object key length. Zero means the package default.
	MaxKeyLength int

	// Logger for pipeline events.
	Logger *slog.Logger
}

// Pipeline orchestrates one request through the admission gates. It holds no
// state of its own beyond references to the shared cache and limiter, both of
// which encapsulate their own locking.
type Pipeline struct {
	config  Config
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	fetcher Fetcher
	group   singleflight.Group
	logger  *slog.Logger
}

// New creates a pipeline over the given cache, limiter and fetcher.
func New(c *cache.Cache, l *ratelimit.Limiter, f Fetcher, cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		config:  cfg,
		cache:   c,
		limiter: l,
		fetcher: f,
		logger:  cfg.Logger,
	}
}

// Handle runs one request through the gates. Exactly one of the return
// values is non-nil. Handle never panics: anything unexpected inside the
// pipeline is recovered and reported as an origin error.
func (p *Pipeline) Handle(ctx context.Context, token, rawKey string) (result *Result, rej *Rejection) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("recovered panic in pipeline", "panic", r)
			result = nil
			rej = p.reject(ctx, ReasonOriginError, fmt.Errorf("panic: %v", r))
		}
	}()

	// ParamsPresent
	if token == "" || rawKey == "" {
		return nil, p.reject(ctx, ReasonMissingParam, errors.New("missing token or key"))
	}

	// TokenValid. An unset secret rejects everything rather than failing open.
	if p.config.Secret == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(p.config.Secret)) != 1 {
		return nil, p.reject(ctx, ReasonInvalidToken, errors.New("token mismatch"))
	}

	// Admitted
	if !p.limiter.Allow(ctx) {
		return nil, p.reject(ctx, ReasonRateLimited, errors.New("admission denied"))
	}

	// PathValid
	key, err := rawproxy.ValidateKey(rawproxy.Sanitize(rawKey), p.config.MaxKeyLength)
	if err != nil {
		return nil, p.reject(ctx, ReasonInvalidPath, err)
	}

	// CacheCheck
	cacheKey := cache.KeyFor(key)
	if payload, contentType, ok := p.cache.Get(ctx, cacheKey); ok {
		p.logger.Debug("cache hit", "key", key.String())
		return &Result{
			Payload:     payload,
			ContentType: contentType,
			CacheStatus: CacheStatusHit,
			Digest:      rawproxy.HashBytes(payload),
		}, nil
	}

	p.logger.Debug("cache miss, fetching from origin", "key", key.String())

	// OriginFetch → TypeGate → CacheStore, deduplicated so concurrent misses
	// for the same key perform a single origin fetch. The fetch runs on a
	// detached context: one caller going away must not cancel it for other
	// waiters, and its result may still populate the cache. The fetcher's own
	// timeout is the only cancellation mechanism.
	ch := p.group.DoChan(cacheKey, func() (any, error) {
		return p.fetchAndStore(context.WithoutCancel(ctx), key, cacheKey)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var inner *Rejection
			if errors.As(res.Err, &inner) {
				return nil, p.reject(ctx, inner.Reason, inner.Err)
			}
			return nil, p.reject(ctx, ReasonOriginError, res.Err)
		}
		obj := res.Val.(*origin.Object)
		return &Result{
			Payload:     obj.Payload,
			ContentType: obj.ContentType,
			CacheStatus: CacheStatusMiss,
			Digest:      rawproxy.HashBytes(obj.Payload),
		}, nil
	case <-ctx.Done():
		return nil, p.reject(ctx, ReasonOriginError, ctx.Err())
	}
}

// fetchAndStore fetches from the origin, applies the content-type gate, and
// stores the object. The store is best-effort; it cannot fail the response.
func (p *Pipeline) fetchAndStore(ctx context.Context, key rawproxy.ObjectKey, cacheKey string) (*origin.Object, error) {
	obj, err := p.fetcher.Fetch(ctx, key)
	if err != nil {
		p.group.Forget(cacheKey)
		return nil, err
	}

	if !AcceptsContentType(obj.ContentType) {
		p.group.Forget(cacheKey)
		return nil, &Rejection{
			Reason: ReasonUnsupportedType,
			Err:    fmt.Errorf("content type %q not allowed", obj.ContentType),
		}
	}

	p.cache.Put(ctx, cacheKey, obj.Payload, obj.ContentType)
	p.logger.Info("cached object",
		"key", key.String(),
		"size", len(obj.Payload),
		"content_type", obj.ContentType,
		"digest", rawproxy.HashBytes(obj.Payload).ShortString(),
	)

	return obj, nil
}

func (p *Pipeline) reject(ctx context.Context, reason Reason, err error) *Rejection {
	p.logger.Debug("request rejected", "reason", string(reason), "error", err)
	telemetry.RecordRejection(ctx, string(reason))
	return &Rejection{Reason: reason, Err: err}
}
