// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package geo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/tomtom215/sessionguard/internal/cache"
	"github.com/tomtom215/sessionguard/internal/config"
	"github.com/tomtom215/sessionguard/internal/logging"
	"github.com/tomtom215/sessionguard/internal/metrics"
)

// maxNegativeTTL caps how long an unresolvable address stays cached.
const maxNegativeTTL = 10 * time.Minute

// Options tunes a Resolver. Zero values fall back to the defaults shipped in
// the configuration.
type Options struct {
	Timeout            time.Duration
	CacheTTL           time.Duration
	CacheSize          int
	RetryAttempts      int
	RetryDelay         time.Duration
	RateLimitPerMinute int
	Concurrency        int

	// Now drives cache expiry. Defaults to time.Now.
	Now func() time.Time
}

// OptionsFromConfig maps the geoip config section.
func OptionsFromConfig(cfg *config.GeoIPConfig) Options {
	return Options{
		Timeout:            cfg.Timeout,
		CacheTTL:           cfg.CacheTTL,
		CacheSize:          cfg.CacheSize,
		RetryAttempts:      cfg.RetryAttempts,
		RetryDelay:         cfg.RetryDelay,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Concurrency:        cfg.Concurrency,
	}
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 24 * time.Hour
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 10000
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.RateLimitPerMinute <= 0 {
		o.RateLimitPerMinute = 45
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Resolver looks up locations through an ordered provider list. Results are
// cached per IP, concurrent lookups of the same IP share one request, and all
// provider calls go through a single rate limiter.
type Resolver struct {
	providers []Provider
	opts      Options

	cache   *cache.LRU[string, *Location]
	limiter *rate.Limiter
	group   singleflight.Group
}

// NewResolver creates a resolver over providers, tried in order.
func NewResolver(providers []Provider, opts Options) *Resolver {
	opts = opts.withDefaults()

	burst := opts.Concurrency
	if burst > opts.RateLimitPerMinute {
		burst = opts.RateLimitPerMinute
	}

	return &Resolver{
		providers: providers,
		opts:      opts,
		cache:     cache.NewLRU[string, *Location](opts.CacheSize, opts.CacheTTL, cache.WithClock(opts.Now)),
		limiter:   rate.NewLimiter(rate.Limit(float64(opts.RateLimitPerMinute)/60.0), burst),
	}
}

// NewResolverFromConfig builds the providers and resolver from config.
func NewResolverFromConfig(cfg *config.GeoIPConfig) *Resolver {
	providers := NewProviders(cfg.Providers, cfg.MaxMindAccountID, cfg.MaxMindLicenseKey)
	return NewResolver(providers, OptionsFromConfig(cfg))
}

// Resolve returns the location of ip. Private addresses resolve locally
// without a network call. The whole lookup, retries included, is bounded by
// the configured timeout.
func (r *Resolver) Resolve(ctx context.Context, ip string) (*Location, error) {
	if !validIP(ip) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	if IsPrivateIP(ip) {
		return LocalLocation(ip), nil
	}

	if loc, ok := r.cache.Get(ip); ok {
		metrics.GeoCacheHits.Inc()
		if loc == nil {
			return nil, fmt.Errorf("%s: %w", ip, ErrNotResolved)
		}
		cp := *loc
		return &cp, nil
	}
	metrics.GeoCacheMisses.Inc()

	v, err, _ := r.group.Do(ip, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
		return r.lookup(lookupCtx, ip)
	})
	if err != nil {
		return nil, err
	}
	cp := *(v.(*Location))
	return &cp, nil
}

// ResolveAll resolves ips concurrently, bounded by the configured
// concurrency. Addresses that fail are absent from the result; the caller
// treats them as unknown.
func (r *Resolver) ResolveAll(ctx context.Context, ips []string) map[string]*Location {
	out := make(map[string]*Location, len(ips))
	if len(ips) == 0 {
		return out
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

	seen := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}

		g.Go(func() error {
			loc, err := r.Resolve(gctx, ip)
			if err != nil {
				logging.Ctx(ctx).Debug().Str("ip", ip).Err(err).Msg("Geolocation lookup failed")
				return nil
			}
			mu.Lock()
			out[ip] = loc
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// CacheStats reports cache hits, misses and size.
func (r *Resolver) CacheStats() (hits, misses int64, size int) {
	return r.cache.Stats()
}

// permanentError stops the retry loop.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (r *Resolver) lookup(ctx context.Context, ip string) (*Location, error) {
	var found *Location
	err := retryWithBackoff(ctx, r.opts.RetryAttempts, r.opts.RetryDelay, func() error {
		loc, err := r.tryProviders(ctx, ip)
		if err != nil {
			return err
		}
		found = loc
		return nil
	})

	var perm *permanentError
	switch {
	case err == nil:
		r.cache.Set(ip, found)
		return found, nil
	case errors.As(err, &perm):
		r.cache.SetWithTTL(ip, nil, min(r.opts.CacheTTL, maxNegativeTTL))
		return nil, perm.err
	default:
		return nil, err
	}
}

// tryProviders asks each available provider once, in order. The error is
// permanent only when every provider answered that it cannot place the IP.
func (r *Resolver) tryProviders(ctx context.Context, ip string) (*Location, error) {
	var errs []error
	allUnresolved := true
	asked := 0

	for _, p := range r.providers {
		if !p.Available() {
			continue
		}
		asked++

		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("geo rate limit: %w", err)
		}

		start := time.Now()
		loc, err := p.Lookup(ctx, ip)
		metrics.RecordGeoLookup(p.Name(), time.Since(start), err)
		if err == nil {
			return loc, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if !errors.Is(err, ErrNotResolved) {
			allUnresolved = false
		}
		if ctx.Err() != nil {
			break
		}
	}

	if asked == 0 {
		return nil, &permanentError{err: ErrNoProviders}
	}
	joined := errors.Join(errs...)
	if allUnresolved {
		return nil, &permanentError{err: joined}
	}
	return nil, joined
}

// retryWithBackoff runs fn up to attempts times, doubling delay between
// attempts. Permanent errors and context cancellation end the loop early.
func retryWithBackoff(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return fmt.Errorf("geo lookup: %w (last error: %w)", ctx.Err(), lastErr)
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return lastErr
		}
		if ctx.Err() != nil {
			return fmt.Errorf("geo lookup: %w", lastErr)
		}
	}
	return fmt.Errorf("max retry attempts reached: %w", lastErr)
}
