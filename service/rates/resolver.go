package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/flexrp/service/metrics"
	"github.com/brojonat/flexrp/service/payment"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
)

// Options tunes the resolver. Zero values fall back to the defaults below.
type Options struct {
	// MaxAge is how long a quote is served without asking a provider.
	MaxAge time.Duration
	// GraceFactor multiplies MaxAge to bound how old a fallback quote may be
	// when every provider fails.
	GraceFactor int
	// Timeout bounds each provider call.
	Timeout time.Duration
	// BreakerFailures consecutive failures open a provider's breaker.
	BreakerFailures uint32
	// BreakerCooldown is how long an open breaker skips its provider.
	BreakerCooldown time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAge <= 0 {
		o.MaxAge = 5 * time.Minute
	}
	if o.GraceFactor < 1 {
		o.GraceFactor = 5
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = time.Minute
	}
	return o
}

type guardedProvider struct {
	Provider
	breaker *gobreaker.CircuitBreaker[payment.Quote]
}

// Resolver returns exchange rates from a cache, a priority-ordered list of
// providers, or a stale fallback, in that order. It never retries a provider
// within one call; retry belongs to the caller.
type Resolver struct {
	providers []guardedProvider
	cache     Cache
	opts      Options
	group     singleflight.Group
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewResolver creates a resolver. providers are tried in the given order.
// If cache is nil an in-memory cache is used. If metrics is nil, no metrics
// will be recorded.
func NewResolver(providers []Provider, cache Cache, opts Options, m *metrics.Metrics, logger *slog.Logger) *Resolver {
	opts = opts.withDefaults()
	if cache == nil {
		cache = NewMemoryCache()
	}

	r := &Resolver{
		cache:   cache,
		opts:    opts,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}

	for _, p := range providers {
		threshold := opts.BreakerFailures
		r.providers = append(r.providers, guardedProvider{
			Provider: p,
			breaker: gobreaker.NewCircuitBreaker[payment.Quote](gobreaker.Settings{
				Name:        p.ID(),
				MaxRequests: 1,
				Timeout:     opts.BreakerCooldown,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= threshold
				},
				OnStateChange: r.onBreakerStateChange,
			}),
		})
	}

	return r
}

func (r *Resolver) onBreakerStateChange(name string, from, to gobreaker.State) {
	r.logger.Warn("rate provider breaker state changed",
		"provider", name,
		"from", from.String(),
		"to", to.String(),
	)
	if r.metrics != nil {
		r.metrics.RecordBreakerState(name, float64(to))
	}
}

// GetRate returns the rate for pair. A returned Rate with Stale set came from
// the grace window because every provider failed. When nothing usable exists
// the error wraps payment.ErrRateUnavailable.
func (r *Resolver) GetRate(ctx context.Context, pair payment.Pair) (payment.Rate, error) {
	if q, ok := r.cachedFresh(ctx, pair); ok {
		r.recordLookup(pair, "fresh")
		return payment.Rate{Quote: q}, nil
	}

	// Concurrent misses for the same pair share one provider round.
	v, err, _ := r.group.Do(pair.String(), func() (any, error) {
		return r.resolve(ctx, pair)
	})
	if err != nil {
		return payment.Rate{}, err
	}
	return v.(payment.Rate), nil
}

func (r *Resolver) cachedFresh(ctx context.Context, pair payment.Pair) (payment.Quote, bool) {
	q, ok, err := r.cache.Get(ctx, pair)
	if err != nil {
		r.logger.WarnContext(ctx, "rate cache read failed", "pair", pair.String(), "error", err)
		return payment.Quote{}, false
	}
	if !ok || q.Age(r.now()) > r.opts.MaxAge {
		return payment.Quote{}, false
	}
	return q, true
}

func (r *Resolver) resolve(ctx context.Context, pair payment.Pair) (payment.Rate, error) {
	// Another flight may have refreshed the cache while we waited.
	if q, ok := r.cachedFresh(ctx, pair); ok {
		r.recordLookup(pair, "fresh")
		return payment.Rate{Quote: q}, nil
	}

	var errs []error
	for _, p := range r.providers {
		q, err := r.callProvider(ctx, p, pair)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if err := r.cache.Set(ctx, q); err != nil {
			r.logger.WarnContext(ctx, "rate cache write failed", "pair", pair.String(), "error", err)
		}
		r.recordLookup(pair, "provider")
		return payment.Rate{Quote: q}, nil
	}

	last, ok, err := r.cache.Get(ctx, pair)
	if err == nil && ok {
		age := last.Age(r.now())
		if age <= r.opts.MaxAge*time.Duration(r.opts.GraceFactor) {
			r.logger.WarnContext(ctx, "all rate providers failed, serving stale quote",
				"pair", pair.String(),
				"provider", last.ProviderID,
				"age_seconds", age.Seconds(),
			)
			r.recordLookup(pair, "stale")
			return payment.Rate{Quote: last, Stale: true}, nil
		}
	}

	r.recordLookup(pair, "unavailable")
	return payment.Rate{}, fmt.Errorf("%w: %s: %v", payment.ErrRateUnavailable, pair, errors.Join(errs...))
}

func (r *Resolver) callProvider(ctx context.Context, p guardedProvider, pair payment.Pair) (payment.Quote, error) {
	start := time.Now()
	q, err := p.breaker.Execute(func() (payment.Quote, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
		return p.Quote(callCtx, pair)
	})

	status := "success"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		status = "skipped"
		r.logger.DebugContext(ctx, "rate provider skipped by breaker", "provider", p.ID(), "pair", pair.String())
		err = fmt.Errorf("%w: %s: %v", payment.ErrRateProvider, p.ID(), err)
	case err != nil:
		status = "error"
		r.logger.WarnContext(ctx, "rate provider failed",
			"provider", p.ID(),
			"pair", pair.String(),
			"error", err,
		)
	}
	if r.metrics != nil {
		r.metrics.RecordProviderCall(p.ID(), status, metrics.Since(start))
	}
	return q, err
}

func (r *Resolver) recordLookup(pair payment.Pair, result string) {
	if r.metrics != nil {
		r.metrics.RecordRateLookup(pair.String(), result)
	}
}

// BreakerStates reports each provider's breaker state, for health output.
func (r *Resolver) BreakerStates() map[string]string {
	out := make(map[string]string, len(r.providers))
	for _, p := range r.providers {
		out[p.ID()] = p.breaker.State().String()
	}
	return out
}
