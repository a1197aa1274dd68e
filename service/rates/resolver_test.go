package rates

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/flexrp/service/payment"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider returns a fixed price or error and counts calls.
type fakeProvider struct {
	id    string
	price decimal.Decimal
	err   error
	delay time.Duration
	now   func() time.Time
	calls atomic.Int32
	mu    sync.Mutex
}

func (p *fakeProvider) ID() string { return p.id }

func (p *fakeProvider) Quote(ctx context.Context, pair payment.Pair) (payment.Quote, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return payment.Quote{}, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return payment.Quote{}, p.err
	}
	return payment.Quote{Pair: pair, Price: p.price, FetchedAt: p.now(), ProviderID: p.id}, nil
}

func (p *fakeProvider) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errDown = errors.New("provider down")

func newTestResolver(clock *testClock, opts Options, providers ...Provider) *Resolver {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewResolver(providers, nil, opts, nil, logger)
	r.now = clock.Now
	return r
}

func newClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func TestResolver_FreshCacheHitSkipsProviders(t *testing.T) {
	clock := newClock()
	p := &fakeProvider{id: "primary", price: decimal.RequireFromString("0.50"), now: clock.Now}
	r := newTestResolver(clock, Options{MaxAge: time.Minute}, p)

	rate, err := r.GetRate(context.Background(), xrpUSD)
	require.NoError(t, err)
	assert.False(t, rate.Stale)
	assert.Equal(t, "primary", rate.ProviderID)

	clock.Advance(59 * time.Second)
	_, err = r.GetRate(context.Background(), xrpUSD)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())

	clock.Advance(2 * time.Second)
	_, err = r.GetRate(context.Background(), xrpUSD)
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestResolver_FailsOverInPriorityOrder(t *testing.T) {
	clock := newClock()
	primary := &fakeProvider{id: "primary", err: errDown, now: clock.Now}
	secondary := &fakeProvider{id: "secondary", price: decimal.RequireFromString("0.51"), now: clock.Now}
	tertiary := &fakeProvider{id: "tertiary", price: decimal.RequireFromString("0.99"), now: clock.Now}
	r := newTestResolver(clock, Options{}, primary, secondary, tertiary)

	rate, err := r.GetRate(context.Background(), xrpUSD)
	require.NoError(t, err)
	assert.Equal(t, "secondary", rate.ProviderID)
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.Equal(t, int32(0), tertiary.calls.Load())
}

func TestResolver_StaleWithinGraceWindow(t *testing.T) {
	clock := newClock()
	p := &fakeProvider{id: "primary", price: decimal.RequireFromString("0.50"), now: clock.Now}
	r := newTestResolver(clock, Options{MaxAge: time.Minute, GraceFactor: 5, BreakerFailures: 100}, p)

	_, err := r.GetRate(context.Background(), xrpUSD)
	require.NoError(t, err)

	p.setErr(errDown)
	clock.Advance(4 * time.Minute)

	rate, err := r.GetRate(context.Background(), xrpUSD)
	require.NoError(t, err)
	assert.True(t, rate.Stale)
	assert.True(t, decimal.RequireFromString("0.50").Equal(rate.Price))

	clock.Advance(2 * time.Minute) // 6m old, grace is 5m
	_, err = r.GetRate(context.Background(), xrpUSD)
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrRateUnavailable)
}

func TestResolver_UnavailableWithoutCache(t *testing.T) {
	clock := newClock()
	p := &fakeProvider{id: "primary", err: errDown, now: clock.Now}
	r := newTestResolver(clock, Options{}, p)

	_, err := r.GetRate(context.Background(), xrpUSD)
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrRateUnavailable)
	assert.Contains(t, err.Error(), "provider down")
}

func TestResolver_TimeoutCountsAsFailure(t *testing.T) {
	clock := newClock()
	slow := &fakeProvider{id: "slow", price: decimal.RequireFromString("1"), delay: time.Second, now: clock.Now}
	fast := &fakeProvider{id: "fast", price: decimal.RequireFromString("0.5"), now: clock.Now}
	r := newTestResolver(clock, Options{Timeout: 10 * time.Millisecond}, slow, fast)

	rate, err := r.GetRate(context.Background(), xrpUSD)
	require.NoError(t, err)
	assert.Equal(t, "fast", rate.ProviderID)
}

func TestResolver_BreakerSkipsFailingProvider(t *testing.T) {
	clock := newClock()
	flaky := &fakeProvider{id: "flaky", err: errDown, now: clock.Now}
	backup := &fakeProvider{id: "backup", price: decimal.RequireFromString("0.5"), now: clock.Now}
	r := newTestResolver(clock, Options{MaxAge: time.Nanosecond, BreakerFailures: 3, BreakerCooldown: 50 * time.Millisecond}, flaky, backup)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		_, err := r.GetRate(context.Background(), xrpUSD)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), flaky.calls.Load(), "breaker should open after 3 consecutive failures")
	assert.Equal(t, "open", r.BreakerStates()["flaky"])

	flaky.setErr(nil)
	flaky.price = decimal.RequireFromString("0.6")
	time.Sleep(80 * time.Millisecond)

	clock.Advance(time.Second)
	rate, err := r.GetRate(context.Background(), xrpUSD)
	require.NoError(t, err)
	assert.Equal(t, "flaky", rate.ProviderID, "half-open probe should reach the provider after cooldown")
	assert.Equal(t, "closed", r.BreakerStates()["flaky"])
}

func TestResolver_CollapsesConcurrentMisses(t *testing.T) {
	clock := newClock()
	p := &fakeProvider{id: "primary", price: decimal.RequireFromString("0.5"), delay: 50 * time.Millisecond, now: clock.Now}
	r := newTestResolver(clock, Options{}, p)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.GetRate(context.Background(), xrpUSD)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), p.calls.Load())
}
