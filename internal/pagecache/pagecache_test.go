package pagecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"momay/internal/cachestore"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *clock { return &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)} }

type renders struct {
	mu   sync.Mutex
	seen []any
}

func (r *renders) Render(v any) {
	r.mu.Lock()
	r.seen = append(r.seen, v)
	r.mu.Unlock()
}

func (r *renders) All() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.seen...)
}

func value(v any) Fetcher {
	return func(context.Context) (any, error) { return v, nil }
}

func TestRefreshStoresAndRenders(t *testing.T) {
	c := New(WithClock(newClock().Now))
	var r renders

	assert.Equal(t, Started, c.Refresh(context.Background(), "power", 500*time.Millisecond, value(3.2), r.Render))
	c.Wait()

	v, ok := c.Get("power")
	require.True(t, ok)
	assert.Equal(t, 3.2, v)
	assert.Equal(t, []any{3.2}, r.All())
}

// Two calls before the first fetch settles issue exactly one fetch.
func TestAtMostOneFetchInFlight(t *testing.T) {
	c := New()
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		select {
		case <-release:
			return 12.5, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	assert.Equal(t, Started, c.Refresh(context.Background(), "power", time.Second, fetch, nil))
	assert.Equal(t, InFlight, c.Refresh(context.Background(), "power", time.Second, fetch, nil))
	_, ok := c.Get("power")
	assert.False(t, ok)

	close(release)
	c.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestKeysFetchIndependently(t *testing.T) {
	c := New()
	release := make(chan struct{})
	fetch := func(context.Context) (any, error) {
		<-release
		return 1, nil
	}
	assert.Equal(t, Started, c.Refresh(context.Background(), "dailyData-2025-03-01", time.Minute, fetch, nil))
	assert.Equal(t, Started, c.Refresh(context.Background(), "dailyData-2025-03-02", time.Minute, fetch, nil))
	close(release)
	c.Wait()
}

func TestFreshValueIsNotRefetched(t *testing.T) {
	clk := newClock()
	c := New(WithClock(clk.Now))
	var calls atomic.Int32
	fetch := func(context.Context) (any, error) {
		calls.Add(1)
		return "sunny", nil
	}

	c.Refresh(context.Background(), "weather", 5*time.Minute, fetch, nil)
	c.Wait()

	clk.Advance(4*time.Minute + 59*time.Second)
	assert.True(t, c.IsFresh("weather", 5*time.Minute))
	var r renders
	assert.Equal(t, Fresh, c.Refresh(context.Background(), "weather", 5*time.Minute, fetch, r.Render))
	assert.Equal(t, []any{"sunny"}, r.All(), "fresh value is still rendered")
	assert.Equal(t, int32(1), calls.Load())

	clk.Advance(time.Second)
	assert.False(t, c.IsFresh("weather", 5*time.Minute))
	assert.Equal(t, Started, c.Refresh(context.Background(), "weather", 5*time.Minute, fetch, nil))
	c.Wait()
	assert.Equal(t, int32(2), calls.Load())
}

func TestRenderBeforeFetch(t *testing.T) {
	c := New()
	c.Refresh(context.Background(), "dailyBill", 0, value(40.0), nil)
	c.Wait()

	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	fetch := func(context.Context) (any, error) {
		record("fetch")
		return 42.5, nil
	}
	render := func(v any) { record("render") }

	c.Refresh(context.Background(), "dailyBill", 0, fetch, render)
	c.Wait()
	assert.Equal(t, []string{"render", "fetch", "render"}, order)
}

func TestFailureKeepsValue(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c := New(WithLogger(zap.New(core)))

	c.Refresh(context.Background(), "solar-2025-03-01", 0, value(6.4), nil)
	c.Wait()

	var r renders
	boom := errors.New("offline")
	c.Refresh(context.Background(), "solar-2025-03-01", 0, func(context.Context) (any, error) { return nil, boom }, r.Render)
	c.Wait()

	v, ok := c.Get("solar-2025-03-01")
	require.True(t, ok)
	assert.Equal(t, 6.4, v)
	assert.Equal(t, []any{6.4}, r.All(), "only the stored value is rendered")
	require.Equal(t, 1, logs.FilterMessage("page data fetch failed").Len())

	// The marker was cleared, so a retry is allowed.
	assert.Equal(t, Started, c.Refresh(context.Background(), "solar-2025-03-01", 0, value(6.5), nil))
	c.Wait()
}

func TestFetchTimeout(t *testing.T) {
	c := New(WithFetchTimeout(20 * time.Millisecond))
	fetch := func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	assert.Equal(t, Started, c.Refresh(context.Background(), "power", time.Second, fetch, nil))
	c.Wait()
	assert.Equal(t, Started, c.Refresh(context.Background(), "power", time.Second, value(1.0), nil))
	c.Wait()
}

type memPersister struct {
	mu    sync.Mutex
	data  map[string][]byte
	at    map[string]time.Time
	loads int
}

func newMemPersister() *memPersister {
	return &memPersister{data: map[string][]byte{}, at: map[string]time.Time{}}
}

func (p *memPersister) Load(key string) ([]byte, time.Time, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads++
	d, ok := p.data[key]
	return d, p.at[key], ok, nil
}

func (p *memPersister) Save(key string, data []byte, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[key] = data
	p.at[key] = at
	return nil
}

type point struct {
	Timestamp string  `json:"timestamp"`
	Power     float64 `json:"power"`
}

func TestColdStartFromPersister(t *testing.T) {
	clk := newClock()
	p := newMemPersister()
	isDaily := func(k string) bool { return k == "dailyData-2025-03-01" }

	first := New(WithClock(clk.Now), WithPersistence(p, 15*time.Minute, isDaily))
	res := Resource[[]point]{
		Key:    "dailyData-2025-03-01",
		Window: 15 * time.Minute,
		Fetch: func(context.Context) ([]point, error) {
			return []point{{Timestamp: "08:00", Power: 3.5}}, nil
		},
	}
	res.Refresh(context.Background(), first, nil)
	first.Wait()
	require.Contains(t, p.data, "dailyData-2025-03-01")

	first.Refresh(context.Background(), "power", 0, value(1.0), nil)
	first.Wait()
	assert.NotContains(t, p.data, "power")

	clk.Advance(10 * time.Minute)
	second := New(WithClock(clk.Now), WithPersistence(p, 15*time.Minute, isDaily))
	got, ok := res.Get(second)
	require.True(t, ok)
	assert.Equal(t, []point{{Timestamp: "08:00", Power: 3.5}}, got)
	assert.True(t, second.IsFresh(res.Key, res.Window))

	var rendered [][]point
	assert.Equal(t, Fresh, res.Refresh(context.Background(), second, func(v []point) { rendered = append(rendered, v) }))
	assert.Len(t, rendered, 1)
}

func TestColdStartIgnoresOldEntries(t *testing.T) {
	clk := newClock()
	p := newMemPersister()
	require.NoError(t, p.Save("dailyData-2025-03-01", []byte(`[]`), clk.Now().Add(-16*time.Minute)))

	c := New(WithClock(clk.Now), WithPersistence(p, 15*time.Minute, nil))
	_, ok := c.Get("dailyData-2025-03-01")
	assert.False(t, ok)
	_, ok = c.Get("dailyData-2025-03-01")
	assert.False(t, ok)
	assert.Equal(t, 1, p.loads, "persister is consulted once per key")
}

func TestStorePersister(t *testing.T) {
	st, err := cachestore.OpenMemory(0)
	require.NoError(t, err)
	defer st.Close()
	store, err := st.Open("momay-cache-vB1.5/page")
	require.NoError(t, err)

	p := NewStorePersister(store)
	_, _, ok, err := p.Load("dailyData-2025-03-01")
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.UnixMilli(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli())
	require.NoError(t, p.Save("dailyData-2025-03-01", []byte(`[{"power":1}]`), at))
	data, savedAt, ok, err := p.Load("dailyData-2025-03-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[{"power":1}]`, string(data))
	assert.True(t, at.Equal(savedAt))
}

func TestResourceSkipsUndecodableValues(t *testing.T) {
	c := New()
	c.Refresh(context.Background(), "dailyBill", 0, value("not a number"), nil)
	c.Wait()

	res := Resource[float64]{Key: "dailyBill", Fetch: func(context.Context) (float64, error) { return 0, errors.New("down") }}
	_, ok := res.Get(c)
	assert.False(t, ok)

	called := false
	res.Refresh(context.Background(), c, func(float64) { called = true })
	c.Wait()
	assert.False(t, called)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "started", Started.String())
	assert.Equal(t, "fresh", Fresh.String())
	assert.Equal(t, "in-flight", InFlight.String())
}
