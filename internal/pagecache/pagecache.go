// Package pagecache is the page-level data cache. It keeps the last value
// fetched for each logical resource key, lets callers render it at once,
// and allows at most one outstanding fetch per key.
package pagecache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"momay/internal/logging"
)

// Outcome tells the caller of Refresh what happened.
type Outcome int

const (
	// Started means a fetch was issued.
	Started Outcome = iota
	// Fresh means the stored value is inside the window; nothing was fetched.
	Fresh
	// InFlight means a fetch for the key is already outstanding.
	InFlight
)

func (o Outcome) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case InFlight:
		return "in-flight"
	}
	return "started"
}

// Fetcher loads the current value of a resource.
type Fetcher func(ctx context.Context) (any, error)

// Render receives a value to display.
type Render func(value any)

// Entry is the last successfully fetched value of a key.
type Entry struct {
	Value     any
	FetchedAt time.Time
}

type Cache struct {
	now          func() time.Time
	log          *zap.Logger
	fetchTimeout time.Duration

	persist       Persister
	persistMaxAge time.Duration
	persistKey    func(string) bool

	mu       sync.Mutex
	entries  map[string]Entry
	inFlight map[string]struct{}
	loaded   map[string]struct{} // keys already looked up in the persister

	wg sync.WaitGroup
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

func WithLogger(l *zap.Logger) Option { return func(c *Cache) { c.log = logging.OrNop(l) } }

// WithFetchTimeout bounds every fetch. The default is 10s.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithPersistence saves successful values of keys accepted by match (all
// keys when match is nil) and cold-starts them while younger than maxAge.
func WithPersistence(p Persister, maxAge time.Duration, match func(key string) bool) Option {
	return func(c *Cache) {
		c.persist = p
		c.persistMaxAge = maxAge
		c.persistKey = match
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{
		now:          time.Now,
		log:          zap.NewNop(),
		fetchTimeout: 10 * time.Second,
		entries:      map[string]Entry{},
		inFlight:     map[string]struct{}{},
		loaded:       map[string]struct{}{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the stored value for key. Cold-started values are the saved
// JSON as a json.RawMessage.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookupLocked(key)
	return e.Value, ok
}

// Entry returns the stored value together with its fetch time.
func (c *Cache) Entry(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(key)
}

// IsFresh reports whether key holds a value fetched less than window ago.
func (c *Cache) IsFresh(key string, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookupLocked(key)
	return ok && c.fresh(e, window)
}

// Refresh renders the stored value, if any, then fetches a new one unless
// the stored value is fresh or a fetch is already outstanding. The fetch
// runs in the background; render is called again with its result.
func (c *Cache) Refresh(ctx context.Context, key string, window time.Duration, fetch Fetcher, render Render) Outcome {
	if e, ok := c.Entry(key); ok && render != nil {
		render(e.Value)
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.fresh(e, window) {
		c.mu.Unlock()
		return Fresh
	}
	if _, busy := c.inFlight[key]; busy {
		c.mu.Unlock()
		return InFlight
	}
	c.inFlight[key] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(ctx, key, fetch, render)
	return Started
}

// Wait blocks until every outstanding fetch has settled.
func (c *Cache) Wait() { c.wg.Wait() }

func (c *Cache) run(ctx context.Context, key string, fetch Fetcher, render Render) {
	defer c.wg.Done()

	fctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	v, err := fetch(fctx)
	cancel()

	at := c.now()
	c.mu.Lock()
	delete(c.inFlight, key)
	if err == nil {
		c.entries[key] = Entry{Value: v, FetchedAt: at}
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("page data fetch failed", zap.String("key", key), zap.Error(err))
		return
	}
	c.save(key, v, at)
	if render != nil {
		render(v)
	}
}

func (c *Cache) fresh(e Entry, window time.Duration) bool {
	return c.now().Sub(e.FetchedAt) < window
}

func (c *Cache) persists(key string) bool {
	return c.persist != nil && (c.persistKey == nil || c.persistKey(key))
}

func (c *Cache) lookupLocked(key string) (Entry, bool) {
	if e, ok := c.entries[key]; ok {
		return e, true
	}
	if !c.persists(key) {
		return Entry{}, false
	}
	if _, done := c.loaded[key]; done {
		return Entry{}, false
	}
	c.loaded[key] = struct{}{}

	data, savedAt, ok, err := c.persist.Load(key)
	if err != nil {
		c.log.Warn("page data load failed", zap.String("key", key), zap.Error(err))
		return Entry{}, false
	}
	if !ok || c.now().Sub(savedAt) >= c.persistMaxAge {
		return Entry{}, false
	}
	e := Entry{Value: json.RawMessage(data), FetchedAt: savedAt}
	c.entries[key] = e
	return e, true
}

func (c *Cache) save(key string, v any, at time.Time) {
	if !c.persists(key) {
		return
	}
	data, err := json.Marshal(v)
	if err == nil {
		err = c.persist.Save(key, data, at)
	}
	if err != nil {
		c.log.Warn("page data save failed", zap.String("key", key), zap.Error(err))
	}
}
