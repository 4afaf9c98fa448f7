package pagecache

import (
	"context"
	"encoding/json"
	"time"
)

// Resource binds a key, a freshness window and a typed fetcher.
type Resource[T any] struct {
	Key    string
	Window time.Duration
	Fetch  func(ctx context.Context) (T, error)
}

// Get returns the stored value, decoding a cold-started one.
func (r Resource[T]) Get(c *Cache) (T, bool) {
	v, ok := c.Get(r.Key)
	if !ok {
		var zero T
		return zero, false
	}
	return as[T](v)
}

// Refresh is Cache.Refresh with typed values. render is skipped for stored
// values that do not decode as T.
func (r Resource[T]) Refresh(ctx context.Context, c *Cache, render func(T)) Outcome {
	fetch := func(ctx context.Context) (any, error) {
		v, err := r.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	var rd Render
	if render != nil {
		rd = func(v any) {
			if t, ok := as[T](v); ok {
				render(t)
			}
		}
	}
	return c.Refresh(ctx, r.Key, r.Window, fetch, rd)
}

func as[T any](v any) (T, bool) {
	if t, ok := v.(T); ok {
		return t, true
	}
	var out T
	raw, ok := v.(json.RawMessage)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false
	}
	return out, true
}
