package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"momay/internal/cachestore"
	"momay/internal/clients"
)

// apiStoreName is the store holding API fallbacks. It carries the
// generation prefix so a new deployment drops it with the rest.
func apiStoreName(generation string) string { return generation + "/api" }

// ownsStore reports whether a store belongs to this worker's generation.
func (w *Worker) ownsStore(name string) bool {
	return name == w.cfg.Generation || strings.HasPrefix(name, w.cfg.Generation+"/")
}

// Install precaches the app shell into the generation store. The manifest
// is all-or-nothing: one failed resource aborts the install and nothing is
// written.
func (w *Worker) Install(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateParsed), int32(StateInstalling)) {
		return fmt.Errorf("%w: install from %s", ErrInvalidState, w.State())
	}
	w.log.Info("worker installing", zap.Int("precache", len(w.cfg.Precache)))

	items, err := w.precache(ctx)
	if err == nil {
		var st *cachestore.Store
		st, err = w.storage.Open(w.cfg.Generation)
		if err == nil {
			err = st.PutAll(items)
			w.static = st
		}
	}
	if err != nil {
		w.retire()
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	w.state.Store(int32(StateInstalled))
	w.log.Info("worker installed")
	return nil
}

func (w *Worker) precache(ctx context.Context) ([]cachestore.Item, error) {
	if len(w.cfg.Precache) == 0 {
		return nil, nil
	}
	base, err := url.Parse(w.cfg.Origin)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("origin %q is not an absolute URL", w.cfg.Origin)
	}

	items := make([]cachestore.Item, len(w.cfg.Precache))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range w.cfg.Precache {
		i, p := i, p
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, urlWithPath(base, p).String(), nil)
			if err != nil {
				return err
			}
			rec, err := w.fetchRecord(gctx, req)
			if err != nil {
				return fmt.Errorf("precache %s: %w", p, err)
			}
			if !isOK(rec.Status) {
				return fmt.Errorf("precache %s: status %d", p, rec.Status)
			}
			items[i] = cachestore.Item{Key: RequestKey(req), Record: rec}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

// ActivateResult summarises what activation cleaned up.
type ActivateResult struct {
	DeletedStores []string
	ExpiredAPI    int
}

// Activate drops every store of other generations, starts controlling the
// connected pages and sweeps expired API records.
func (w *Worker) Activate(ctx context.Context) (ActivateResult, error) {
	var res ActivateResult
	if !w.state.CompareAndSwap(int32(StateInstalled), int32(StateActivating)) {
		return res, fmt.Errorf("%w: activate from %s", ErrInvalidState, w.State())
	}

	names, err := w.storage.Keys()
	if err != nil {
		w.retire()
		return res, fmt.Errorf("list stores: %w", err)
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			w.retire()
			return res, err
		}
		if w.ownsStore(name) {
			continue
		}
		if _, err := w.storage.Delete(name); err != nil {
			w.retire()
			return res, fmt.Errorf("delete store %q: %w", name, err)
		}
		res.DeletedStores = append(res.DeletedStores, name)
		w.log.Info("deleted old cache", zap.String("store", name))
	}

	api, err := w.storage.Open(apiStoreName(w.cfg.Generation))
	if err != nil {
		w.retire()
		return res, err
	}
	w.api = api
	if w.static == nil {
		if w.static, err = w.storage.Open(w.cfg.Generation); err != nil {
			w.retire()
			return res, err
		}
	}

	if w.cfg.NavigationPreload {
		w.preload.Store(true)
	}
	w.state.Store(int32(StateActivated))

	claimed := w.clients.Broadcast(clients.Message{Type: "claimed", Generation: w.cfg.Generation})

	res.ExpiredAPI, err = w.SweepExpired()
	if err != nil {
		w.storeLog.Warn("api sweep failed", zap.Error(err))
	}

	if w.cfg.StatsEvery > 0 {
		w.goBackground(func() { w.statsLoop(w.cfg.StatsEvery) })
	}

	w.log.Info("worker activated",
		zap.Strings("deletedStores", res.DeletedStores),
		zap.Int("expiredAPI", res.ExpiredAPI),
		zap.Int("claimedClients", claimed),
		zap.Bool("navigationPreload", w.preload.Load()),
	)
	return res, nil
}

// SweepExpired deletes API records older than the TTL and reports how
// many went. Records without a timestamp count as expired.
func (w *Worker) SweepExpired() (int, error) {
	if w.api == nil {
		return 0, nil
	}
	now := w.now()
	var expired []string
	err := w.api.Range(func(key string, rec cachestore.Record) bool {
		age, ok := rec.Age(now)
		if !ok || age > w.cfg.APITTL {
			expired = append(expired, key)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, key := range expired {
		ok, err := w.api.Delete(key)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}
