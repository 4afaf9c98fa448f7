package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"momay/internal/cachestore"
)

// RoundTrip is the fetch event handler. It never returns an error for an
// intercepted request: network and storage failures turn into cached or
// synthetic responses.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	if w.State() != StateActivated || !intercepts(req) {
		return w.network.RoundTrip(req)
	}
	class := w.cfg.Routes.Classify(req)
	w.log.Debug("fetch", zap.String("url", req.URL.String()), zap.Stringer("class", class))
	switch class {
	case RouteNavigation:
		return w.handleNavigation(req), nil
	case RouteAPI:
		return w.handleAPI(req), nil
	default:
		return w.handleStatic(req), nil
	}
}

type fetchResult struct {
	rec cachestore.Record
	err error
}

// fetchRecord performs the network request and buffers the body, bounded
// by the network timeout.
func (w *Worker) fetchRecord(ctx context.Context, req *http.Request) (cachestore.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.NetworkTimeout)
	defer cancel()

	out := req.Clone(ctx)
	resp, err := w.network.RoundTrip(out)
	if err != nil {
		return cachestore.Record{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cachestore.Record{}, err
	}
	return cachestore.NewRecord(resp, body, w.now()), nil
}

// startFetch begins a network fetch that outlives the request context. It
// returns nil once the worker is closing.
func (w *Worker) startFetch(req *http.Request) <-chan fetchResult {
	ch := make(chan fetchResult, 1)
	ctx := context.WithoutCancel(req.Context())
	started := w.goBackground(func() {
		rec, err := w.fetchRecord(ctx, req)
		ch <- fetchResult{rec: rec, err: err}
	})
	if !started {
		return nil
	}
	return ch
}

func isOK(status int) bool { return status >= 200 && status < 300 }

// handleNavigation serves the cached page at once, and refreshes it from
// the network in the background whether or not it was cached.
func (w *Worker) handleNavigation(req *http.Request) *http.Response {
	key := RequestKey(req)

	var preloaded <-chan fetchResult
	if w.preload.Load() {
		preloaded = w.startFetch(req)
	}

	cached, ok := w.match(w.static, key)
	if !ok {
		shell := req.Clone(req.Context())
		shell.URL = urlWithPath(req.URL, w.cfg.Shell)
		cached, ok = w.match(w.static, RequestKey(shell))
	}
	if ok {
		w.refreshNavigation(req, key, preloaded)
		return w.serve(req, cached, OutcomeHit)
	}

	var res fetchResult
	if preloaded != nil {
		res = <-preloaded
	} else {
		res.rec, res.err = w.fetchRecord(req.Context(), req)
	}
	if res.err != nil {
		w.log.Warn("navigation offline", zap.String("url", req.URL.String()), zap.Error(res.err))
		return w.offlinePage(req)
	}
	if !isOK(res.rec.Status) {
		return w.serve(req, res.rec, OutcomeNetwork)
	}
	w.put(w.static, key, res.rec)
	return w.serve(req, res.rec, OutcomeMiss)
}

func (w *Worker) refreshNavigation(req *http.Request, key string, preloaded <-chan fetchResult) {
	if preloaded == nil {
		select {
		case w.bgSem <- struct{}{}:
		default:
			return
		}
	}
	started := w.goBackground(func() {
		var res fetchResult
		if preloaded != nil {
			res = <-preloaded
		} else {
			defer func() { <-w.bgSem }()
			res.rec, res.err = w.fetchRecord(context.WithoutCancel(req.Context()), req)
		}
		if res.err != nil {
			w.log.Debug("navigation refresh failed", zap.String("url", req.URL.String()), zap.Error(res.err))
			return
		}
		if isOK(res.rec.Status) {
			w.put(w.static, key, res.rec)
		}
	})
	if !started && preloaded == nil {
		<-w.bgSem
	}
}

// handleAPI is network-first; the stored copy is a fallback only while it
// is younger than the API TTL.
func (w *Worker) handleAPI(req *http.Request) *http.Response {
	key := RequestKey(req)

	rec, err := w.fetchRecord(req.Context(), req)
	if err == nil && isOK(rec.Status) {
		if rec.IsJSON() {
			w.put(w.api, key, rec)
		}
		return w.serve(req, rec, OutcomeNetwork)
	}
	if err != nil {
		w.log.Debug("api network failed", zap.String("url", req.URL.String()), zap.Error(err))
	} else {
		w.log.Debug("api network not ok", zap.String("url", req.URL.String()), zap.Int("status", rec.Status))
	}

	if cached, ok := w.matchFresh(key); ok {
		return w.serve(req, cached, OutcomeFallback)
	}
	return w.offlineJSON(req)
}

// matchFresh returns the stored API record if it is within the TTL. An
// expired record is deleted on the way.
func (w *Worker) matchFresh(key string) (cachestore.Record, bool) {
	rec, ok := w.match(w.api, key)
	if !ok {
		return cachestore.Record{}, false
	}
	age, ok := rec.Age(w.now())
	if ok && age <= w.cfg.APITTL {
		return rec, true
	}
	if _, err := w.api.Delete(key); err != nil {
		w.storeLog.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
	}
	return cachestore.Record{}, false
}

// handleStatic is cache-first and fills the cache on a miss.
func (w *Worker) handleStatic(req *http.Request) *http.Response {
	key := RequestKey(req)
	if cached, ok := w.match(w.static, key); ok {
		return w.serve(req, cached, OutcomeHit)
	}

	rec, err := w.fetchRecord(req.Context(), req)
	if err != nil {
		w.log.Warn("fetch failed", zap.String("url", req.URL.String()), zap.Error(err))
		return w.offlineEmpty(req)
	}
	if !isOK(rec.Status) {
		return w.serve(req, rec, OutcomeNetwork)
	}
	w.put(w.static, key, rec)
	return w.serve(req, rec, OutcomeMiss)
}

func (w *Worker) match(st *cachestore.Store, key string) (cachestore.Record, bool) {
	if st == nil {
		return cachestore.Record{}, false
	}
	rec, ok, err := st.Match(key)
	if err != nil {
		w.storeLog.Warn("cache read failed", zap.String("store", st.Name()), zap.Error(err))
		return cachestore.Record{}, false
	}
	return rec, ok
}

// put never fails the caller: quota and encoding errors are only logged.
func (w *Worker) put(st *cachestore.Store, key string, rec cachestore.Record) {
	if st == nil {
		return
	}
	if err := st.Put(key, rec); err != nil {
		w.storeLog.Warn("cache put failed", zap.String("store", st.Name()), zap.String("key", key), zap.Error(err))
	}
}

func (w *Worker) serve(req *http.Request, rec cachestore.Record, outcome string) *http.Response {
	resp := rec.Response(req)
	setOutcomeHeader(resp.Header, outcome)
	w.stats.Observe(outcome, len(rec.Body))
	return resp
}

const offlineHTML = `<!doctype html><html><head><meta charset="utf-8"><title>Offline</title></head>` +
	`<body><h1>Offline</h1><p>The dashboard is not reachable right now.</p></body></html>`

var offlineJSONBody = []byte(`{"error":"offline"}`)

func (w *Worker) offlinePage(req *http.Request) *http.Response {
	return w.synthetic(req, http.StatusServiceUnavailable, "offline", "text/html; charset=utf-8", []byte(offlineHTML))
}

func (w *Worker) offlineJSON(req *http.Request) *http.Response {
	return w.synthetic(req, http.StatusServiceUnavailable, "offline", "application/json", offlineJSONBody)
}

func (w *Worker) offlineEmpty(req *http.Request) *http.Response {
	return w.synthetic(req, http.StatusGatewayTimeout, "offline", "", nil)
}

func (w *Worker) synthetic(req *http.Request, status int, statusText, contentType string, body []byte) *http.Response {
	h := make(http.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	setOutcomeHeader(h, OutcomeOffline)
	w.stats.Observe(OutcomeOffline, len(body))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, statusText),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
