package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"momay/internal/logging"
)

const maxPushBytes = 64 * 1024

// Gateway serves the dashboard origin through the registration, the way
// pages see it when the worker controls them. Worker control endpoints
// live under /__worker/.
type Gateway struct {
	reg     *Registration
	origin  string
	clients http.Handler
	log     *zap.Logger
	mux     *http.ServeMux
}

// NewGateway proxies to origin. clientsHandler accepts page websocket
// connections; it may be nil.
func NewGateway(reg *Registration, origin string, clientsHandler http.Handler, log *zap.Logger) *Gateway {
	g := &Gateway{
		reg:     reg,
		origin:  strings.TrimRight(origin, "/"),
		clients: clientsHandler,
		log:     logging.OrNop(log),
		mux:     http.NewServeMux(),
	}
	g.mux.HandleFunc("/__worker/push", g.handlePush)
	g.mux.HandleFunc("/__worker/subscription-change", g.handleSubscriptionChange)
	g.mux.HandleFunc("/__worker/status", g.handleStatus)
	if clientsHandler != nil {
		g.mux.Handle("/__worker/clients", clientsHandler)
	}
	g.mux.HandleFunc("/", g.proxy)
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, g.origin+r.URL.RequestURI(), r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	req.ContentLength = r.ContentLength

	resp, err := g.reg.RoundTrip(req)
	if err != nil {
		g.log.Warn("origin unreachable", zap.String("uri", r.URL.RequestURI()), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	h := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
	if h.Get(HeaderCacheWorker) == "" {
		setOutcomeHeader(h, OutcomeBypass)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (g *Gateway) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	wk := g.reg.Active()
	if wk == nil {
		http.Error(w, ErrNotActive.Error(), http.StatusServiceUnavailable)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPushBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	p, err := wk.Push(r.Context(), data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

func (g *Gateway) handleSubscriptionChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	wk := g.reg.Active()
	if wk == nil {
		http.Error(w, ErrNotActive.Error(), http.StatusServiceUnavailable)
		return
	}
	if err := wk.PushSubscriptionChange(r.Context()); err != nil {
		g.log.Warn("push subscription change", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	Generation string            `json:"generation"`
	State      string            `json:"state"`
	Clients    int               `json:"clients"`
	DiskBytes  int64             `json:"diskBytes"`
	Outcomes   map[string]uint64 `json:"outcomes"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	wk := g.reg.Active()
	if wk == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": ErrNotActive.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Generation: wk.Generation(),
		State:      wk.State().String(),
		Clients:    len(wk.clients.MatchAll()),
		DiskBytes:  wk.storage.TotalSize(),
		Outcomes:   wk.stats.Snapshot().Outcomes,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

var ErrNoOrigin = errors.New("worker: gateway origin is required")

// ValidateOrigin checks that origin is an absolute http(s) URL.
func ValidateOrigin(origin string) error {
	if origin == "" {
		return ErrNoOrigin
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("worker: origin %q is not an absolute http URL", origin)
	}
	return nil
}

// Validate reports configuration problems before serving.
func (g *Gateway) Validate() error { return ValidateOrigin(g.origin) }
