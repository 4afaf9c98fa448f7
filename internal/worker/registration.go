package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"momay/internal/clients"
	"momay/internal/logging"
)

// Registration plays the host's role: it installs new worker revisions,
// activates them without waiting for pages to close, and routes every
// request to whichever worker is active.
type Registration struct {
	network http.RoundTripper
	log     *zap.Logger

	mu     sync.Mutex // serialises Register
	active atomic.Pointer[Worker]
}

// NewRegistration passes requests to network while no worker is active.
func NewRegistration(network http.RoundTripper, log *zap.Logger) *Registration {
	if network == nil {
		network = http.DefaultTransport
	}
	return &Registration{network: network, log: logging.OrNop(log)}
}

// Active returns the active worker, or nil.
func (r *Registration) Active() *Worker { return r.active.Load() }

// Register installs w and, on success, activates it in place of the
// current worker. A failed install leaves the current worker serving.
func (r *Registration) Register(ctx context.Context, w *Worker) (ActivateResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := w.Install(ctx); err != nil {
		return ActivateResult{}, err
	}

	// The old worker must stop writing before activation deletes its
	// stores.
	old := r.active.Swap(nil)
	if old != nil {
		old.retire()
	}

	res, err := w.Activate(ctx)
	if err != nil {
		if old != nil {
			old.Close()
		}
		return res, fmt.Errorf("activate %s: %w", w.Generation(), err)
	}
	r.active.Store(w)
	if old != nil {
		old.Close()
		r.log.Info("worker superseded", zap.String("old", old.Generation()), zap.String("new", w.Generation()))
	}
	return res, nil
}

// RoundTrip sends req through the active worker, or straight to the
// network when there is none.
func (r *Registration) RoundTrip(req *http.Request) (*http.Response, error) {
	if w := r.active.Load(); w != nil {
		return w.RoundTrip(req)
	}
	return r.network.RoundTrip(req)
}

// HandleClientMessage dispatches messages sent by connected pages.
func (r *Registration) HandleClientMessage(ctx context.Context, c *clients.Client, msg clients.Message) {
	w := r.active.Load()
	if w == nil {
		return
	}
	switch msg.Type {
	case "notificationclick":
		if err := w.NotificationClick(ctx, Notification{Data: NotificationData{URL: msg.URL}}); err != nil {
			r.log.Warn("notification click", zap.String("client", c.ID), zap.Error(err))
		}
	default:
		r.log.Debug("ignored client message", zap.String("client", c.ID), zap.String("type", msg.Type))
	}
}

// Close stops the active worker.
func (r *Registration) Close() {
	if w := r.active.Swap(nil); w != nil {
		w.retire()
		w.Close()
	}
}
