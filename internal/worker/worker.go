// Package worker is the installable cache worker: it is installed and
// activated per deployment generation, then intercepts GET requests and
// answers them from the network, the persistent cache or both, depending on
// the route class.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"momay/internal/cachestore"
	"momay/internal/clients"
	"momay/internal/config"
	"momay/internal/logging"
	"momay/internal/pushsub"
)

var (
	ErrInstallFailed = errors.New("worker: install failed")
	ErrInvalidState  = errors.New("worker: invalid lifecycle state")
	ErrNotActive     = errors.New("worker: no active worker")
)

type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config is everything a worker revision needs. It replaces the global
// constants of a browser service worker script.
type Config struct {
	Generation        string
	Origin            string
	Precache          []string
	Shell             string
	Routes            RouteTable
	APITTL            time.Duration
	NetworkTimeout    time.Duration
	NavigationPreload bool
	StatsEvery        time.Duration

	PushPublicKey       string
	PushRegistrationURL string
}

// ConfigFrom maps the YAML configuration onto a worker Config.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Generation:          cfg.Worker.Generation,
		Origin:              cfg.Server.Origin,
		Precache:            cfg.Worker.Precache,
		Shell:               cfg.Worker.Shell,
		Routes:              NewRouteTable(cfg.Rules),
		APITTL:              cfg.Worker.APITTLDuration(),
		NetworkTimeout:      cfg.Worker.NetworkTimeoutDuration(),
		NavigationPreload:   cfg.Worker.NavigationPreload,
		StatsEvery:          cfg.Logging.StatsEveryDuration(),
		PushPublicKey:       cfg.Push.PublicKey,
		PushRegistrationURL: cfg.Push.RegistrationURL,
	}
}

// Clients is the set of open pages the worker controls.
type Clients interface {
	MatchAll() []clients.Info
	Broadcast(msg clients.Message) int
	Focus(ctx context.Context, id string) error
	OpenWindow(ctx context.Context, url string) error
}

// Notifier displays host level notifications.
type Notifier interface {
	ShowNotification(ctx context.Context, title string, options any) error
}

// PushManager derives push subscriptions.
type PushManager interface {
	Subscribe(ctx context.Context, applicationServerKey string) (pushsub.Subscription, error)
}

type Worker struct {
	cfg     Config
	storage *cachestore.Storage

	network  http.RoundTripper
	clients  Clients
	notifier Notifier
	pushMgr  PushManager
	log      *zap.Logger
	storeLog *logging.RateLimited
	now      func() time.Time

	state   atomic.Int32
	preload atomic.Bool
	static  *cachestore.Store
	api     *cachestore.Store

	bgSem    chan struct{}
	stopCh   chan struct{}
	bgMu     sync.Mutex // guards stopping and wg.Add
	stopping bool
	wg       sync.WaitGroup

	stats *statsCollector
}

type Option func(*Worker)

// WithTransport sets the network transport; http.DefaultTransport otherwise.
func WithTransport(rt http.RoundTripper) Option { return func(w *Worker) { w.network = rt } }
func WithClients(c Clients) Option              { return func(w *Worker) { w.clients = c } }
func WithNotifier(n Notifier) Option            { return func(w *Worker) { w.notifier = n } }
func WithPushManager(m PushManager) Option      { return func(w *Worker) { w.pushMgr = m } }
func WithLogger(l *zap.Logger) Option           { return func(w *Worker) { w.log = logging.OrNop(l) } }
func WithClock(now func() time.Time) Option     { return func(w *Worker) { w.now = now } }

// New creates a worker in the parsed state.
func New(cfg Config, storage *cachestore.Storage, opts ...Option) (*Worker, error) {
	if cfg.Generation == "" {
		return nil, errors.New("worker: generation is required")
	}
	if storage == nil {
		return nil, errors.New("worker: storage is required")
	}
	if cfg.Routes == nil {
		cfg.Routes = NewRouteTable(nil)
	}
	if cfg.APITTL <= 0 {
		cfg.APITTL = 24 * time.Hour
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = 10 * time.Second
	}
	if cfg.Shell == "" {
		cfg.Shell = "/index.html"
	}

	w := &Worker{
		cfg:      cfg,
		storage:  storage,
		network:  http.DefaultTransport,
		clients:  noClients{},
		notifier: noNotifier{},
		log:      zap.NewNop(),
		now:      time.Now,
		bgSem:    make(chan struct{}, 32),
		stopCh:   make(chan struct{}),
		stats:    newStatsCollector(),
	}
	for _, o := range opts {
		o(w)
	}
	w.log = w.log.With(zap.String("generation", cfg.Generation))
	w.storeLog = logging.NewRateLimited(w.log, time.Minute)
	return w, nil
}

func (w *Worker) Generation() string { return w.cfg.Generation }

func (w *Worker) State() State { return State(w.state.Load()) }

// Close stops background work and waits for it. Background work started
// after Close is refused. The storage is owned by the caller and stays open.
func (w *Worker) Close() {
	w.bgMu.Lock()
	if !w.stopping {
		w.stopping = true
		close(w.stopCh)
	}
	w.bgMu.Unlock()
	w.wg.Wait()
}

// goBackground runs fn on its own goroutine unless the worker is closing.
func (w *Worker) goBackground(fn func()) bool {
	w.bgMu.Lock()
	defer w.bgMu.Unlock()
	if w.stopping {
		return false
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
	return true
}

// retire marks the worker redundant; it stops intercepting immediately.
func (w *Worker) retire() {
	w.state.Store(int32(StateRedundant))
	w.log.Info("worker redundant")
}

func (w *Worker) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			w.logStats()
		}
	}
}

func (w *Worker) logStats() {
	ss := w.stats.Snapshot()
	fields := []zap.Field{
		zap.String("disk", cachestore.FormatBytes(uint64(w.storage.TotalSize()))),
		zap.Uint64("responses", ss.TotalResponses),
		zap.String("respMin", cachestore.FormatBytes(ss.MinRespBytes)),
		zap.String("respAvg", cachestore.FormatBytes(ss.AvgRespBytes)),
		zap.String("respMax", cachestore.FormatBytes(ss.MaxRespBytes)),
	}
	for o, n := range ss.Outcomes {
		fields = append(fields, zap.Uint64(o, n))
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", cachestore.FormatBytes(rss)))
	}
	w.log.Info("cache stats", fields...)
}

type noClients struct{}

func (noClients) MatchAll() []clients.Info                 { return nil }
func (noClients) Broadcast(clients.Message) int            { return 0 }
func (noClients) Focus(context.Context, string) error      { return clients.ErrUnknownClient }
func (noClients) OpenWindow(context.Context, string) error { return nil }

type noNotifier struct{}

func (noNotifier) ShowNotification(context.Context, string, any) error { return nil }
