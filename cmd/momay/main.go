package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"momay/internal/cachestore"
	"momay/internal/clients"
	"momay/internal/config"
	"momay/internal/dashboard"
	"momay/internal/logging"
	"momay/internal/pagecache"
	"momay/internal/pushsub"
	"momay/internal/worker"
)

var version = "dev"

type CLI struct {
	Version  kong.VersionFlag `help:"Show version." short:"V"`
	Config   string           `help:"Path to momay.yaml." env:"MOMAY_CONFIG" type:"path"`
	LogLevel string           `help:"Override logging.level." name:"log-level"`

	Serve ServeCmd `cmd:"" help:"Serve the dashboard origin through the cache worker."`
	Watch WatchCmd `cmd:"" help:"Poll dashboard resources through the cache worker and log them."`
	Push  PushCmd  `cmd:"" help:"Deliver a push message to a running gateway."`
}

type ServeCmd struct {
	Origin string `help:"Override server.origin."`
	Port   int    `help:"Override server.port."`
}

type WatchCmd struct {
	Timezone string `help:"Zone used to pick today's date." default:"Asia/Bangkok"`
}

type PushCmd struct {
	Addr  string `help:"Gateway base URL." default:"http://localhost:8080"`
	Title string `help:"Notification title."`
	Body  string `help:"Notification body."`
	URL   string `help:"Page to open on click." default:"/"`
}

// app is the worker side shared by serve and watch.
type app struct {
	log     *zap.Logger
	storage *cachestore.Storage
	hub     *clients.Hub
	reg     *worker.Registration
}

func (c *CLI) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return cfg, nil, fmt.Errorf("load config: %w", err)
	}
	if c.LogLevel != "" {
		cfg.Logging.Level = c.LogLevel
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return cfg, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

func start(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	st, err := cachestore.Open(cfg.Storage.Path, cfg.Storage.MaxBytes())
	if err != nil {
		return nil, err
	}
	hub := clients.NewHub(log.Named("clients"))
	reg := worker.NewRegistration(http.DefaultTransport, log.Named("registration"))
	hub.OnMessage(reg.HandleClientMessage)

	w, err := worker.New(worker.ConfigFrom(cfg), st,
		worker.WithClients(hub),
		worker.WithNotifier(hub),
		worker.WithPushManager(pushsub.NewManager(cfg.Push.PushService)),
		worker.WithLogger(log.Named("worker")),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	res, err := reg.Register(ctx, w)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("register worker: %w", err)
	}
	log.Info("worker ready",
		zap.String("generation", w.Generation()),
		zap.Int("deletedStores", len(res.DeletedStores)),
		zap.String("disk", cachestore.FormatBytes(uint64(st.TotalSize()))),
	)
	return &app{log: log, storage: st, hub: hub, reg: reg}, nil
}

func (a *app) Close() {
	a.reg.Close()
	if err := a.storage.Close(); err != nil {
		a.log.Warn("close storage", zap.Error(err))
	}
	_ = a.log.Sync()
}

func (s *ServeCmd) Run(cli *CLI) error {
	cfg, log, err := cli.load()
	if err != nil {
		return err
	}
	if s.Origin != "" {
		cfg.Server.Origin = strings.TrimRight(s.Origin, "/")
	}
	if s.Port != 0 {
		cfg.Server.Port = s.Port
	}

	if err := worker.ValidateOrigin(cfg.Server.Origin); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := start(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	gw := worker.NewGateway(a.reg, cfg.Server.Origin, a.hub, log.Named("gateway"))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("momay listening", zap.String("addr", addr), zap.String("origin", cfg.Server.Origin))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (c *WatchCmd) Run(cli *CLI) error {
	cfg, log, err := cli.load()
	if err != nil {
		return err
	}
	// Without an origin there is no app shell to precache; the worker only
	// serves the data APIs.
	if cfg.Server.Origin == "" {
		cfg.Worker.Precache = []string{}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := start(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	pageStore, err := a.storage.Open(cfg.Worker.Generation + "/page")
	if err != nil {
		return err
	}
	cache := pagecache.New(
		pagecache.WithLogger(log.Named("pagecache")),
		pagecache.WithPersistence(pagecache.NewStorePersister(pageStore), dashboard.DailyDataWindow, dashboard.IsDailyDataKey),
	)
	client := dashboard.NewClient(dashboard.Endpoints{
		EnergyAPI:  cfg.Dashboard.EnergyAPI,
		BackendAPI: cfg.Dashboard.BackendAPI,
		WeatherURL: cfg.Dashboard.WeatherURL,
		Meter:      cfg.Dashboard.Meter,
	}, a.reg)

	d := dashboard.New(client, cache, dashboard.NewLogRenderer(log.Named("render")),
		dashboard.WithLogger(log.Named("dashboard")),
		dashboard.WithLocation(loadLocation(c.Timezone, log)),
	)
	log.Info("watching dashboard resources")
	return d.Run(ctx)
}

func loadLocation(name string, log *zap.Logger) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn("unknown timezone, using UTC+7", zap.String("tz", name), zap.Error(err))
		return time.FixedZone("ICT", 7*60*60)
	}
	return loc
}

func (p *PushCmd) Run() error {
	var body []byte
	if p.Title != "" || p.Body != "" {
		b, err := json.Marshal(worker.PushPayload{Title: p.Title, Body: p.Body, URL: p.URL})
		if err != nil {
			return err
		}
		body = b
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.Addr, "/")+"/__worker/push", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("push: status %d: %s", resp.StatusCode, strings.TrimSpace(string(out)))
	}
	_, _ = fmt.Fprintln(os.Stdout, strings.TrimSpace(string(out)))
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("momay"),
		kong.Description("Offline-capable cache worker for the Momay energy dashboard."),
		kong.Vars{"version": version},
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
