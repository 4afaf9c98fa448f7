package dashboard

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"momay/internal/logging"
	"momay/internal/pagecache"
)

// Freshness windows and poll periods per resource.
const (
	PowerWindow     = 500 * time.Millisecond
	PowerPoll       = 2 * time.Second
	DailyBillWindow = 10 * time.Second
	DailyBillPoll   = 10 * time.Second
	WeatherWindow   = 5 * time.Minute
	WeatherPoll     = 5 * time.Minute
	DailyDataWindow = 15 * time.Minute
	SolarWindow     = time.Minute
	SolarPoll       = time.Minute

	// A zero window refetches on every poll; the cache still keeps the last
	// value and allows one fetch at a time.
	DailyDiffWindow     time.Duration = 0
	DailyDiffPoll                     = 30 * time.Second
	NotificationsWindow time.Duration = 0
	NotificationsPoll                 = 30 * time.Second
)

const dailyDataPrefix = "dailyData-"

// IsDailyDataKey selects the keys worth persisting across sessions.
func IsDailyDataKey(key string) bool {
	return strings.HasPrefix(key, dailyDataPrefix)
}

// Renderer displays resource values. Unavailable is called when a
// resource has no value to show and the worker reported offline.
type Renderer interface {
	Power(kw float64)
	DailyBill(thb float64)
	Weather(w Weather)
	DailyData(date string, points []Point)
	Solar(date string, s Solar)
	DailyDiff(d DailyDiff)
	Notifications(n Notifications)
	Unavailable(key string)
}

type Dashboard struct {
	client *Client
	cache  *pagecache.Cache
	render Renderer
	log    *zap.Logger
	now    func() time.Time
	loc    *time.Location
}

type Option func(*Dashboard)

func WithLogger(l *zap.Logger) Option       { return func(d *Dashboard) { d.log = logging.OrNop(l) } }
func WithClock(now func() time.Time) Option { return func(d *Dashboard) { d.now = now } }

// WithLocation sets the zone used to pick "today".
func WithLocation(loc *time.Location) Option {
	return func(d *Dashboard) {
		if loc != nil {
			d.loc = loc
		}
	}
}

func New(client *Client, cache *pagecache.Cache, render Renderer, opts ...Option) *Dashboard {
	d := &Dashboard{
		client: client,
		cache:  cache,
		render: render,
		log:    zap.NewNop(),
		now:    time.Now,
		loc:    time.Local,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dashboard) today() string { return Date(d.now().In(d.loc)) }

// placeholder fetches via fn and, when the worker is offline and nothing
// is stored for key yet, tells the renderer to show a placeholder.
func placeholder[T any](d *Dashboard, key string, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if errors.Is(err, ErrOffline) {
			if _, ok := d.cache.Get(key); !ok {
				d.render.Unavailable(key)
			}
		}
		return v, err
	}
}

func (d *Dashboard) UpdatePower(ctx context.Context) pagecache.Outcome {
	date := d.today()
	r := pagecache.Resource[float64]{
		Key:    "power",
		Window: PowerWindow,
		Fetch: placeholder(d, "power", func(ctx context.Context) (float64, error) {
			return d.client.Power(ctx, date)
		}),
	}
	return r.Refresh(ctx, d.cache, d.render.Power)
}

func (d *Dashboard) UpdateDailyBill(ctx context.Context) pagecache.Outcome {
	date := d.today()
	r := pagecache.Resource[float64]{
		Key:    "dailyBill",
		Window: DailyBillWindow,
		Fetch: placeholder(d, "dailyBill", func(ctx context.Context) (float64, error) {
			return d.client.DailyBill(ctx, date)
		}),
	}
	return r.Refresh(ctx, d.cache, d.render.DailyBill)
}

func (d *Dashboard) UpdateWeather(ctx context.Context) pagecache.Outcome {
	r := pagecache.Resource[Weather]{
		Key:    "weather",
		Window: WeatherWindow,
		Fetch:  placeholder(d, "weather", d.client.Weather),
	}
	return r.Refresh(ctx, d.cache, d.render.Weather)
}

// UpdateDailyData loads the samples of date; an empty date means today.
func (d *Dashboard) UpdateDailyData(ctx context.Context, date string) pagecache.Outcome {
	if date == "" {
		date = d.today()
	}
	key := dailyDataPrefix + date
	r := pagecache.Resource[[]Point]{
		Key:    key,
		Window: DailyDataWindow,
		Fetch: placeholder(d, key, func(ctx context.Context) ([]Point, error) {
			return d.client.DailyData(ctx, date)
		}),
	}
	return r.Refresh(ctx, d.cache, func(p []Point) { d.render.DailyData(date, p) })
}

func (d *Dashboard) UpdateSolar(ctx context.Context, date string) pagecache.Outcome {
	if date == "" {
		date = d.today()
	}
	key := "solar-" + date
	r := pagecache.Resource[Solar]{
		Key:    key,
		Window: SolarWindow,
		Fetch: placeholder(d, key, func(ctx context.Context) (Solar, error) {
			return d.client.Solar(ctx, date)
		}),
	}
	return r.Refresh(ctx, d.cache, func(s Solar) { d.render.Solar(date, s) })
}

func (d *Dashboard) UpdateDailyDiff(ctx context.Context) pagecache.Outcome {
	r := pagecache.Resource[DailyDiff]{
		Key:    "dailyDiff",
		Window: DailyDiffWindow,
		Fetch:  placeholder(d, "dailyDiff", d.client.DailyDiff),
	}
	return r.Refresh(ctx, d.cache, d.render.DailyDiff)
}

func (d *Dashboard) UpdateNotifications(ctx context.Context) pagecache.Outcome {
	r := pagecache.Resource[Notifications]{
		Key:    "notifications",
		Window: NotificationsWindow,
		Fetch:  placeholder(d, "notifications", d.client.Notifications),
	}
	return r.Refresh(ctx, d.cache, d.render.Notifications)
}

// Run polls every resource on its period until ctx is done, then waits
// for outstanding fetches.
func (d *Dashboard) Run(ctx context.Context) error {
	d.UpdateDailyData(ctx, "")

	g, gctx := errgroup.WithContext(ctx)
	poll := func(name string, every time.Duration, update func(context.Context) pagecache.Outcome) {
		g.Go(func() error {
			t := time.NewTicker(every)
			defer t.Stop()
			for {
				o := update(gctx)
				d.log.Debug("poll", zap.String("resource", name), zap.Stringer("outcome", o))
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
				}
			}
		})
	}
	poll("power", PowerPoll, d.UpdatePower)
	poll("dailyBill", DailyBillPoll, d.UpdateDailyBill)
	poll("weather", WeatherPoll, d.UpdateWeather)
	poll("solar", SolarPoll, func(ctx context.Context) pagecache.Outcome { return d.UpdateSolar(ctx, "") })
	poll("dailyDiff", DailyDiffPoll, d.UpdateDailyDiff)
	poll("notifications", NotificationsPoll, d.UpdateNotifications)

	err := g.Wait()
	d.cache.Wait()
	return err
}
