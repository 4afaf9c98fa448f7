package dashboard

import (
	"go.uber.org/zap"

	"momay/internal/logging"
)

// LogRenderer writes every rendered value to a logger.
type LogRenderer struct {
	log *zap.Logger
}

func NewLogRenderer(log *zap.Logger) *LogRenderer {
	return &LogRenderer{log: logging.OrNop(log)}
}

func (r *LogRenderer) Power(kw float64) {
	r.log.Info("power", zap.Float64("kW", kw))
}

func (r *LogRenderer) DailyBill(thb float64) {
	r.log.Info("daily bill", zap.Float64("THB", thb))
}

func (r *LogRenderer) Weather(w Weather) {
	r.log.Info("weather",
		zap.Float64("temperature", w.Temperature),
		zap.Float64("windspeed", w.WindSpeed),
		zap.Int("weathercode", w.WeatherCode),
	)
}

func (r *LogRenderer) DailyData(date string, points []Point) {
	fields := []zap.Field{zap.String("date", date), zap.Int("samples", len(points))}
	if n := len(points); n > 0 {
		fields = append(fields, zap.Float64("lastKW", points[n-1].Power))
	}
	r.log.Info("daily data", fields...)
}

func (r *LogRenderer) Solar(date string, s Solar) {
	r.log.Info("solar",
		zap.String("date", date),
		zap.Float64("dayEnergy", s.DayEnergy),
		zap.Float64("capacityKW", s.SolarCapacityKW),
		zap.Float64("savingsDay", s.SavingsDay),
	)
}

func (r *LogRenderer) DailyDiff(d DailyDiff) {
	r.log.Info("daily diff",
		zap.String("yesterday", d.Yesterday.Date),
		zap.Float64("yesterdayTHB", d.Yesterday.ElectricityBill),
		zap.String("dayBefore", d.DayBefore.Date),
		zap.Float64("dayBeforeTHB", d.DayBefore.ElectricityBill),
		zap.Float64("diffTHB", d.Diff.ElectricityBill),
	)
}

func (r *LogRenderer) Notifications(n Notifications) {
	fields := []zap.Field{zap.Int("count", len(n.Items)), zap.Int("unread", n.UnreadCount)}
	for _, it := range n.Items {
		if !it.Read {
			fields = append(fields, zap.String("latestUnread", it.Title))
			break
		}
	}
	r.log.Info("notifications", fields...)
}

func (r *LogRenderer) Unavailable(key string) {
	r.log.Warn("unavailable", zap.String("resource", key), zap.String("value", "-"))
}
