// Package dashboard polls the energy dashboard resources through the page
// data cache and hands the values to a Renderer.
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrOffline is returned when the worker answered with its offline body.
var ErrOffline = errors.New("dashboard: offline")

const maxBodyBytes = 4 << 20

type Point struct {
	Timestamp string  `json:"timestamp"`
	Power     float64 `json:"power"`
}

type Weather struct {
	Temperature   float64 `json:"temperature"`
	WindSpeed     float64 `json:"windspeed"`
	WindDirection float64 `json:"winddirection"`
	WeatherCode   int     `json:"weathercode"`
	IsDay         int     `json:"is_day"`
	Time          string  `json:"time"`
}

type Solar struct {
	DayEnergy       float64 `json:"dayEnergy"`
	SolarCapacityKW float64 `json:"solarCapacity_kW"`
	SavingsDay      float64 `json:"savingsDay"`
	SavingsMonth    float64 `json:"savingsMonth"`
	NightEnergy     float64 `json:"nightEnergy"`
	TotalEnergyKWh  float64 `json:"totalEnergyKwh"`
	PeakPowerDay    float64 `json:"peakPowerDay"`
}

// Usage is the metered energy and bill of one day.
type Usage struct {
	Date            string  `json:"date,omitempty"`
	EnergyKWh       float64 `json:"energy_kwh"`
	ElectricityBill float64 `json:"electricity_bill"`
}

// DailyDiff compares yesterday with the day before.
type DailyDiff struct {
	Yesterday Usage `json:"yesterday"`
	DayBefore Usage `json:"dayBefore"`
	Diff      Usage `json:"diff"`
}

type Notification struct {
	ID        string `json:"_id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Read      bool   `json:"read"`
	Timestamp string `json:"timestamp"`
}

type Notifications struct {
	Items       []Notification `json:"items"`
	UnreadCount int            `json:"unreadCount"`
}

// NotificationLimit is how many notifications one poll asks for.
const NotificationLimit = 50

type Endpoints struct {
	EnergyAPI  string
	BackendAPI string
	WeatherURL string
	Meter      string
}

// Client fetches dashboard resources. Its transport is normally the worker
// registration, so every request gets the worker's caching policy.
type Client struct {
	http *http.Client
	ep   Endpoints
}

func NewClient(ep Endpoints, rt http.RoundTripper) *Client {
	if rt == nil {
		rt = http.DefaultTransport
	}
	ep.EnergyAPI = strings.TrimRight(ep.EnergyAPI, "/")
	ep.BackendAPI = strings.TrimRight(ep.BackendAPI, "/")
	if ep.Meter == "" {
		ep.Meter = "px_pm3250"
	}
	return &Client{http: &http.Client{Transport: rt}, ep: ep}
}

func (c *Client) dailyEnergyURL(date string) string {
	return c.ep.EnergyAPI + "/daily-energy/" + url.PathEscape(c.ep.Meter) + "?date=" + url.QueryEscape(date)
}

// DailyData returns the power samples of date (YYYY-MM-DD).
func (c *Client) DailyData(ctx context.Context, date string) ([]Point, error) {
	var out struct {
		Data []Point `json:"data"`
	}
	if err := c.getJSON(ctx, c.dailyEnergyURL(date), &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		out.Data = []Point{}
	}
	return out.Data, nil
}

// Power returns the latest sample of date, or 0 when there is none.
func (c *Client) Power(ctx context.Context, date string) (float64, error) {
	pts, err := c.DailyData(ctx, date)
	if err != nil {
		return 0, err
	}
	if len(pts) == 0 {
		return 0, nil
	}
	return pts[len(pts)-1].Power, nil
}

func (c *Client) DailyBill(ctx context.Context, date string) (float64, error) {
	var out struct {
		ElectricityBill *float64 `json:"electricity_bill"`
	}
	if err := c.getJSON(ctx, c.ep.BackendAPI+"/daily-bill?date="+url.QueryEscape(date), &out); err != nil {
		return 0, err
	}
	if out.ElectricityBill == nil {
		return 0, nil
	}
	return *out.ElectricityBill, nil
}

func (c *Client) Weather(ctx context.Context) (Weather, error) {
	var out struct {
		Current *Weather `json:"current_weather"`
	}
	if err := c.getJSON(ctx, c.ep.WeatherURL, &out); err != nil {
		return Weather{}, err
	}
	if out.Current == nil {
		return Weather{}, errors.New("dashboard: weather response has no current_weather")
	}
	return *out.Current, nil
}

func (c *Client) Solar(ctx context.Context, date string) (Solar, error) {
	var out Solar
	err := c.getJSON(ctx, c.ep.BackendAPI+"/solar-size?date="+url.QueryEscape(date), &out)
	return out, err
}

func (c *Client) DailyDiff(ctx context.Context) (DailyDiff, error) {
	var out DailyDiff
	err := c.getJSON(ctx, c.ep.BackendAPI+"/daily-diff", &out)
	return out, err
}

// Notifications returns the latest notifications and the unread count.
func (c *Client) Notifications(ctx context.Context) (Notifications, error) {
	var out struct {
		Success     bool           `json:"success"`
		Data        []Notification `json:"data"`
		UnreadCount int            `json:"unreadCount"`
	}
	u := fmt.Sprintf("%s/api/notifications/all?limit=%d", c.ep.BackendAPI, NotificationLimit)
	if err := c.getJSON(ctx, u, &out); err != nil {
		return Notifications{}, err
	}
	if !out.Success {
		return Notifications{}, errors.New("dashboard: notifications request was not successful")
	}
	if out.Data == nil {
		out.Data = []Notification{}
	}
	return Notifications{Items: out.Data, UnreadCount: out.UnreadCount}, nil
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read %s: %w", req.URL.Path, err)
	}
	if isOfflineBody(body) {
		return fmt.Errorf("%s: %w", req.URL.Path, ErrOffline)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: status %d", req.URL.Path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func isOfflineBody(b []byte) bool {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return false
	}
	var probe struct {
		Error string `json:"error"`
	}
	return json.Unmarshal(b, &probe) == nil && probe.Error == "offline"
}

// Date formats t as the YYYY-MM-DD the APIs expect.
func Date(t time.Time) string { return t.Format(time.DateOnly) }
