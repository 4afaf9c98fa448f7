package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"momay/internal/cachestore"
)

// Route classes a rule can assign.
const (
	ClassNavigation = "navigation"
	ClassAPI        = "api"
	ClassStatic     = "static"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage StorageConfig `yaml:"storage"`
	Worker  WorkerConfig  `yaml:"worker"`
	Rules   []Rule        `yaml:"rules"`

	Push struct {
		PublicKey       string `yaml:"publicKey"`
		RegistrationURL string `yaml:"registrationURL"`
		PushService     string `yaml:"pushService"`
	} `yaml:"push"`

	Dashboard struct {
		EnergyAPI  string `yaml:"energyAPI"`
		BackendAPI string `yaml:"backendAPI"`
		WeatherURL string `yaml:"weatherURL"`
		Meter      string `yaml:"meter"`
	} `yaml:"dashboard"`

	Logging LoggingConfig `yaml:"logging"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
	Max  string `yaml:"max"`

	maxBytes int64
}

// MaxBytes is the parsed storage quota; 0 means unlimited.
func (s StorageConfig) MaxBytes() int64 { return s.maxBytes }

type WorkerConfig struct {
	Generation        string   `yaml:"generation"`
	Precache          []string `yaml:"precache"`
	Shell             string   `yaml:"shell"`
	APITTL            string   `yaml:"apiTTL"`
	NetworkTimeout    string   `yaml:"networkTimeout"`
	NavigationPreload bool     `yaml:"navigationPreload"`

	apiTTL         time.Duration
	networkTimeout time.Duration
}

func (w WorkerConfig) APITTLDuration() time.Duration         { return w.apiTTL }
func (w WorkerConfig) NetworkTimeoutDuration() time.Duration { return w.networkTimeout }

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	StatsEvery string `yaml:"statsEvery"`

	statsEvery time.Duration
}

// StatsEveryDuration is the stats log period; 0 disables stats logging.
func (l LoggingConfig) StatsEveryDuration() time.Duration { return l.statsEvery }

// Rule assigns a route class to requests whose path matches.
type Rule struct {
	Match    string `yaml:"match"`
	Priority int    `yaml:"priority"`
	Class    string `yaml:"class"`

	matchers []pathPrefixMatcher
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// DefaultAPIPrefixes are the data endpoints served network-first when no
// rules are configured.
var DefaultAPIPrefixes = []string{
	"/daily-energy",
	"/solar-size",
	"/daily-bill",
	"/daily-diff",
	"/calendar",
	"/api/notifications",
	"/v1/forecast",
}

// DefaultPrecache is the app shell fetched at install time.
var DefaultPrecache = []string{
	"/",
	"/index.html",
	"/style.css?v=2",
	"/script.js?v=2",
	"/manifest.json",
	"/icons/icon-192.png",
	"/icons/icon-512.png",
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	if err := cfg.normalize(); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads a YAML config from path. An empty path yields Default().
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	n, err := cachestore.ParseBytes(cfg.Storage.Max)
	if err != nil {
		return fmt.Errorf("storage.max: %w", err)
	}
	cfg.Storage.maxBytes = n

	w := &cfg.Worker
	if w.Generation == "" {
		w.Generation = "momay-cache-vB1.5"
	}
	if strings.Contains(w.Generation, "/") {
		return errors.New("worker.generation must not contain '/'")
	}
	if w.Precache == nil {
		w.Precache = append([]string(nil), DefaultPrecache...)
	}
	for i, p := range w.Precache {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("worker.precache[%d]: %q is not root-relative", i, p)
		}
	}
	if w.Shell == "" {
		w.Shell = "/index.html"
	}
	if w.apiTTL, err = parseDuration(w.APITTL, 24*time.Hour); err != nil {
		return fmt.Errorf("worker.apiTTL: %w", err)
	}
	if w.networkTimeout, err = parseDuration(w.NetworkTimeout, 10*time.Second); err != nil {
		return fmt.Errorf("worker.networkTimeout: %w", err)
	}

	if len(cfg.Rules) == 0 {
		cfg.Rules = []Rule{{
			Match:    "PathPrefix(" + strings.Join(DefaultAPIPrefixes, ")|PathPrefix(") + ")",
			Priority: 1,
			Class:    ClassAPI,
		}}
	}
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		if r.Class, err = normalizeClass(r.Class); err != nil {
			return fmt.Errorf("rules[%d].class: %w", i, err)
		}
	}
	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})

	if cfg.Push.PushService == "" {
		cfg.Push.PushService = "https://push.momay.local/send"
	}

	d := &cfg.Dashboard
	if d.EnergyAPI == "" {
		d.EnergyAPI = "https://api-kx4r63rdjq-an.a.run.app"
	}
	if d.BackendAPI == "" {
		d.BackendAPI = "https://momaybackendhospital-production.up.railway.app"
	}
	if d.WeatherURL == "" {
		d.WeatherURL = "https://api.open-meteo.com/v1/forecast?latitude=17.0080&longitude=99.8238&current_weather=true&timezone=Asia/Bangkok"
	}
	if d.Meter == "" {
		d.Meter = "px_pm3250"
	}
	d.EnergyAPI = strings.TrimRight(d.EnergyAPI, "/")
	d.BackendAPI = strings.TrimRight(d.BackendAPI, "/")

	if cfg.Logging.statsEvery, err = parseDuration(cfg.Logging.StatsEvery, 0); err != nil {
		return fmt.Errorf("logging.statsEvery: %w", err)
	}
	return nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

// Matches reports whether path starts with any of the rule's prefixes.
func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// NewRule compiles a rule outside of Load, for programmatic configs.
func NewRule(match, class string, priority int) (Rule, error) {
	ms, err := parseMatch(match)
	if err != nil {
		return Rule{}, err
	}
	if class, err = normalizeClass(class); err != nil {
		return Rule{}, err
	}
	return Rule{Match: match, Class: class, Priority: priority, matchers: ms}, nil
}

// normalizeClass defaults an empty class to api.
func normalizeClass(class string) (string, error) {
	switch class {
	case ClassAPI, ClassStatic, ClassNavigation:
		return class, nil
	case "":
		return ClassAPI, nil
	}
	return "", fmt.Errorf("unknown class %q", class)
}
