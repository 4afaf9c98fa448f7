package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "momay.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "momay-cache-vB1.5", cfg.Worker.Generation)
	assert.Equal(t, DefaultPrecache, cfg.Worker.Precache)
	assert.Equal(t, "/index.html", cfg.Worker.Shell)
	assert.Equal(t, 24*time.Hour, cfg.Worker.APITTLDuration())
	assert.Equal(t, 10*time.Second, cfg.Worker.NetworkTimeoutDuration())
	assert.Zero(t, cfg.Storage.MaxBytes())
	assert.Zero(t, cfg.Logging.StatsEveryDuration())

	require.Len(t, cfg.Rules, 1)
	r := cfg.Rules[0]
	assert.Equal(t, ClassAPI, r.Class)
	assert.True(t, r.Matches("/daily-bill"))
	assert.True(t, r.Matches("/api/notifications/all"))
	assert.False(t, r.Matches("/style.css"))
}

func TestLoadFile(t *testing.T) {
	p := writeConfig(t, `
server:
  port: 9000
  origin: https://dash.example/
storage:
  path: /tmp/momay
  max: 64mb
worker:
  generation: v2
  precache: ["/", "/index.html"]
  apiTTL: 12h
  networkTimeout: 3s
  navigationPreload: true
rules:
  - match: PathPrefix(/assets)
    priority: 5
    class: static
  - match: PathPrefix(/daily-energy) | PathPrefix(/daily-bill)
    priority: 1
logging:
  level: debug
  statsEvery: 1m
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "https://dash.example", cfg.Server.Origin)
	assert.Equal(t, int64(64<<20), cfg.Storage.MaxBytes())
	assert.Equal(t, []string{"/", "/index.html"}, cfg.Worker.Precache)
	assert.Equal(t, 12*time.Hour, cfg.Worker.APITTLDuration())
	assert.Equal(t, 3*time.Second, cfg.Worker.NetworkTimeoutDuration())
	assert.True(t, cfg.Worker.NavigationPreload)
	assert.Equal(t, time.Minute, cfg.Logging.StatsEveryDuration())

	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, ClassAPI, cfg.Rules[0].Class, "sorted by priority, class defaults to api")
	assert.True(t, cfg.Rules[0].Matches("/daily-bill?date=2024-06-01"))
	assert.Equal(t, ClassStatic, cfg.Rules[1].Class)
}

func TestLoadEmptyPathIsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Worker.Generation, cfg.Worker.Generation)
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]string{
		"bad matcher":  "rules:\n  - match: Path(/x)\n",
		"bad class":    "rules:\n  - match: PathPrefix(/x)\n    class: magic\n",
		"relative":     "worker:\n  precache: [\"index.html\"]\n",
		"bad ttl":      "worker:\n  apiTTL: forever\n",
		"slash gen":    "worker:\n  generation: a/b\n",
		"bad size":     "storage:\n  max: lots\n",
		"empty prefix": "rules:\n  - match: PathPrefix()\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	_, err := Load("/nonexistent/momay.yaml")
	assert.Error(t, err)
}

func TestNewRule(t *testing.T) {
	r, err := NewRule("PathPrefix(/a)|PathPrefix(/b)", ClassStatic, 0)
	require.NoError(t, err)
	assert.True(t, r.Matches("/b/c"))
	assert.False(t, r.Matches("/c"))

	_, err = NewRule("", ClassStatic, 0)
	assert.Error(t, err)

	r, err = NewRule("PathPrefix(/data)", "", 0)
	require.NoError(t, err)
	assert.Equal(t, ClassAPI, r.Class, "same default as Load")

	_, err = NewRule("PathPrefix(/data)", "bogus", 0)
	assert.Error(t, err)
}
