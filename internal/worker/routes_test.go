package worker

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"momay/internal/config"
)

func TestClassify(t *testing.T) {
	table := NewRouteTable(config.Default().Rules)

	tests := []struct {
		name   string
		url    string
		header http.Header
		want   RouteClass
	}{
		{"navigate mode", "https://momay.app/daily", http.Header{"Sec-Fetch-Mode": {"navigate"}}, RouteNavigation},
		{"html accept", "https://momay.app/", http.Header{"Accept": {"text/html,*/*"}}, RouteNavigation},
		{"cors fetch of html", "https://momay.app/", http.Header{"Sec-Fetch-Mode": {"cors"}, "Accept": {"text/html"}}, RouteStatic},
		{"daily energy", "https://api.momay.app/daily-energy/px_pm3250?date=2025-03-01", nil, RouteAPI},
		{"solar size", "https://api.momay.app/solar-size?date=2025-03-01", nil, RouteAPI},
		{"daily bill", "https://api.momay.app/daily-bill", nil, RouteAPI},
		{"daily diff", "https://api.momay.app/daily-diff", nil, RouteAPI},
		{"calendar", "https://api.momay.app/calendar", nil, RouteAPI},
		{"notifications", "https://api.momay.app/api/notifications", nil, RouteAPI},
		{"weather", "https://api.open-meteo.com/v1/forecast?latitude=17.0080&current_weather=true", nil, RouteAPI},
		{"stylesheet", "https://momay.app/style.css?v=2", http.Header{"Accept": {"text/css,*/*;q=0.1"}}, RouteStatic},
		{"icon", "https://momay.app/icons/icon-192.png", nil, RouteStatic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, tt.url, nil)
			require.NoError(t, err)
			for k, vs := range tt.header {
				req.Header[k] = vs
			}
			assert.Equal(t, tt.want, table.Classify(req))
		})
	}
}

func TestCustomRuleOrder(t *testing.T) {
	static, err := config.NewRule("PathPrefix(/api/static)", config.ClassStatic, 0)
	require.NoError(t, err)
	api, err := config.NewRule("PathPrefix(/api)", config.ClassAPI, 1)
	require.NoError(t, err)
	table := NewRouteTable([]config.Rule{static, api})

	req, _ := http.NewRequest(http.MethodGet, "https://momay.app/api/static/logo.svg", nil)
	assert.Equal(t, RouteStatic, table.Classify(req))
	req, _ = http.NewRequest(http.MethodGet, "https://momay.app/api/points", nil)
	assert.Equal(t, RouteAPI, table.Classify(req))
}

func TestRequestKey(t *testing.T) {
	tests := []struct {
		method, url, want string
	}{
		{http.MethodGet, "https://Momay.App:443/daily#top", "GET https://momay.app/daily"},
		{http.MethodGet, "http://momay.app:80", "GET http://momay.app/"},
		{http.MethodGet, "http://momay.app:8080/x?a=1", "GET http://momay.app:8080/x?a=1"},
		{"", "https://user:pw@momay.app/a", "GET https://momay.app/a"},
		{http.MethodGet, "http://[::1]:3000/", "GET http://[::1]:3000/"},
	}
	for _, tt := range tests {
		req, err := http.NewRequest(tt.method, tt.url, nil)
		require.NoError(t, err)
		assert.Equal(t, tt.want, RequestKey(req), tt.url)
	}
}

func TestIntercepts(t *testing.T) {
	get, _ := http.NewRequest(http.MethodGet, "https://momay.app/", nil)
	post, _ := http.NewRequest(http.MethodPost, "https://momay.app/", nil)
	ws, _ := http.NewRequest(http.MethodGet, "ws://momay.app/socket", nil)
	assert.True(t, intercepts(get))
	assert.False(t, intercepts(post))
	assert.False(t, intercepts(ws))
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	ensureExposedHeader(h, HeaderCacheWorker)
	assert.Equal(t, HeaderCacheWorker, h.Get("Access-Control-Expose-Headers"))

	h = http.Header{"Access-Control-Expose-Headers": {"ETag, x-cache-worker"}}
	ensureExposedHeader(h, HeaderCacheWorker)
	assert.Equal(t, "ETag, x-cache-worker", h.Get("Access-Control-Expose-Headers"))

	h = http.Header{"Access-Control-Expose-Headers": {"ETag"}}
	ensureExposedHeader(h, HeaderCacheWorker)
	assert.Equal(t, "ETag, X-Cache-Worker", h.Get("Access-Control-Expose-Headers"))
}
