package worker

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"momay/internal/clients"
)

func testServerKey(t *testing.T) string {
	t.Helper()
	k, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(k.PublicKey().Bytes())
}

func serveGateway(t *testing.T, g http.Handler, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, vs := range header {
		req.Header[k] = vs
	}
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func TestGatewayProxiesThroughWorker(t *testing.T) {
	e := newEnv(t)
	reg, _ := e.active(t, "gen-1")
	g := NewGateway(reg, e.origin.URL+"/", nil, nil)
	require.NoError(t, g.Validate())

	rec := serveGateway(t, g, http.MethodGet, "/daily-bill?date=2025-03-01", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, OutcomeNetwork, rec.Header().Get(HeaderCacheWorker))
	assert.JSONEq(t, `{"electricity_bill":42.5}`, rec.Body.String())

	e.net.down.Store(true)
	rec = serveGateway(t, g, http.MethodGet, "/daily-bill?date=2025-03-01", "", nil)
	assert.Equal(t, OutcomeFallback, rec.Header().Get(HeaderCacheWorker))

	rec = serveGateway(t, g, http.MethodGet, "/", "", http.Header{"Accept": {acceptHTML}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>shell</html>", rec.Body.String())
}

func TestGatewayBadGateway(t *testing.T) {
	e := newEnv(t)
	reg, _ := e.active(t, "gen-1")
	g := NewGateway(reg, e.origin.URL, nil, nil)

	e.net.down.Store(true)
	rec := serveGateway(t, g, http.MethodPost, "/api/save-subscription", `{}`, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderCacheWorker))
}

func TestGatewayPassThroughIsMarkedBypass(t *testing.T) {
	e := newEnv(t)
	g := NewGateway(NewRegistration(e.net, nil), e.origin.URL, nil, nil)

	rec := serveGateway(t, g, http.MethodGet, "/style.css", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, OutcomeBypass, rec.Header().Get(HeaderCacheWorker))
}

func TestGatewayPush(t *testing.T) {
	e := newEnv(t)
	fc := &fakeClients{}
	fn := &fakeNotifier{}
	reg, _ := e.active(t, "gen-1", WithClients(fc), WithNotifier(fn))
	g := NewGateway(reg, e.origin.URL, nil, nil)

	rec := serveGateway(t, g, http.MethodPost, "/__worker/push", `{"title":"Peak","body":"12 kW","url":"/daily"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var p PushPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "Peak", p.Title)
	require.Len(t, fn.shown, 1)

	rec = serveGateway(t, g, http.MethodGet, "/__worker/push", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGatewayWithoutActiveWorker(t *testing.T) {
	e := newEnv(t)
	g := NewGateway(NewRegistration(e.net, nil), e.origin.URL, nil, nil)

	assert.Equal(t, http.StatusServiceUnavailable, serveGateway(t, g, http.MethodPost, "/__worker/push", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, serveGateway(t, g, http.MethodPost, "/__worker/subscription-change", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, serveGateway(t, g, http.MethodGet, "/__worker/status", "", nil).Code)
}

func TestGatewayStatus(t *testing.T) {
	e := newEnv(t)
	hub := clients.NewHub(nil)
	hub.Register(e.url("/"))
	reg, _ := e.active(t, "gen-1", WithClients(hub))
	g := NewGateway(reg, e.origin.URL, hub, nil)

	serveGateway(t, g, http.MethodGet, "/style.css", "", nil)

	rec := serveGateway(t, g, http.MethodGet, "/__worker/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "gen-1", st.Generation)
	assert.Equal(t, "activated", st.State)
	assert.Equal(t, 1, st.Clients)
	assert.Positive(t, st.DiskBytes)
	assert.Equal(t, uint64(1), st.Outcomes[OutcomeMiss])
}

func TestGatewayValidate(t *testing.T) {
	g := NewGateway(NewRegistration(nil, nil), "", nil, nil)
	require.ErrorIs(t, g.Validate(), ErrNoOrigin)

	assert.NoError(t, ValidateOrigin("http://localhost:3000"))
	assert.Error(t, ValidateOrigin("localhost:3000"))
	assert.Error(t, ValidateOrigin("ftp://momay.app"))
}
