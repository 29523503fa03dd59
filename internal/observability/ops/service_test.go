package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "gams/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(healthy bool) *Service {
	return New(Config{}, logx.Nop(),
		func(context.Context) (bool, any) {
			return healthy, map[string]any{"overall": map[bool]string{true: "healthy", false: "unhealthy"}[healthy]}
		},
		func() any { return map[string]int{"processes": 3} },
	)
}

func get(t *testing.T, h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReportsStatusCode(t *testing.T) {
	rec := get(t, newTestService(true).Handler(Config{}), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["overall"])

	rec = get(t, newTestService(false).Handler(Config{}), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	rec := get(t, newTestService(true).Handler(Config{}), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"processes":3}`, rec.Body.String())
}

func TestTokenAuth(t *testing.T) {
	h := newTestService(true).Handler(Config{Token: "s3cret"})

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/status").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/status?token=nope").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/status?token=s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/status", "Authorization", "Bearer s3cret").Code)
}

func TestPprofRoutesOptional(t *testing.T) {
	svc := newTestService(true)
	assert.Equal(t, http.StatusNotFound, get(t, svc.Handler(Config{}), "/debug/pprof/").Code)
	assert.Equal(t, http.StatusOK, get(t, svc.Handler(Config{Pprof: true}), "/debug/pprof/").Code)
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, isLoopbackAddr("localhost:80"))
	assert.True(t, isLoopbackAddr("[::1]:80"))
	assert.False(t, isLoopbackAddr(":6060"))
	assert.False(t, isLoopbackAddr("0.0.0.0:6060"))
	assert.False(t, isLoopbackAddr("garbage"))
}

func TestInsecureBindRefused(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop(), nil, nil)
	require.ErrorIs(t, svc.serveOnce(context.Background()), errInsecureBind)
}

func TestReconfigureStartsAndStops(t *testing.T) {
	svc := newTestService(true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	require.Eventually(t, func() bool { return svc.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	svc.Reconfigure(ctx, Config{Enabled: false})
	assert.Empty(t, svc.Addr())
	assert.False(t, svc.Enabled())
}
