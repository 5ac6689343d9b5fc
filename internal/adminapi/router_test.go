package adminapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skywalker-88/wardengate/pkg/config"
)

type fakeStatus struct{ out map[string]any }

func (f fakeStatus) Status() map[string]any { return f.out }

type fakeUnblocker struct{ mu sync.Mutex; calls []string }

func (f *fakeUnblocker) UnblockIP(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ip)
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	t.Cleanup(func() { SetDraining(false) })
	store := config.NewStore(config.Default())
	return New(store, fakeStatus{out: map[string]any{"l4": "ok"}}, &fakeUnblocker{})
}

func newTestRouterWithUnblocker(t *testing.T, u *fakeUnblocker) http.Handler {
	t.Helper()
	t.Cleanup(func() { SetDraining(false) })
	store := config.NewStore(config.Default())
	return New(store, fakeStatus{out: map[string]any{"l4": "ok"}}, u)
}

func TestHealthz_OKWhenNotDraining(t *testing.T) {
	SetDraining(false)
	ts := httptest.NewServer(newTestRouter(t))
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthz_ServiceUnavailableWhileDraining(t *testing.T) {
	ts := httptest.NewServer(newTestRouter(t))
	t.Cleanup(ts.Close)
	SetDraining(true)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatus_ReturnsProviderOutput(t *testing.T) {
	ts := httptest.NewServer(newTestRouter(t))
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["l4"])
}

func TestConfig_DumpsCurrentStore(t *testing.T) {
	ts := httptest.NewServer(newTestRouter(t))
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/config")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnblock_DelegatesToUnblocker(t *testing.T) {
	u := &fakeUnblocker{}
	ts := httptest.NewServer(newTestRouterWithUnblocker(t, u))
	t.Cleanup(ts.Close)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/blocks/1.2.3.4", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, []string{"1.2.3.4"}, u.calls)
}

func TestNotFound_ReturnsJSONError(t *testing.T) {
	ts := httptest.NewServer(newTestRouter(t))
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/nonexistent")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
