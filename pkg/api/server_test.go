package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versemarket/keeperd/pkg/config"
	"github.com/versemarket/keeperd/pkg/keeper"
	"github.com/versemarket/keeperd/pkg/metrics"
)

type stubStatus struct {
	status keeper.Status
}

func (s *stubStatus) Status() keeper.Status { return s.status }

func testServer(t *testing.T) (*Server, *stubStatus) {
	t.Helper()
	src := &stubStatus{status: keeper.Status{
		KeeperID:   "k1",
		State:      "leader",
		IsLeader:   true,
		Generation: 7,
		Processed:  42,
	}}
	cfg := config.APIConfig{Listen: "127.0.0.1:0"}
	return NewServer(cfg, src), src
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var st keeper.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "k1", st.KeeperID)
	assert.True(t, st.IsLeader)
	assert.Equal(t, uint64(7), st.Generation)
	assert.Equal(t, uint64(42), st.Processed)
}

func TestStatusRejectsNonGet(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestProbeEndpoints(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/livez")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Readiness requires the critical components to be registered
	// healthy.
	metrics.RegisterComponent("coord", true, "")
	metrics.RegisterComponent("provider", true, "")
	metrics.RegisterComponent("engine", true, "")
	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsExposition(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// Hit /status first so the request counter has something to show.
	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "keeperd_api_requests_total")
}

func TestStartBindsAndStops(t *testing.T) {
	srv, _ := testServer(t)
	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/livez")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	_, err = http.Get("http://" + srv.Addr() + "/livez")
	assert.Error(t, err, "listener closed after Stop")
}
