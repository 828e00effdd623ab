package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versemarket/keeperd/pkg/config"
	"github.com/versemarket/keeperd/pkg/ratelimit"
	"github.com/versemarket/keeperd/pkg/security"
)

const marketsPage = `[
	{"id":"m1","question":"Will BTC be above $50000?","outcomes":["Yes","No"],
	 "yes_price":"0.62","last_price":"0.61","volume":"1000.5","liquidity":"250.25",
	 "resolved":false,"resolution":"","created_at":1700000000000,"updated_at":1700000100000},
	{"id":"m2","question":"Will ETH be above $3000?","outcomes":["Yes","No"],
	 "yes_price":"0.40","last_price":"0.41","volume":"500","liquidity":"100",
	 "resolved":true,"resolution":"Yes","created_at":1700000000000,"updated_at":1700000100000}
]`

func testClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	limiter, err := ratelimit.New(config.LimiterConfig{
		Tier:           config.TierPremium,
		MaxRetries:     2,
		RetryBaseDelay: config.Duration(5 * time.Millisecond),
	}, nil, nil)
	require.NoError(t, err)
	limiter.Start()
	t.Cleanup(limiter.Stop)

	return NewClient(config.ProviderConfig{
		BaseURL: serverURL,
		APIKey:  "test-key",
		Timeout: config.Duration(2 * time.Second),
	}, limiter, security.NewIdentity("keeper-1", []byte("secret")))
}

func TestFetchMarketsParsesStringFloats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		assert.Equal(t, "0", r.URL.Query().Get("offset"))
		assert.Equal(t, "true", r.URL.Query().Get("active"))
		w.Write([]byte(marketsPage))
	}))
	defer srv.Close()

	markets, err := testClient(t, srv.URL).FetchMarkets(context.Background(), 100, 0)
	require.NoError(t, err)
	require.Len(t, markets, 2)

	m := markets[0]
	assert.Equal(t, "m1", m.ID)
	assert.InDelta(t, 0.62, m.YesPrice, 1e-9)
	assert.InDelta(t, 1000.5, m.Volume, 1e-9)
	assert.InDelta(t, 250.25, m.Liquidity, 1e-9)
	assert.False(t, m.Resolved)

	assert.True(t, markets[1].Resolved)
	assert.Equal(t, "Yes", markets[1].Resolution)
}

func TestFetchMarketsSignsRequests(t *testing.T) {
	var gotKey, gotSig, gotTS atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get(headerKey))
		gotSig.Store(r.Header.Get(headerSignature))
		gotTS.Store(r.Header.Get(headerTimestamp))
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).FetchMarkets(context.Background(), 10, 0)
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey.Load())
	assert.NotEmpty(t, gotSig.Load())
	assert.NotEmpty(t, gotTS.Load())
}

func TestFetchMarketsRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	markets, err := testClient(t, srv.URL).FetchMarkets(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, markets)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchMarketsRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(marketsPage))
	}))
	defer srv.Close()

	markets, err := testClient(t, srv.URL).FetchMarkets(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Len(t, markets, 2)
}

func TestFetchMarketsSurfaces4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("bad key"))
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).FetchMarkets(context.Background(), 10, 0)
	require.Error(t, err)
	assert.True(t, IsAPIError(err))
	// Persistent failures are not retried.
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchMarketsDropsMalformedRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"id":"good","question":"q","yes_price":"0.5","last_price":"0.5","volume":"1","liquidity":"1"},
			{"id":"bad","question":"q","yes_price":"not-a-number","last_price":"0.5","volume":"1","liquidity":"1"}
		]`))
	}))
	defer srv.Close()

	markets, err := testClient(t, srv.URL).FetchMarkets(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, "good", markets[0].ID)
}

func TestFetchMarketsUndecodableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"not":"an array"}`))
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).FetchMarkets(context.Background(), 10, 0)
	require.Error(t, err)
	assert.True(t, IsAPIError(err))
}
