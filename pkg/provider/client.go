package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/versemarket/keeperd/pkg/config"
	"github.com/versemarket/keeperd/pkg/log"
	"github.com/versemarket/keeperd/pkg/metrics"
	"github.com/versemarket/keeperd/pkg/ratelimit"
	"github.com/versemarket/keeperd/pkg/security"
	"github.com/versemarket/keeperd/pkg/types"
)

// Signing headers sent with every request.
const (
	headerKey       = "X-VM-KEY"
	headerSignature = "X-VM-SIGNATURE"
	headerTimestamp = "X-VM-TIMESTAMP"
)

// wireMarket is the provider's market record. Prices and weights
// arrive as strings and are parsed into 64-bit floats here.
type wireMarket struct {
	ID         string   `json:"id"`
	Question   string   `json:"question"`
	Outcomes   []string `json:"outcomes"`
	YesPrice   string   `json:"yes_price"`
	LastPrice  string   `json:"last_price"`
	Volume     string   `json:"volume"`
	Liquidity  string   `json:"liquidity"`
	Resolved   bool     `json:"resolved"`
	Resolution string   `json:"resolution"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
}

// Client is the provider HTTP client. Every call goes through the
// rate limiter; 429 responses carry the rate-limit sentinel so the
// limiter's retry loop recognizes them, 5xx responses are transient.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	limiter  *ratelimit.Limiter
	identity *security.Identity
	logger   zerolog.Logger
}

// NewClient creates a provider client. identity may be nil when the
// provider does not require signed requests.
func NewClient(cfg config.ProviderConfig, limiter *ratelimit.Limiter, identity *security.Identity) *Client {
	timeout := cfg.Timeout.D()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: timeout},
		limiter:  limiter,
		identity: identity,
		logger:   log.WithComponent("provider"),
	}
}

// FetchMarkets returns one page of active markets.
func (c *Client) FetchMarkets(ctx context.Context, limit, offset int) ([]types.Market, error) {
	endpoint := fmt.Sprintf("/markets?limit=%d&offset=%d&active=true", limit, offset)

	res, err := c.limiter.Execute(ctx, endpoint, ratelimit.PriorityNormal,
		func(ctx context.Context) (any, error) {
			return c.getMarkets(ctx, endpoint)
		})
	if err != nil {
		return nil, err
	}
	return res.([]types.Market), nil
}

func (c *Client) getMarkets(ctx context.Context, endpoint string) ([]types.Market, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ProviderRequestDuration, "/markets")

	body, err := c.get(ctx, endpoint)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues("/markets", "error").Inc()
		return nil, err
	}
	metrics.ProviderRequests.WithLabelValues("/markets", "ok").Inc()

	var wire []wireMarket
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &APIError{Status: http.StatusOK, Endpoint: endpoint,
			Body: fmt.Sprintf("undecodable markets payload: %v", err)}
	}

	markets := make([]types.Market, 0, len(wire))
	for _, w := range wire {
		m, err := w.toMarket()
		if err != nil {
			// One malformed record does not poison the page.
			c.logger.Warn().Str("market_id", w.ID).Err(err).Msg("dropping malformed market record")
			continue
		}
		markets = append(markets, m)
	}
	return markets, nil
}

// get issues one signed GET and classifies the response.
func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	c.signRequest(req, endpoint)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ratelimit.Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ratelimit.Transient(err)
	}

	return classify(resp.StatusCode, endpoint, body)
}

// classify maps one provider response onto the limiter's error
// taxonomy: 429 is the rate-limit sentinel, 5xx is transient, other
// non-200s are permanent.
func classify(status int, endpoint string, body []byte) ([]byte, error) {
	switch {
	case status == http.StatusOK:
		return body, nil
	case status == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s: %w", endpoint, ratelimit.ErrRateLimited)
	case status >= 500:
		return nil, ratelimit.Transient(&APIError{
			Status: status, Endpoint: endpoint, Body: string(body)})
	default:
		return nil, &APIError{Status: status, Endpoint: endpoint, Body: string(body)}
	}
}

func (c *Client) signRequest(req *http.Request, endpoint string) {
	if c.identity == nil {
		return
	}
	ts := time.Now().UnixMilli()
	req.Header.Set(headerKey, c.apiKey)
	req.Header.Set(headerTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(headerSignature, c.identity.SignRequest(req.Method, endpoint, ts))
}

func (w *wireMarket) toMarket() (types.Market, error) {
	yes, err := parsePrice(w.YesPrice)
	if err != nil {
		return types.Market{}, fmt.Errorf("failed to parse yes_price: %w", err)
	}
	last, err := parsePrice(w.LastPrice)
	if err != nil {
		return types.Market{}, fmt.Errorf("failed to parse last_price: %w", err)
	}
	volume, err := parsePrice(w.Volume)
	if err != nil {
		return types.Market{}, fmt.Errorf("failed to parse volume: %w", err)
	}
	liquidity, err := parsePrice(w.Liquidity)
	if err != nil {
		return types.Market{}, fmt.Errorf("failed to parse liquidity: %w", err)
	}

	return types.Market{
		ID:         w.ID,
		Question:   w.Question,
		Outcomes:   w.Outcomes,
		YesPrice:   yes,
		LastPrice:  last,
		Volume:     volume,
		Liquidity:  liquidity,
		Resolved:   w.Resolved,
		Resolution: w.Resolution,
		CreatedAt:  time.UnixMilli(w.CreatedAt),
		UpdatedAt:  time.UnixMilli(w.UpdatedAt),
	}, nil
}

// parsePrice parses a string-encoded float, treating empty as zero.
func parsePrice(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
