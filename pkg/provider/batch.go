package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/versemarket/keeperd/pkg/metrics"
	"github.com/versemarket/keeperd/pkg/ratelimit"
)

// SendBatch posts one coalesced batch payload and decodes the
// per-request market records. The response keeps the payload's request
// order, so the batcher can hand each waiter its own record. The
// batcher already holds a limiter slot when it calls this, so the
// request goes straight out.
func (c *Client) SendBatch(ctx context.Context, endpoint string, payload []byte, compressed bool) (any, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ProviderRequestDuration, endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	c.signRequest(req, endpoint)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, ratelimit.Transient(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, ratelimit.Transient(err)
	}

	body, err := classify(resp.StatusCode, endpoint, raw)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}
	metrics.ProviderRequests.WithLabelValues(endpoint, "ok").Inc()

	var wire []wireMarket
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &APIError{Status: http.StatusOK, Endpoint: endpoint,
			Body: fmt.Sprintf("undecodable batch payload: %v", err)}
	}

	// Positional distribution needs every slot filled, so one malformed
	// record fails the whole batch.
	out := make([]any, 0, len(wire))
	for _, w := range wire {
		m, err := w.toMarket()
		if err != nil {
			return nil, fmt.Errorf("malformed record %q in batch response: %w", w.ID, err)
		}
		out = append(out, m)
	}
	return out, nil
}
