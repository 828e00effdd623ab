package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/versemarket/keeperd/pkg/config"
	"github.com/versemarket/keeperd/pkg/log"
	"github.com/versemarket/keeperd/pkg/security"
	"github.com/versemarket/keeperd/pkg/types"
)

// Updater is the on-chain write surface. The coordinator treats it as
// an opaque sink with idempotent semantics per (verse, version).
type Updater interface {
	UpdateVerseProb(ctx context.Context, verseID types.VerseID, version uint64, probability float64) error
	MarkResolved(ctx context.Context, marketID, resolution string) error
}

// RPC method names.
const (
	methodUpdateVerseProb = "updateVerseProb"
	methodMarkResolved    = "markResolution"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      uint64 `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      uint64          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type updateParams struct {
	VerseID     string  `json:"verse_id"`
	Version     uint64  `json:"version"`
	Probability float64 `json:"probability"`
	KeeperID    string  `json:"keeper_id"`
	Signature   string  `json:"signature"`
}

type resolveParams struct {
	MarketID   string `json:"market_id"`
	Resolution string `json:"resolution"`
	KeeperID   string `json:"keeper_id"`
}

// RPCClient implements Updater over signed JSON-RPC 2.0 calls.
type RPCClient struct {
	url      string
	http     *http.Client
	identity *security.Identity
	nextID   atomic.Uint64
	logger   zerolog.Logger
}

// NewRPCClient creates a chain client signing with the keeper
// identity.
func NewRPCClient(cfg config.ChainConfig, identity *security.Identity) *RPCClient {
	timeout := cfg.Timeout.D()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCClient{
		url:      cfg.RPCURL,
		http:     &http.Client{Timeout: timeout},
		identity: identity,
		logger:   log.WithComponent("chain"),
	}
}

// UpdateVerseProb issues one signed aggregate update.
func (c *RPCClient) UpdateVerseProb(ctx context.Context, verseID types.VerseID, version uint64, probability float64) error {
	params := updateParams{
		VerseID:     verseID.String(),
		Version:     version,
		Probability: probability,
		KeeperID:    c.identity.KeeperID,
		Signature:   c.identity.SignUpdate(verseID.String(), version, probability),
	}
	return c.call(ctx, methodUpdateVerseProb, params)
}

// MarkResolved propagates a market resolution.
func (c *RPCClient) MarkResolved(ctx context.Context, marketID, resolution string) error {
	params := resolveParams{
		MarketID:   marketID,
		Resolution: resolution,
		KeeperID:   c.identity.KeeperID,
	}
	return c.call(ctx, methodMarkResolved, params)
}

func (c *RPCClient) call(ctx context.Context, method string, params any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode rpc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read rpc response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc endpoint returned %d: %s", resp.StatusCode, respBody)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("failed to decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s rejected: %w", method, rpcResp.Error)
	}
	return nil
}
