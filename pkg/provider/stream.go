package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/versemarket/keeperd/pkg/log"
	"github.com/versemarket/keeperd/pkg/metrics"
	"github.com/versemarket/keeperd/pkg/types"
)

// maxReconnectBackoff caps the exponential reconnect delay.
const maxReconnectBackoff = 60 * time.Second

// Handlers receive parsed push events. Nil handlers are skipped.
type Handlers struct {
	OnPrice      func(types.PriceUpdate)
	OnResolution func(types.Resolution)
	OnDispute    func(types.Dispute)
}

// subscribeMsg is sent on every (re)connect.
type subscribeMsg struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Params  subscribeParams `json:"params"`
}

type subscribeParams struct {
	All bool `json:"all"`
}

// frame is one inbound push message. yes_price arrives as a JSON
// number or a string depending on the provider build; json.Number
// covers both.
type frame struct {
	Type       string      `json:"type"`
	MarketID   string      `json:"market_id"`
	YesPrice   json.Number `json:"yes_price"`
	Resolution string      `json:"resolution"`
	Disputed   bool        `json:"disputed"`
}

// Stream maintains the provider's push connection. It reconnects with
// exponential backoff on close and resubscribes to all market updates
// on every open; malformed frames are logged and dropped without
// breaking the stream.
type Stream struct {
	url      string
	handlers Handlers
	dialer   *websocket.Dialer
	logger   zerolog.Logger
}

// NewStream creates a push stream client for the given websocket URL.
func NewStream(url string, handlers Handlers) *Stream {
	return &Stream{
		url:      url,
		handlers: handlers,
		dialer:   websocket.DefaultDialer,
		logger:   log.WithComponent("stream"),
	}
}

// Run connects and serves push events until the context is canceled.
// The attempt counter resets on every successful open.
func (s *Stream) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return ErrStreamClosed
		}

		conn, err := s.connect(ctx)
		if err != nil {
			attempt++
			metrics.StreamReconnects.Inc()
			delay := reconnectBackoff(attempt)
			s.logger.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(err).
				Msg("push stream connect failed")

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ErrStreamClosed
			case <-timer.C:
			}
			continue
		}

		attempt = 0
		s.logger.Info().Str("url", s.url).Msg("push stream connected")
		s.serve(ctx, conn)
		conn.Close()
	}
}

// connect dials and subscribes to all market updates.
func (s *Stream) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, err
	}

	sub := subscribeMsg{
		Type:    "subscribe",
		Channel: "market_updates",
		Params:  subscribeParams{All: true},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// serve reads frames until the connection breaks or the context ends.
func (s *Stream) serve(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage when the context is canceled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("push stream read failed, reconnecting")
			}
			return
		}
		s.dispatch(data)
	}
}

// dispatch parses one frame and routes it. Unknown types are ignored;
// parse failures are logged and dropped.
func (s *Stream) dispatch(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed push frame")
		return
	}

	now := time.Now()
	switch f.Type {
	case "price_update":
		price, err := f.YesPrice.Float64()
		if err != nil {
			s.logger.Warn().Str("market_id", f.MarketID).Err(err).Msg("dropping price update with bad yes_price")
			return
		}
		metrics.PushEvents.WithLabelValues("price_update").Inc()
		if s.handlers.OnPrice != nil {
			s.handlers.OnPrice(types.PriceUpdate{
				MarketID:   f.MarketID,
				YesPrice:   price,
				ObservedAt: now,
			})
		}
	case "resolution_update":
		metrics.PushEvents.WithLabelValues("resolution_update").Inc()
		if s.handlers.OnResolution != nil {
			s.handlers.OnResolution(types.Resolution{
				MarketID:   f.MarketID,
				Resolution: f.Resolution,
				ObservedAt: now,
			})
		}
	case "dispute_update":
		metrics.PushEvents.WithLabelValues("dispute_update").Inc()
		if s.handlers.OnDispute != nil {
			s.handlers.OnDispute(types.Dispute{
				MarketID:   f.MarketID,
				Disputed:   f.Disputed,
				ObservedAt: now,
			})
		}
	default:
		metrics.PushEvents.WithLabelValues("unknown").Inc()
	}
}

// reconnectBackoff is 2^attempt seconds, capped.
func reconnectBackoff(attempt int) time.Duration {
	if attempt > 6 {
		return maxReconnectBackoff
	}
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > maxReconnectBackoff {
		return maxReconnectBackoff
	}
	return d
}
