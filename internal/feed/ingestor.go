package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mattdavey/papertrade/internal/types"
)

// historyCap bounds the retained tick history. Oldest ticks are dropped
// first. History survives reconnects.
const historyCap = 100

// TickHandler is invoked synchronously for every incoming tick, before the
// tick is broadcast to subscribers.
type TickHandler func(types.PriceTick)

// Ingestor maintains the connection to the upstream price stream. It
// normalizes each incoming ticker message, appends it to the bounded
// history, hands it to the settlement hook, then broadcasts it to
// subscribers. Upstream failures are never fatal: the ingestor reconnects
// after a fixed delay, forever.
type Ingestor struct {
	url            string
	reconnectDelay time.Duration
	settle         TickHandler

	histMu  sync.RWMutex
	history []types.PriceTick

	subMu  sync.RWMutex
	subs   map[int64]chan types.PriceTick
	nextID int64
}

func NewIngestor(url string, reconnectDelay time.Duration) *Ingestor {
	return &Ingestor{
		url:            url,
		reconnectDelay: reconnectDelay,
		subs:           make(map[int64]chan types.PriceTick),
	}
}

// OnTick registers the synchronous settlement hook. Must be called before
// Start.
func (in *Ingestor) OnTick(h TickHandler) {
	in.settle = h
}

// Start runs the connect/read/reconnect loop until the context is cancelled.
func (in *Ingestor) Start(ctx context.Context) {
	logger := log.With().Str("component", "feed_ingestor").Logger()
	logger.Info().Str("url", in.url).Msg("starting price feed ingestor")

	for {
		if err := in.run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn().
				Err(err).
				Dur("retry_in", in.reconnectDelay).
				Msg("upstream feed connection lost, reconnecting")
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down price feed ingestor")
			return
		case <-time.After(in.reconnectDelay):
		}
	}
}

func (in *Ingestor) run(ctx context.Context) error {
	logger := log.With().Str("component", "feed_ingestor").Logger()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, in.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	logger.Info().Msg("connected to upstream feed")

	// Unblock the read loop when the context is cancelled.
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
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		tick, err := parseTicker(message)
		if err != nil {
			logger.Warn().Err(err).Msg("discarding malformed ticker message")
			continue
		}

		in.dispatch(tick)
	}
}

// dispatch records the tick, runs settlement, then fans out to subscribers.
// Settlement runs before the broadcast so clients never observe a price the
// engine has not yet evaluated.
func (in *Ingestor) dispatch(tick types.PriceTick) {
	in.histMu.Lock()
	in.history = append(in.history, tick)
	if len(in.history) > historyCap {
		in.history = in.history[len(in.history)-historyCap:]
	}
	in.histMu.Unlock()

	if in.settle != nil {
		in.settle(tick)
	}

	in.broadcast(tick)
}

// History returns an ordered snapshot of the retained ticks, oldest first.
func (in *Ingestor) History() []types.PriceTick {
	in.histMu.RLock()
	defer in.histMu.RUnlock()
	snapshot := make([]types.PriceTick, len(in.history))
	copy(snapshot, in.history)
	return snapshot
}

// Last returns the most recent tick, if any has arrived yet.
func (in *Ingestor) Last() (types.PriceTick, bool) {
	in.histMu.RLock()
	defer in.histMu.RUnlock()
	if len(in.history) == 0 {
		return types.PriceTick{}, false
	}
	return in.history[len(in.history)-1], true
}

// binanceTicker is the subset of the upstream @ticker payload the service
// consumes. All numeric fields arrive as strings.
type binanceTicker struct {
	Symbol             string `json:"s"`
	LastPrice          string `json:"c"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	High               string `json:"h"`
	Low                string `json:"l"`
	Volume             string `json:"v"`
}

func parseTicker(message []byte) (types.PriceTick, error) {
	var raw binanceTicker
	if err := json.Unmarshal(message, &raw); err != nil {
		return types.PriceTick{}, err
	}

	tick := types.PriceTick{
		Symbol:    raw.Symbol,
		Timestamp: time.Now(),
	}

	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&tick.Price, raw.LastPrice},
		{&tick.PriceChange, raw.PriceChange},
		{&tick.PriceChangePercent, raw.PriceChangePercent},
		{&tick.High, raw.High},
		{&tick.Low, raw.Low},
		{&tick.Volume, raw.Volume},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return types.PriceTick{}, err
		}
		*f.dst = d
	}

	return tick, nil
}
