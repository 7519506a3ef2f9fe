package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mattdavey/papertrade/internal/auth"
	"github.com/mattdavey/papertrade/internal/database"
	"github.com/mattdavey/papertrade/internal/feed"
	"github.com/mattdavey/papertrade/internal/notify"
	"github.com/mattdavey/papertrade/internal/sessions"
	"github.com/mattdavey/papertrade/internal/settlement"
	"github.com/mattdavey/papertrade/internal/stream"
	"github.com/mattdavey/papertrade/internal/trading"
	"github.com/mattdavey/papertrade/pkg/middleware"
)

const (
	numTraders      = 5
	ordersPerTrader = 20
	apiPort         = 8081
	upstreamPort    = 8090
	tickInterval    = 100 * time.Millisecond
	runDuration     = 20 * time.Second
	jwtSecret       = "simulation-secret"
	traderPassword  = "trader-password"
)

// init configures the logger for the simulation with pretty printing and timestamps.
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	gin.SetMode(gin.ReleaseMode)
}

// routeStats tracks performance statistics for an API endpoint.
type routeStats struct {
	name       string
	mu         sync.Mutex
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, ok bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if !ok {
		rs.failures++
	}
}

// calculate computes min, max, mean, median, and 95th percentile durations.
func (rs *routeStats) calculate() (min, max, mean, median, p95 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p95 = rs.durations[p95idx]
	return
}

// mockUpstream serves a Binance-style @ticker stream with a random-walk
// price, standing in for the real feed.
func mockUpstream(ctx context.Context) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	http.HandleFunc("/ws/btcusdt@ticker", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		price := 50000.0
		high, low := price, price
		open := price

		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// Random walk with occasional larger jumps so limit
				// orders on both sides eventually trigger.
				price += price * (rand.Float64()*0.004 - 0.002)
				if rand.Float64() < 0.05 {
					price += price * (rand.Float64()*0.04 - 0.02)
				}
				high = math.Max(high, price)
				low = math.Min(low, price)

				msg := map[string]string{
					"s": "BTCUSDT",
					"c": fmt.Sprintf("%.2f", price),
					"p": fmt.Sprintf("%.2f", price-open),
					"P": fmt.Sprintf("%.2f", (price-open)/open*100),
					"h": fmt.Sprintf("%.2f", high),
					"l": fmt.Sprintf("%.2f", low),
					"v": fmt.Sprintf("%.4f", rand.Float64()*1000),
				}
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			}
		}
	})

	addr := fmt.Sprintf(":%d", upstreamPort)
	log.Info().Str("addr", addr).Msg("mock upstream feed listening")
	srv := &http.Server{Addr: addr}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("mock upstream stopped")
	}
}

// startStack wires and runs a full service instance pointed at the mock
// upstream, mirroring cmd/server.
func startStack(ctx context.Context) error {
	dbPath := fmt.Sprintf("%s/papertrade-sim-%d.db", os.TempDir(), time.Now().UnixNano())
	db, err := database.NewDatabase(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	authService := auth.NewService(jwtSecret)
	for i := 0; i < numTraders; i++ {
		authService.RegisterUser(fmt.Sprintf("trader-%d", i), traderPassword)
	}
	authHandlers := auth.NewGinHandlers(authService)

	registry := sessions.NewRegistry()
	feedURL := fmt.Sprintf("ws://localhost:%d/ws/btcusdt@ticker", upstreamPort)
	ingestor := feed.NewIngestor(feedURL, time.Second)
	gateway := stream.NewGateway(authService, registry, ingestor)
	dispatcher := notify.NewDispatcher(registry, gateway)
	engine := settlement.NewEngine(db, dispatcher)
	ingestor.OnTick(engine.HandleTick)

	tradingService := trading.NewService(db, ingestor)
	tradingHandlers := trading.NewGinHandlers(tradingService)

	go ingestor.Start(ctx)
	go gateway.Run(ctx)

	router := gin.New()
	v1 := router.Group("/api/v1")
	v1.POST("/auth/token", authHandlers.GenerateTokenHandler())
	orders := v1.Group("/orders")
	orders.Use(middleware.JWTAuth(authService))
	orders.POST("", tradingHandlers.CreateOrderHandler())
	orders.GET("", tradingHandlers.GetOrdersHandler())
	balance := v1.Group("/balance")
	balance.Use(middleware.JWTAuth(authService))
	balance.GET("", tradingHandlers.GetBalanceHandler())
	router.GET("/ws", gateway.HandleWebSocket())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", apiPort), Handler: router}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("api server stopped")
		}
	}()
	return nil
}

// trader drives one simulated user over the real HTTP and websocket surface.
type trader struct {
	username string
	token    string
	client   *http.Client
	baseURL  string

	settledMu sync.Mutex
	settled   int
	cancelled int
}

func newTrader(username string, authStats *routeStats) (*trader, error) {
	t := &trader{
		username: username,
		client:   &http.Client{Timeout: 10 * time.Second},
		baseURL:  fmt.Sprintf("http://localhost:%d", apiPort),
	}

	body, _ := json.Marshal(auth.Credentials{Username: username, Password: traderPassword})
	start := time.Now()
	resp, err := t.client.Post(t.baseURL+"/api/v1/auth/token", "application/json", bytes.NewReader(body))
	authStats.record(time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool               `json:"success"`
		Data    auth.TokenResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, err
	}
	if !envelope.Success {
		return nil, fmt.Errorf("authentication failed for %s", username)
	}
	t.token = envelope.Data.Token
	return t, nil
}

// listen opens the websocket, completes the auth handshake, and counts
// settlement notifications until the context ends.
func (t *trader) listen(ctx context.Context, wg *sync.WaitGroup) error {
	url := fmt.Sprintf("ws://localhost:%d/ws", apiPort)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}

	if err := conn.WriteJSON(map[string]string{"op": "auth", "token": t.token}); err != nil {
		conn.Close()
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		go func() {
			<-ctx.Done()
			conn.Close()
		}()
		for {
			var msg struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Event != stream.EventOrderSettled {
				continue
			}
			var payload struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				continue
			}
			t.settledMu.Lock()
			if payload.Status == "COMPLETED" {
				t.settled++
			} else {
				t.cancelled++
			}
			t.settledMu.Unlock()
		}
	}()
	return nil
}

// submitOrders fires a mix of market and limit orders around the current
// reference price.
func (t *trader) submitOrders(createStats *routeStats) {
	sides := []string{"BUY", "SELL"}

	for i := 0; i < ordersPerTrader; i++ {
		order := map[string]interface{}{
			"side":     sides[rand.Intn(len(sides))],
			"quantity": decimal.NewFromFloat(0.001 + rand.Float64()*0.01).Round(8),
		}
		if rand.Float64() < 0.5 {
			order["order_type"] = "MARKET"
		} else {
			order["order_type"] = "LIMIT"
			// Limits near spot so the random walk crosses many of them.
			limit := 50000 * (1 + (rand.Float64()*0.02 - 0.01))
			order["price"] = decimal.NewFromFloat(limit).Round(2)
		}

		body, _ := json.Marshal(order)
		req, _ := http.NewRequest(http.MethodPost, t.baseURL+"/api/v1/orders", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+t.token)

		start := time.Now()
		resp, err := t.client.Do(req)
		ok := err == nil && resp.StatusCode < 300
		createStats.record(time.Since(start), ok)
		if err == nil {
			resp.Body.Close()
		}

		time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
	}
}

func printStats(stats ...*routeStats) {
	for _, rs := range stats {
		min, max, mean, median, p95 := rs.calculate()
		log.Info().
			Str("route", rs.name).
			Int("calls", rs.totalCalls).
			Int("failures", rs.failures).
			Dur("min", min).
			Dur("max", max).
			Dur("mean", mean).
			Dur("median", median).
			Dur("p95", p95).
			Msg("route statistics")
	}
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), runDuration)
	defer cancel()

	go mockUpstream(ctx)
	if err := startStack(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start simulation stack")
	}

	// Let the stack connect to the upstream and buffer a few ticks.
	time.Sleep(2 * time.Second)

	authStats := &routeStats{name: "Authentication"}
	createStats := &routeStats{name: "Create Order"}

	var listenWG sync.WaitGroup
	traders := make([]*trader, 0, numTraders)
	for i := 0; i < numTraders; i++ {
		t, err := newTrader(fmt.Sprintf("trader-%d", i), authStats)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to authenticate trader")
		}
		if err := t.listen(ctx, &listenWG); err != nil {
			log.Fatal().Err(err).Msg("failed to open trader stream")
		}
		traders = append(traders, t)
	}

	var submitWG sync.WaitGroup
	for _, t := range traders {
		submitWG.Add(1)
		go func(t *trader) {
			defer submitWG.Done()
			t.submitOrders(createStats)
		}(t)
	}
	submitWG.Wait()

	log.Info().Msg("all orders submitted, waiting for settlement notifications")
	<-ctx.Done()
	listenWG.Wait()

	totalSettled, totalCancelled := 0, 0
	for _, t := range traders {
		t.settledMu.Lock()
		totalSettled += t.settled
		totalCancelled += t.cancelled
		t.settledMu.Unlock()
	}

	log.Info().
		Int("traders", numTraders).
		Int("orders_submitted", numTraders*ordersPerTrader).
		Int("notified_completed", totalSettled).
		Int("notified_cancelled", totalCancelled).
		Msg("simulation complete")

	printStats(authStats, createStats)
}
