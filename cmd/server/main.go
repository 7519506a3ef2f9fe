package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/mattdavey/papertrade/internal/auth"
	"github.com/mattdavey/papertrade/internal/config"
	"github.com/mattdavey/papertrade/internal/database"
	"github.com/mattdavey/papertrade/internal/feed"
	"github.com/mattdavey/papertrade/internal/notify"
	"github.com/mattdavey/papertrade/internal/sessions"
	"github.com/mattdavey/papertrade/internal/settlement"
	"github.com/mattdavey/papertrade/internal/stream"
	"github.com/mattdavey/papertrade/internal/trading"
	"github.com/mattdavey/papertrade/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings.
// In development mode, it enables pretty printing with timestamps.
// Debug logging can be enabled via DEBUG environment variable.
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the price feed, settlement engine, and API together and runs
// them until interrupted.
func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize services
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	authService.RegisterUser(auth.DemoUsername, auth.DemoPassword)

	registry := sessions.NewRegistry()
	ingestor := feed.NewIngestor(cfg.FeedURL, cfg.FeedReconnectDelay)
	gateway := stream.NewGateway(authService, registry, ingestor)
	dispatcher := notify.NewDispatcher(registry, gateway)
	engine := settlement.NewEngine(db, dispatcher)

	// Settlement runs synchronously inside the tick path, before the tick
	// reaches any subscriber.
	ingestor.OnTick(engine.HandleTick)

	tradingService := trading.NewService(db, ingestor)
	tradingHandlers := trading.NewGinHandlers(tradingService)

	feedCtx, feedCancel := context.WithCancel(context.Background())
	defer feedCancel()

	go ingestor.Start(feedCtx)
	go gateway.Run(feedCtx)

	// Initialize router
	router := gin.Default()
	setupRoutes(router, authService, authHandlers, tradingHandlers, gateway)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	feedCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints:
// - Auth routes: public token exchange
// - Order and balance routes: protected by JWT authentication
// - /ws: websocket endpoint; identity arrives through the in-band handshake
func setupRoutes(
	router *gin.Engine,
	authService *auth.Service,
	authHandlers *auth.GinHandlers,
	tradingHandlers *trading.GinHandlers,
	gateway *stream.Gateway,
) {
	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		authRoutes.Use(middleware.RateLimit())
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// The limiter runs after JWT validation so protected routes are
		// throttled per user rather than per source address.
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(authService), middleware.RateLimit())
		{
			orders.POST("", tradingHandlers.CreateOrderHandler())
			orders.GET("", tradingHandlers.GetOrdersHandler())
			orders.GET("/:order_id", tradingHandlers.GetOrderStatusHandler())
		}

		balance := v1.Group("/balance")
		balance.Use(middleware.JWTAuth(authService), middleware.RateLimit())
		{
			balance.GET("", tradingHandlers.GetBalanceHandler())
		}
	}

	router.GET("/ws", gateway.HandleWebSocket())
}
