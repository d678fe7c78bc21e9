package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"
	"github.com/ovhl/bidding-server/configs"
	"github.com/ovhl/bidding-server/internal/auction"
	"github.com/ovhl/bidding-server/internal/auth"
	"github.com/ovhl/bidding-server/internal/database"
	"github.com/ovhl/bidding-server/internal/handlers/api"
	"github.com/ovhl/bidding-server/internal/handlers/websocket"
	"github.com/redis/go-redis/v9"
)

// lateBidder lets the websocket hub be built before the engine that
// notifies through it.
type lateBidder struct {
	engine *auction.Engine
}

func (b *lateBidder) PlaceBid(ctx context.Context, req auction.BidRequest) (auction.BidResult, error) {
	return b.engine.PlaceBid(ctx, req)
}

func openStore(cfg *configs.Config) (auction.Store, func(), error) {
	if cfg.Auction.Store == "memory" {
		log.Warn("Using in-memory auction store, bids will not survive a restart")
		return auction.NewMemoryStore(), func() {}, nil
	}

	store := auction.NewRedisStore(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Redis.KeyPrefix)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	log.Info("Connected to redis", "addr", cfg.Redis.Addr)
	return store, func() { store.Close() }, nil
}

func main() {
	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "configs"
	}
	cfg, err := configs.LoadConfig(configDir)
	if err != nil {
		log.Fatal("Error loading config", "error", err)
	}

	logLevel, err := log.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		log.Error("Invalid log level", "level", cfg.Server.LogLevel, "error", err)
		logLevel = log.InfoLevel
	}
	log.SetLevel(logLevel)

	// Logs go to the dashboard's log tab when it is enabled
	logs := &logBuffer{}
	if cfg.Server.Dashboard {
		log.SetOutput(logs)
	}

	pingInterval, err := time.ParseDuration(cfg.WebSocket.PingInterval)
	if err != nil {
		log.Fatal("Invalid websocket ping interval", "value", cfg.WebSocket.PingInterval, "error", err)
	}

	db, err := database.New(cfg)
	if err != nil {
		log.Fatal("Error connecting to database", "error", err)
	}
	defer db.Close()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatal("Error connecting to auction store", "error", err)
	}
	defer closeStore()

	clock := clockwork.NewRealClock()
	authenticator := auth.New(cfg.Auth.SecretKey, db)

	bidder := &lateBidder{}
	hub := websocket.NewAuctionWebSocketHandler(authenticator, bidder, websocket.Options{
		PingInterval:   pingInterval,
		MaxMessageSize: int64(cfg.WebSocket.MaxMessageSize),
		AllowedOrigins: cfg.Features.AllowedOrigins,
	})

	dispatcher := auction.NewDispatcher(db, auction.MultiTransport{db, hub}, clock, cfg.Notify.QueueSize, cfg.Notify.Workers)
	defer dispatcher.Close()

	engine := auction.NewEngine(store, db, db, dispatcher, clock, auction.Settings{
		BidIncrement:   cfg.Auction.BidIncrement,
		InitialWindow:  cfg.Auction.InitialWindow,
		AntiSnipeFloor: cfg.Auction.AntiSnipeFloor,
		MaxCASRetries:  cfg.Auction.MaxCASRetries,
		Rules:          cfg.Roster.Rules(),
	})
	bidder.engine = engine

	finalizer := auction.NewFinalizer(store, db, clock, cfg.Auction.MaxCASRetries)
	scheduler := auction.NewScheduler(store, db, db, finalizer, clock, auction.SchedulerSettings{
		LeagueOrder:          cfg.Auction.LeagueOrder,
		LeagueWindow:         cfg.Auction.LeagueWindow,
		LeagueCooldown:       cfg.Auction.LeagueCooldown,
		DefaultContractFloor: cfg.Auction.DefaultContractFloor,
	})

	sweeper, err := auction.NewSweeper(scheduler, finalizer, db, clock, cfg.Auction.SweepInterval)
	if err != nil {
		log.Fatal("Error creating sweeper", "error", err)
	}
	if err := sweeper.Start(); err != nil {
		log.Fatal("Error starting sweeper", "error", err)
	}

	router := api.NewRouter(api.Deps{
		Engine:    engine,
		Leagues:   scheduler,
		Auth:      authenticator,
		Managers:  db,
		Publisher: hub,
		Health: map[string]api.HealthCheck{
			"store": store.Ping,
			"database": func(context.Context) error {
				if h := db.Health(); h["status"] != "up" {
					return errors.New(h["error"])
				}
				return nil
			},
		},
		WebSocket:      http.HandlerFunc(hub.HandleAuctionWebSocket),
		EnableLogging:  cfg.Features.EnableLogging,
		AllowedOrigins: cfg.Features.AllowedOrigins,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Server started", "port", cfg.Server.Port, "env", cfg.Server.Env, "store", cfg.Auction.Store)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Server.Dashboard {
		p := tea.NewProgram(newDashboard(scheduler, hub, clock, logs), tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			log.Error("Error running dashboard", "error", err)
		}
		log.SetOutput(os.Stderr)
	} else {
		<-ctx.Done()
	}

	log.Info("Shutting down")
	if err := sweeper.Stop(); err != nil {
		log.Error("Error stopping sweeper", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down server", "error", err)
	}
}
