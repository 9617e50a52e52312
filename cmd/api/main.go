package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rtc-signaling/internal/calls"
	"rtc-signaling/internal/config"
	"rtc-signaling/internal/gateway"
	"rtc-signaling/internal/presence"
	"rtc-signaling/internal/records"
	"rtc-signaling/internal/signaling"
	"rtc-signaling/internal/store"
	"rtc-signaling/internal/transport"
	"rtc-signaling/pkg/logger"
	"rtc-signaling/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if cfg.App.ServerID == "" {
		cfg.App.ServerID = uuid.NewString()
	}

	log := logger.New(cfg.App.Env, cfg.App.ServerID)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	recordsRepo := records.NewPostgresRepo(db)
	if err := recordsRepo.Migrate(rootCtx); err != nil {
		log.Error("call_records migration failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TLS:      cfg.Redis.TLS,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	bus, err := newBus(cfg, rdb)
	if err != nil {
		log.Error("fanout bus init failed", "backend", cfg.Fanout.Backend, "err", err)
		os.Exit(1)
	}
	defer bus.Close()

	hub := transport.NewHub(cfg.App.ServerID, bus)
	go func() {
		if err := hub.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("fanout subscription failed", "err", err)
			stop()
		}
	}()

	kv := store.NewRedis(rdb)
	registry := presence.NewRegistry(kv)
	controller := calls.NewController(
		calls.NewSessionStore(kv),
		registry,
		hub,
		records.NewService(recordsRepo),
		calls.Config{RingingTTL: cfg.Calls.RingingTTL, AcceptedTTL: cfg.Calls.AcceptedTTL},
	)
	relay := signaling.NewRelay(registry, hub)
	gw := gateway.New(hub, controller, relay, registry, gateway.Options{
		Workers: int64(cfg.Calls.DispatchWorkers),
		Conn: transport.ConnConfig{
			ReadLimit:    cfg.WebSocket.ReadLimit,
			PingInterval: cfg.WebSocket.PingInterval,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
		},
	}, log)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		gateway:    gw,
		controller: controller,
		store:      kv,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		// No Read/WriteTimeout: they would cut long-lived websocket connections.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("signaling server listening", "addr", srv.Addr, "env", cfg.App.Env, "fanout", cfg.Fanout.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	// Shutdown does not track hijacked connections; close them explicitly
	// and let their reconciliation finish while Redis and Postgres are open.
	hub.CloseAll()
	if err := gw.Wait(shutdownCtx); err != nil {
		log.Error("disconnect reconciliation did not finish", "err", err)
	}
}

func newBus(cfg config.Config, rdb *redis.Client) (transport.Bus, error) {
	switch cfg.Fanout.Backend {
	case config.FanoutKafka:
		return transport.NewKafkaBus(cfg.Fanout.KafkaBrokers, cfg.Fanout.Topic, cfg.App.ServerID)
	default:
		return transport.NewRedisBus(rdb, cfg.Fanout.Topic), nil
	}
}
