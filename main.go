package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"coachchat/internal/api"
	"coachchat/internal/auth"
	"coachchat/internal/completion"
	"coachchat/internal/config"
	"coachchat/internal/redis"
	"coachchat/internal/service/account"
	"coachchat/internal/service/transcript"
	"coachchat/internal/storage"
	"coachchat/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("COACHCHAT_CONFIG"))
	if err != nil {
		log.Fatal("load config", "err", err)
	}

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetDefault(log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           level,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal("open store", "driver", cfg.Database.Driver, "err", err)
	}
	defer store.Close(context.Background())
	log.Info("store ready", "driver", cfg.Database.Driver)

	rdb, err := redis.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("create redis client", "err", err)
	}
	defer rdb.Close()
	if rdb == nil {
		log.Warn("redis not configured, signed-out sessions stay valid until expiry")
	}

	client, err := completion.New(ctx, cfg.Completion)
	if err != nil {
		log.Fatal("create completion client", "provider", cfg.Completion.Provider, "err", err)
	}
	dispatcher := worker.NewDispatcher(client, cfg.Worker.Workers, cfg.Worker.QueueSize)
	defer dispatcher.Stop()

	accounts := account.NewService(store)
	transcripts := transcript.NewService(store, store, dispatcher, cfg.Completion.SystemPrompt)
	staleAfter := cfg.Transcripts.StaleAfter.Duration()
	transcripts.SetExchangeTimeout(staleAfter / 2)
	transcripts.StartSweeper(ctx, cfg.Transcripts.SweepInterval.Duration(), staleAfter)
	authService := auth.NewService(cfg.Session, rdb)

	router := gin.New()
	router.Use(api.RequestLogger(), gin.Recovery())
	api.NewHandler(accounts, transcripts, authService).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "err", err)
	}
}
