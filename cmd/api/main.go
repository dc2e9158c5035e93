package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"liveroom/api/internal/app"
	"liveroom/api/internal/auth"
	"liveroom/api/internal/config"
	"liveroom/api/internal/logging"
	"liveroom/api/internal/realtime"
	"liveroom/api/internal/search"
	"liveroom/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, logger.Named("store"))
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir), logger.Named("migrate"))
	if err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}

	dataStore := store.NewPostgresStore(db)
	fallback := search.NewPostgres(dataStore)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, fallback, logger)
	defer searchService.Close()
	if meiliClient != nil {
		meiliClient.OnRecover(func() { searchService.ReindexAll(context.Background()) })
		go searchService.ReindexAll(ctx)
	}

	opts := app.Options{
		Search:   searchService,
		Verifier: auth.NewVerifier(cfg.IdPSecret, cfg.IdPIssuer),
		Logger:   logger,
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		bus, err := realtime.NewBus(ctx, cfg.RedisURL, logger)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer bus.Close()
		opts.Engine = bus
		logger.Info("realtime engine bus connected")
	} else {
		logger.Warn("REDIS_URL not set, live sessions disabled")
	}

	service := app.New(dataStore, opts)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.PingInterval, logger)
	// No read or write timeout: live sockets outlive any single request.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info("liveroom api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}
