package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"microlab/internal/analyzer"
	"microlab/internal/app"
	"microlab/internal/config"
	"microlab/internal/server"
	"microlab/internal/storage"
	"microlab/internal/util"
	"microlab/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseDuration(cfg.SessionTTL, 8*time.Hour)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	analyzerTimeout, err := config.ParseDuration(cfg.AnalyzerTimeout, 20*time.Second)
	if err != nil {
		log.Fatalf("failed to parse analyzer timeout: %v", err)
	}
	jwtLeeway, err := config.ParseDuration(cfg.JWTLeeway, 0)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}

	logger, err := util.InitLogger(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init database: %v", err)
	}
	sessions, err := store.NewJWTSessionStore(cfg.JWTSecret, cfg.RedisAddr, cfg.RedisPassword, sessionTTL, store.JWTOptions{
		Issuer: cfg.JWTIssuer,
		Leeway: jwtLeeway,
	})
	if err != nil {
		log.Fatalf("failed to init session store: %v", err)
	}
	files, err := storage.NewFileStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("failed to init file storage: %v", err)
	}
	gateway, err := analyzer.New(analyzer.Config{
		WorkDir:    cfg.AnalyzerWorkDir,
		LogDir:     cfg.LogDir,
		Timeout:    analyzerTimeout,
		Candidates: cfg.InterpreterCandidates,
	})
	if err != nil {
		log.Fatalf("failed to init analyzer gateway: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:             db,
		Sessions:          sessions,
		Files:             files,
		Analyzer:          gateway,
		AnalyzerScript:    cfg.AnalyzerScript,
		MicroscopeScript:  cfg.MicroscopeScript,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		AllowedExtensions: cfg.AllowedExtensions,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                        appCore,
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		RegisterRateLimitPerMinute: cfg.RegisterRateLimitPerMinute,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		TrustedProxies:             trustedProxies,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      util.WithRequestLog("microlab", httpServer.Router()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}
