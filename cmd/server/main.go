// Command server runs the payment queue HTTP API. With PROCESSOR_INTERVAL > 0
// it also drives the queue processor in-process; otherwise batches are
// triggered externally (POST /queue/process or the payqueue CLI).
//
// @title          Payment Queue API
// @version        1.0
// @description    Durable payment queue: enqueue Pix and card payments, process them against the gateway with retries, and query their status.
// @BasePath       /api/v1
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-payment-queue/docs"
	"github.com/tbourn/go-payment-queue/internal/app"
	"github.com/tbourn/go-payment-queue/internal/config"
	httpapi "github.com/tbourn/go-payment-queue/internal/http"
	"github.com/tbourn/go-payment-queue/internal/observability"
	"github.com/tbourn/go-payment-queue/internal/sysutil"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		sysutil.SetupLogger(os.Stderr, "info", false, "payqueue")
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	service := sysutil.FirstNonEmpty(cfg.OTEL.ServiceName, "payqueue")
	sysutil.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty, service)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.Setup(ctx, cfg.OTEL, "server", version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := app.OpenStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("database init failed")
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	proc := app.NewProcessor(db, cfg, app.NewNotifier(cfg))

	gin.SetMode(cfg.GinMode)
	docs.SwaggerInfo.BasePath = cfg.APIBasePath
	r := gin.New()
	httpapi.RegisterRoutes(r, db, proc, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	var wg sync.WaitGroup
	if cfg.Queue.ProcessorInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Dur("interval", cfg.Queue.ProcessorInterval).Msg("queue processor started")
			proc.Run(ctx, cfg.Queue.ProcessorInterval)
			log.Info().Msg("queue processor stopped")
		}()
	}

	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("version", version).
			Str("db", cfg.DB.Driver).
			Bool("swagger", cfg.SwaggerEnabled).
			Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	// the signal already cancelled in-flight gateway calls; those jobs are
	// put back to pending through a context detached from ctx
	wg.Wait()
	log.Info().Msg("shutdown complete")
}
