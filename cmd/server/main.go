package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/op/go-logging"

	"kasirinaja/ledger/internal/config"
	"kasirinaja/ledger/internal/httpapi"
	"kasirinaja/ledger/internal/logs"
	"kasirinaja/ledger/internal/notify"
	"kasirinaja/ledger/internal/service"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/store/memory"
	pgstore "kasirinaja/ledger/internal/store/postgres"
	"kasirinaja/ledger/internal/telemetry"
)

var log = logging.MustGetLogger("server")

const version = "1.0.0"

func main() {
	cfg := config.Load()
	if err := logs.Init(cfg.LogLevel); err != nil {
		log.Warningf("unknown LOG_LEVEL %q, using INFO", cfg.LogLevel)
	}
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 4)

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("schema migration failed: %v", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info("repository: in-memory")
	}

	sinks := notify.Multi{notify.LogSink{}}
	var feed notify.Feed
	if cfg.RedisAddr != "" {
		redisSink := notify.NewRedisSink(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.NotifyListKey)
		if err := redisSink.Ping(ctx); err != nil {
			log.Warningf("redis unavailable (%v), notifications stay in the log", err)
			_ = redisSink.Close()
		} else {
			sinks = append(sinks, redisSink)
			feed = redisSink
			closers = append(closers, redisSink.Close)
			log.Info("notifications: redis")
		}
	}
	if feed == nil {
		ring := notify.NewRing(200)
		sinks = append(sinks, ring)
		feed = ring
	}
	if cfg.AMQPURL != "" {
		amqpSink, err := notify.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Warningf("amqp unavailable (%v), skipping broker notifications", err)
		} else {
			sinks = append(sinks, amqpSink)
			closers = append(closers, amqpSink.Close)
			log.Info("notifications: amqp")
		}
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, cfg.ServiceName, version)
	if err != nil {
		log.Warningf("telemetry disabled: %v", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	svc := service.New(repo, sinks, service.Options{
		Station:            cfg.StationID,
		Location:           cfg.Location(),
		TaxEnabled:         cfg.TaxEnabled,
		TaxRate:            cfg.TaxRate,
		AllowNegativeStock: cfg.AllowNegativeStock,
		RequireOpenShift:   cfg.RequireOpenShift,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, feed, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, stopReconciler := context.WithCancel(context.Background())
	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		runReconciler(runCtx, svc, cfg.ReconcileInterval)
	}()

	go func() {
		log.Infof("ledger listening on %s (station %s)", cfg.Address(), cfg.StationID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown error: %v", err)
	}
	stopReconciler()
	<-reconcilerDone

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Errorf("telemetry shutdown: %v", err)
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Errorf("close error: %v", err)
		}
	}

	log.Info("server stopped")
}

// runReconciler retries pending stock and shift adjustments until ctx ends.
func runReconciler(ctx context.Context, svc *service.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := svc.Reconcile(ctx, 0)
			if err != nil {
				log.Errorf("reconcile: %v", err)
				continue
			}
			if report.Checked > 0 {
				log.Infof("reconcile: %d checked, %d settled, %d still pending", report.Checked, report.Reconciled, len(report.Failed))
			}
		}
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AllowedOrigin == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must name a single origin")
	}
	return nil
}
