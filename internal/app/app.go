package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"zulip-gotify-relay-go/internal/cache"
	"zulip-gotify-relay-go/internal/config"
	"zulip-gotify-relay-go/internal/handlers"
	"zulip-gotify-relay-go/internal/metrics"
	"zulip-gotify-relay-go/internal/model"
	"zulip-gotify-relay-go/internal/relay"
	"zulip-gotify-relay-go/internal/scheduler"
	"zulip-gotify-relay-go/internal/server"
	"zulip-gotify-relay-go/internal/sink"
	"zulip-gotify-relay-go/internal/source"
)

// Run initializes and starts the application. It returns when a termination
// signal arrives or the event source fails for good.
func Run(o config.Overrides) error {
	cfg, err := config.LoadConfig(o)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := setupLogging(&cfg.Log); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logrus.Info("Starting Zulip to Gotify relay")

	src, err := source.NewZulipSource(&cfg.Zulip)
	if err != nil {
		return fmt.Errorf("failed to create Zulip source: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			logrus.Errorf("Failed to close Zulip event queue: %v", err)
		}
	}()

	snk, err := sink.NewGotifySink(&cfg.Gotify)
	if err != nil {
		return fmt.Errorf("failed to create Gotify sink: %w", err)
	}
	defer func() {
		if err := snk.Close(); err != nil {
			logrus.Errorf("Failed to close Gotify sink: %v", err)
		}
	}()

	memo, err := cache.New[model.Key, model.Delivery](cache.Options{MaxEntries: cfg.Relay.DedupMaxEntries})
	if err != nil {
		return fmt.Errorf("failed to create dedup cache: %w", err)
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	identity := cfg.Relay.SuppressionIdentity(src.Email())
	logrus.WithField("identity", identity).Info("Events from this sender are never forwarded")

	d := relay.NewDispatcher(snk, memo, m, relay.Options{
		Identity:  identity,
		TTL:       cfg.Relay.DedupTTL,
		LogEvents: cfg.Log.Events,
	})

	sched := scheduler.New(&cfg.Relay, src, d)

	var srv *http.Server
	if cfg.Server.Enabled {
		router := server.SetupRouter(handlers.NewHandlers(d, sched, snk))
		srv = &http.Server{
			Addr:         ":" + cfg.Server.Port,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if srv != nil {
		go func() {
			logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.Fatalf("HTTP server error: %v", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case sig := <-quit:
		logrus.Infof("Received %s, shutting down...", sig)
	case err := <-sched.Fatal():
		runErr = fmt.Errorf("event source failed: %w", err)
	}

	if err := sched.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	sched.Wait()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logrus.Errorf("HTTP server shutdown error: %v", err)
		}
	}

	stats := d.Stats()
	logrus.WithFields(logrus.Fields{
		"handled":    stats.Handled,
		"delivered":  stats.Delivered,
		"duplicates": stats.Duplicates,
		"failed":     stats.Failed,
	}).Info("Relay stopped")
	return runErr
}

func setupLogging(cfg *config.LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logrus.SetLevel(level)

	switch cfg.Format {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}
