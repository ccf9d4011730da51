package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"ooo-mirror/activity"
	"ooo-mirror/app"
	"ooo-mirror/config"
	"ooo-mirror/pipeline"
)

type HealthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
	Service string `json:"service"`
	Redis   string `json:"redis,omitempty"`
}

const (
	VERSION     = "0.1.0"
	serviceName = "ooo-mirror"

	shutdownTimeout = 30 * time.Second
)

type pinger interface {
	Ping(ctx context.Context) error
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func main() {
	bootLogger := app.NewLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	logger.Info().Str("version", VERSION).Msg("starting ooo-mirror")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	svc, err := app.Build(ctx, cfg, logger, app.Overrides{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire services")
	}
	defer svc.Close()

	dispatcher := pipeline.NewDispatcher(svc.Orchestrator, logger)

	scheduler, err := NewRenewalScheduler(svc.Subscriptions, cfg.RenewSchedule, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.RenewSchedule).Msg("invalid RENEW_SCHEDULE")
	}
	if scheduler == nil {
		logger.Info().Msg("in-process renewal disabled; relying on /calendar/webhook/renew")
	}
	scheduler.Start(ctx)

	calendars := app.CalendarIDs(cfg)
	// Catch up on changes made while no process was listening.
	for _, cal := range calendars {
		dispatcher.Trigger(cal)
	}

	webhooks := NewCalendarWebhookHandler(CalendarWebhookOptions{
		Resolver:   svc.Resolver,
		Trigger:    dispatcher,
		Renewer:    svc.Subscriptions,
		Health:     svc.Store,
		Calendars:  calendars,
		RenewToken: cfg.RenewAuthToken,
		Logger:     logger,
	})
	redisPing := pingFunc(func(ctx context.Context) error { return svc.Redis.Ping(ctx).Err() })
	r := newRouter(webhooks, svc.Feed, redisPing, logger)

	// No WriteTimeout: activity streams stay open.
	srv := &http.Server{
		Handler:     r,
		Addr:        "0.0.0.0:" + cfg.Port,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server forced to shutdown")
	}
	scheduler.Stop(shutdownCtx)
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("sync passes cancelled at shutdown")
	}
	stop()

	logger.Info().Msg("server exited")
}

func newRouter(webhooks *CalendarWebhookHandler, feed *activity.Feed, redis pinger, logger zerolog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthHandler(redis)).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")

	webhooks.RegisterRoutes(r)
	registerActivityRoutes(r, feed, logger)
	return r
}

func healthHandler(redis pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := HealthResponse{
			OK:      true,
			Version: VERSION,
			Service: serviceName,
			Redis:   "ok",
		}
		status := http.StatusOK
		if redis != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := redis.Ping(ctx); err != nil {
				response.OK = false
				response.Redis = err.Error()
				status = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(response)
	}
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := map[string]string{
		"message": "OOO calendar mirror",
		"version": VERSION,
		"status":  "/calendar/webhook/status",
	}

	json.NewEncoder(w).Encode(response)
}
