// The notification service is the fan-out/audit stage: bound to the exchange
// with the wildcard pattern, it records every event for query and audit and
// publishes nothing.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drblury/orderflow/internal/bus"
	"github.com/drblury/orderflow/internal/config"
	"github.com/drblury/orderflow/internal/httpapi"
	"github.com/drblury/orderflow/internal/logging"
	"github.com/drblury/orderflow/internal/stage"
	"github.com/drblury/orderflow/internal/store"
)

func main() {
	cfg := config.FromEnv("notification-service", "3002", "data/notifications.db")
	log := logging.New(cfg.ServiceName)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log.Info("starting", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath, false)
	if err != nil {
		log.Error("cannot open event log", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	b, err := bus.ConnectLoop(ctx, cfg.AMQPURL, logging.Watermill(log))
	if err != nil {
		log.Error("shutting down before broker became reachable", "error", err)
		return
	}
	defer b.Close()

	audit := stage.Audit{Store: st, Log: log}
	svc, err := stage.NewService(
		stage.ServiceConfig{
			Name:           cfg.ServiceName,
			Subscriber:     b.Subscriber(),
			Publisher:      b.Publisher(),
			Log:            log,
			MetricsEnabled: cfg.MetricsEnabled,
		},
		stage.Registration{
			Name:             "record-events",
			ConsumeTopic:     bus.MatchAll,
			NoPublishHandler: audit.Handler(),
		},
	)
	if err != nil {
		log.Error("cannot build stage service", "error", err)
		os.Exit(1)
	}

	api := &httpapi.API{
		Service:  cfg.ServiceName,
		Store:    st,
		BrokerUp: b.Connected,
		Log:      log,
		Metrics:  cfg.MetricsEnabled,
	}
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Router()}
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("stage stopped with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("stopped")
}
