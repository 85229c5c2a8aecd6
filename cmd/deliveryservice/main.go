// The delivery service is the assignment stage: it consumes
// restaurant.accepted, picks a driver, records the assignment and publishes
// delivery.assigned.
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
	"github.com/drblury/orderflow/internal/event"
	"github.com/drblury/orderflow/internal/httpapi"
	"github.com/drblury/orderflow/internal/logging"
	"github.com/drblury/orderflow/internal/stage"
	"github.com/drblury/orderflow/internal/store"
)

func main() {
	cfg := config.FromEnv("delivery-service", "3004", "data/delivery.db")
	log := logging.New(cfg.ServiceName)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log.Info("starting", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath, true)
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

	assignment := stage.Assignment{Store: st, Log: log}
	svc, err := stage.NewService(
		stage.ServiceConfig{
			Name:           cfg.ServiceName,
			Subscriber:     b.Subscriber(),
			Publisher:      b.Publisher(),
			Log:            log,
			MetricsEnabled: cfg.MetricsEnabled,
		},
		stage.Registration{
			Name:         "assign-drivers",
			ConsumeTopic: event.TypeRestaurantAccepted,
			PublishTopic: event.TypeDeliveryAssigned,
			Handler:      assignment.Handler(),
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
