// The order service is the pipeline's intake: it validates submissions over
// HTTP and publishes order.created onto the food_events exchange.
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
)

func main() {
	cfg := config.FromEnv("order-service", "3001", "")
	log := logging.New(cfg.ServiceName)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log.Info("starting", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := bus.ConnectLoop(ctx, cfg.AMQPURL, logging.Watermill(log))
	if err != nil {
		log.Error("shutting down before broker became reachable", "error", err)
		return
	}
	defer b.Close()

	intake := &stage.Intake{Publisher: b.Publisher(), Log: log}
	api := &httpapi.API{
		Service:  cfg.ServiceName,
		Intake:   intake,
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

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("stopped")
}
