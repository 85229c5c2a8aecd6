// Package stage wires one pipeline stage: a Watermill router over the stage's
// bound queue, the stage transformation, the local event log and the derived
// publish. One Service per process.
package stage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/orderflow/internal/logging"
)

// Registration describes one handler to mount on the stage router. Exactly one
// of Handler or NoPublishHandler must be set; audit-style stages that derive
// no event use the latter.
type Registration struct {
	Name             string
	ConsumeTopic     string
	PublishTopic     string
	Handler          message.HandlerFunc
	NoPublishHandler message.NoPublishHandlerFunc
}

// ServiceConfig carries the collaborators a stage Service needs.
type ServiceConfig struct {
	Name           string
	Subscriber     message.Subscriber
	Publisher      message.Publisher
	Log            *slog.Logger
	MetricsEnabled bool
}

// Service runs a stage's consume loop until its context is cancelled.
type Service struct {
	name   string
	log    *slog.Logger
	router *message.Router
}

// NewService builds the stage router with the standard middleware chain:
// correlation IDs, optional Prometheus router metrics, and a recoverer so a
// panicking transformation rejects the message instead of killing the
// process. There is deliberately no retry middleware: a failed message is
// nacked and the broker's requeue is the redelivery mechanism.
func NewService(cfg ServiceConfig, registrations ...Registration) (*Service, error) {
	wmLogger := logging.Watermill(cfg.Log)

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("stage: create router: %w", err)
	}

	router.AddMiddleware(middleware.CorrelationID)
	if cfg.MetricsEnabled {
		metricsBuilder := metrics.NewPrometheusMetricsBuilder(prometheus.DefaultRegisterer, "orderflow", "rabbitmq")
		metricsBuilder.AddPrometheusRouterMetrics(router)
	}
	router.AddMiddleware(middleware.Recoverer)

	for _, reg := range registrations {
		switch {
		case reg.Handler != nil:
			router.AddHandler(
				reg.Name,
				reg.ConsumeTopic,
				cfg.Subscriber,
				reg.PublishTopic,
				cfg.Publisher,
				reg.Handler,
			)
		case reg.NoPublishHandler != nil:
			router.AddNoPublisherHandler(
				reg.Name,
				reg.ConsumeTopic,
				cfg.Subscriber,
				reg.NoPublishHandler,
			)
		default:
			return nil, fmt.Errorf("stage: registration %q has no handler", reg.Name)
		}
	}

	return &Service{name: cfg.Name, log: cfg.Log, router: router}, nil
}

// Run blocks consuming the stage's queue until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("stage consuming", "stage", s.name)
	return s.router.Run(ctx)
}

// Running is closed once all handlers are consuming. Tests use it to avoid
// publishing before subscriptions exist.
func (s *Service) Running() chan struct{} { return s.router.Running() }

// Close stops the router and its subscriptions.
func (s *Service) Close() error { return s.router.Close() }
