package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/drblury/orderflow/internal/event"
)

// ErrBusUnavailable is returned when an order cannot be handed to the broker.
// The order is not silently dropped; callers must retry submission.
var ErrBusUnavailable = errors.New("stage: message bus unavailable")

// Intake turns validated submissions into the pipeline's first event. It is
// the only stage with no input queue.
type Intake struct {
	Publisher message.Publisher
	Log       *slog.Logger
	Now       func() time.Time
}

// SubmitOrder validates the submission, mints the order and publishes
// order.created. Validation failures (event.ErrValidation) never reach the
// bus; publish failures surface as ErrBusUnavailable.
func (i Intake) SubmitOrder(ctx context.Context, customerName string, items []string, totalAmount float64) (event.Order, error) {
	order, err := event.NewOrder(customerName, items, totalAmount, pickNow(i.Now))
	if err != nil {
		return event.Order{}, err
	}

	msg, err := event.NewMessage(order, event.TypeOrderCreated)
	if err != nil {
		return event.Order{}, err
	}
	middleware.SetCorrelationID(watermill.NewUUID(), msg)
	msg.SetContext(ctx)

	if err := i.Publisher.Publish(event.TypeOrderCreated, msg); err != nil {
		i.Log.Error("failed to publish order", "error", err, "order_id", order.OrderID)
		return event.Order{}, fmt.Errorf("%w: %w", ErrBusUnavailable, err)
	}

	i.Log.Info("order published", "order_id", order.OrderID, "customer", order.CustomerName)
	return order, nil
}
