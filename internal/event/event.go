// Package event defines the order model and the envelopes moved over the bus.
//
// An envelope is a Watermill message whose payload is the JSON order snapshot
// at time of publish and whose topic doubles as the AMQP routing key.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Routing keys published on the food_events exchange. The key identifies the
// event kind; queue bindings in the bus package route on them.
const (
	TypeOrderCreated       = "order.created"
	TypeRestaurantAccepted = "restaurant.accepted"
	TypeDeliveryAssigned   = "delivery.assigned"
)

// Order lifecycle statuses. Strictly linear: no skips, no rollback.
const (
	StatusReceived       = "received"
	StatusAccepted       = "accepted"
	StatusDriverAssigned = "driver_assigned"
)

// MetadataEventType carries the routing key inside message metadata so
// wildcard consumers can tell event kinds apart without reparsing.
const MetadataEventType = "event_type"

// ErrValidation marks intake errors that must be rejected to the caller
// before anything is produced onto the bus.
var ErrValidation = errors.New("event: invalid order")

var (
	ErrCustomerNameRequired = fmt.Errorf("%w: customerName is required", ErrValidation)
	ErrItemsRequired        = fmt.Errorf("%w: at least one item is required", ErrValidation)
	ErrNegativeAmount       = fmt.Errorf("%w: totalAmount cannot be negative", ErrValidation)
)

// Order is the unit of work flowing through the pipeline. Identity is
// immutable after intake; stages only add enrichment fields, never mutate
// what an upstream stage wrote.
type Order struct {
	OrderID      string   `json:"orderId"`
	CustomerName string   `json:"customerName"`
	Items        []string `json:"items"`
	TotalAmount  float64  `json:"totalAmount"`
	Status       string   `json:"status"`
	Timestamp    string   `json:"timestamp,omitempty"`

	// Acceptance-stage enrichment.
	Restaurant string `json:"restaurant,omitempty"`
	ETAMinutes int    `json:"etaMinutes,omitempty"`
	AcceptedAt string `json:"acceptedAt,omitempty"`

	// Assignment-stage enrichment.
	DriverName string `json:"driverName,omitempty"`
	AssignedAt string `json:"assignedAt,omitempty"`
}

// NewOrder validates the intake fields and mints a fresh order in the
// received state. Validation failures never reach the bus.
func NewOrder(customerName string, items []string, totalAmount float64, now time.Time) (Order, error) {
	if customerName == "" {
		return Order{}, ErrCustomerNameRequired
	}
	if len(items) == 0 {
		return Order{}, ErrItemsRequired
	}
	if totalAmount < 0 {
		return Order{}, ErrNegativeAmount
	}
	return Order{
		OrderID:      uuid.NewString(),
		CustomerName: customerName,
		Items:        items,
		TotalAmount:  totalAmount,
		Status:       StatusReceived,
		Timestamp:    now.UTC().Format(time.RFC3339),
	}, nil
}

// NewMessage wraps an order snapshot in a Watermill message carrying the
// event type in its metadata. The message UUID is a ULID so broker-side
// ordering of IDs roughly follows publish time.
func NewMessage(order Order, eventType string) (*message.Message, error) {
	payload, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("event: marshal order payload: %w", err)
	}
	return NewRawMessage(payload, eventType), nil
}

// NewRawMessage builds an envelope around an already-marshalled payload.
// Stages use it to republish a stored canonical snapshot verbatim.
func NewRawMessage(payload []byte, eventType string) *message.Message {
	msg := message.NewMessage(ulid.Make().String(), payload)
	msg.Metadata.Set(MetadataEventType, eventType)
	return msg
}

// ParseOrder decodes an inbound payload. A failure here means the message is
// unprocessable and must be rejected back to the queue, not dropped.
func ParseOrder(payload []byte) (Order, error) {
	var order Order
	if err := json.Unmarshal(payload, &order); err != nil {
		return Order{}, fmt.Errorf("event: unmarshal order payload: %w", err)
	}
	return order, nil
}
