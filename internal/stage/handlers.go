package stage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/orderflow/internal/event"
	"github.com/drblury/orderflow/internal/store"
)

// Stage kinds stored on records.
const (
	KindAcceptance = "restaurant"
	KindAssignment = "delivery"
)

// UnknownOrderID is stored by the audit stage when a payload carries no order
// id; malformed events are kept, not rejected.
const UnknownOrderID = "unknown"

// DriverPool is the fixed set of drivers the assignment stage picks from.
var DriverPool = []string{"Alex", "Jamie", "Taylor", "Sam", "Jordan", "Lee", "Morgan"}

const (
	etaMinMinutes = 10
	etaMaxMinutes = 25
	// etaFloorMinutes is the lowest ETA the assignment stage will promise.
	etaFloorMinutes = 5
	// etaFallbackMinutes substitutes a missing upstream ETA.
	etaFallbackMinutes = 15
)

func pickRand(r *rand.Rand, n int) int {
	if r != nil {
		return r.Intn(n)
	}
	return rand.Intn(n)
}

func pickNow(now func() time.Time) time.Time {
	if now != nil {
		return now()
	}
	return time.Now()
}

// Acceptance is the restaurant stage: it consumes order.created, assigns an
// ETA, stamps the restaurant identity and emits restaurant.accepted.
//
// Rand and Now are optional; leave nil outside tests.
type Acceptance struct {
	Store      *store.Store
	Restaurant string
	Log        *slog.Logger
	Rand       *rand.Rand
	Now        func() time.Time
}

// Transform applies the acceptance enrichment to an inbound order snapshot.
func (a Acceptance) Transform(order event.Order) event.Order {
	order.Status = event.StatusAccepted
	order.Restaurant = a.Restaurant
	order.ETAMinutes = etaMinMinutes + pickRand(a.Rand, etaMaxMinutes-etaMinMinutes+1)
	order.AcceptedAt = pickNow(a.Now).UTC().Format(time.RFC3339)
	return order
}

// Handler returns the consume/transform/persist/publish cycle for the router.
// The record is persisted before the derived message is handed back; the
// router publishes it and only then acks the input.
func (a Acceptance) Handler() message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		order, err := event.ParseOrder(msg.Payload)
		if err != nil {
			a.Log.Error("rejecting unparseable order", "error", err, "message_uuid", msg.UUID)
			return nil, err
		}

		accepted := a.Transform(order)
		stored, err := appendOrderRecord(msg, a.Store, KindAcceptance, a.Restaurant, accepted, a.Now)
		if err != nil {
			a.Log.Error("rejecting order after persistence failure", "error", err, "order_id", order.OrderID)
			return nil, err
		}

		a.Log.Info("order accepted by restaurant",
			"order_id", stored.OrderID, "eta_minutes", stored.ETAMinutes)
		return []*message.Message{event.NewRawMessage(stored.Payload, event.TypeRestaurantAccepted)}, nil
	}
}

// Assignment is the delivery stage: it consumes restaurant.accepted, picks a
// driver and emits delivery.assigned with the handoff-adjusted ETA.
type Assignment struct {
	Store *store.Store
	Log   *slog.Logger
	Rand  *rand.Rand
	Now   func() time.Time
}

// Transform applies the assignment enrichment to an accepted order snapshot.
func (d Assignment) Transform(order event.Order) event.Order {
	upstream := order.ETAMinutes
	if upstream == 0 {
		upstream = etaFallbackMinutes
	}
	order.Status = event.StatusDriverAssigned
	order.DriverName = DriverPool[pickRand(d.Rand, len(DriverPool))]
	order.ETAMinutes = max(etaFloorMinutes, upstream-5)
	order.AssignedAt = pickNow(d.Now).UTC().Format(time.RFC3339)
	return order
}

// Handler returns the delivery stage's processing cycle.
func (d Assignment) Handler() message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		order, err := event.ParseOrder(msg.Payload)
		if err != nil {
			d.Log.Error("rejecting unparseable acceptance", "error", err, "message_uuid", msg.UUID)
			return nil, err
		}

		assigned := d.Transform(order)
		stored, err := appendOrderRecord(msg, d.Store, KindAssignment, assigned.DriverName, assigned, d.Now)
		if err != nil {
			d.Log.Error("rejecting acceptance after persistence failure", "error", err, "order_id", order.OrderID)
			return nil, err
		}

		d.Log.Info("driver assigned",
			"order_id", stored.OrderID, "driver", stored.Actor, "eta_minutes", stored.ETAMinutes)
		return []*message.Message{event.NewRawMessage(stored.Payload, event.TypeDeliveryAssigned)}, nil
	}
}

// appendOrderRecord persists the enriched snapshot keyed by (order_id, stage).
// The returned record is canonical: on a redelivered message the store keeps
// the first write, so the caller republishes the original enrichment instead
// of a re-rolled one.
func appendOrderRecord(msg *message.Message, st *store.Store, kind, actor string, order event.Order, now func() time.Time) (store.Record, error) {
	payload, err := json.Marshal(order)
	if err != nil {
		return store.Record{}, fmt.Errorf("stage: marshal %s record: %w", kind, err)
	}
	return st.Append(msg.Context(), store.Record{
		OrderID:    order.OrderID,
		Stage:      kind,
		Status:     order.Status,
		Actor:      actor,
		ETAMinutes: order.ETAMinutes,
		Payload:    payload,
		CreatedAt:  pickNow(now).UTC().Format(time.RFC3339),
	})
}

// Audit is the notification stage: bound with the wildcard pattern, it
// persists every event that crosses the exchange and publishes nothing.
type Audit struct {
	Store *store.Store
	Log   *slog.Logger
	Now   func() time.Time
}

// Handler persists the event regardless of shape. A payload without an order
// id is stored under UnknownOrderID rather than rejected; an audit trail that
// drops what it cannot parse is not an audit trail.
func (n Audit) Handler() message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		eventType := msg.Metadata.Get(event.MetadataEventType)
		if eventType == "" {
			eventType = UnknownOrderID
		}

		orderID := UnknownOrderID
		status := ""
		eta := 0
		if order, err := event.ParseOrder(msg.Payload); err == nil && order.OrderID != "" {
			orderID = order.OrderID
			status = order.Status
			eta = order.ETAMinutes
		}

		payload := json.RawMessage(msg.Payload)
		if !json.Valid(payload) {
			// Keep the record readable over the query API even when the
			// payload was never JSON to begin with.
			payload, _ = json.Marshal(string(msg.Payload))
		}

		rec, err := n.Store.Append(msg.Context(), store.Record{
			OrderID:    orderID,
			Stage:      eventType,
			Status:     status,
			ETAMinutes: eta,
			Payload:    payload,
			CreatedAt:  pickNow(n.Now).UTC().Format(time.RFC3339),
		})
		if err != nil {
			n.Log.Error("rejecting event after audit persistence failure", "error", err, "event_type", eventType)
			return err
		}

		n.Log.Info("event recorded", "event_type", eventType, "order_id", rec.OrderID, "status", rec.Status)
		return nil
	}
}
