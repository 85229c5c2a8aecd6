package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/orderflow/internal/event"
	"github.com/drblury/orderflow/internal/stage"
	"github.com/drblury/orderflow/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intakeAPI(t *testing.T, pub *gochannel.GoChannel) *API {
	t.Helper()
	return &API{
		Service:  "order-service",
		Intake:   &stage.Intake{Publisher: pub, Log: discardLogger()},
		BrokerUp: func() bool { return true },
		Log:      discardLogger(),
	}
}

func TestSubmitOrderPublishesAndResponds(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { pubsub.Close() })

	messages, err := pubsub.Subscribe(context.Background(), event.TypeOrderCreated)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	srv := httptest.NewServer(intakeAPI(t, pubsub).Router())
	t.Cleanup(srv.Close)

	body := `{"customerName":"Ada","items":["Pizza"],"totalAmount":12.50}`
	resp, err := http.Post(srv.URL+"/orders", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var created struct {
		Message string      `json:"message"`
		Order   event.Order `json:"order"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.Order.OrderID == "" || created.Order.Status != event.StatusReceived {
		t.Fatalf("unexpected order in response: %+v", created.Order)
	}

	select {
	case msg := <-messages:
		msg.Ack()
		published, err := event.ParseOrder(msg.Payload)
		if err != nil {
			t.Fatalf("parse published payload: %v", err)
		}
		if published.OrderID != created.Order.OrderID {
			t.Fatalf("published order id %q does not match response %q",
				published.OrderID, created.Order.OrderID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("order.created was never published")
	}
}

func TestSubmitOrderCoercesSingleItem(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { pubsub.Close() })

	srv := httptest.NewServer(intakeAPI(t, pubsub).Router())
	t.Cleanup(srv.Close)

	body := `{"customerName":"Ada","items":"Pizza","totalAmount":12.50}`
	resp, err := http.Post(srv.URL+"/orders", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for a single-item string, got %d", resp.StatusCode)
	}

	var created struct {
		Order event.Order `json:"order"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(created.Order.Items) != 1 || created.Order.Items[0] != "Pizza" {
		t.Fatalf("expected coerced item list, got %v", created.Order.Items)
	}
}

func TestSubmitOrderValidation(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { pubsub.Close() })

	srv := httptest.NewServer(intakeAPI(t, pubsub).Router())
	t.Cleanup(srv.Close)

	cases := []struct {
		name string
		body string
	}{
		{"missing customer", `{"items":["Pizza"],"totalAmount":12.50}`},
		{"missing items", `{"customerName":"Ada","totalAmount":12.50}`},
		{"negative amount", `{"customerName":"Ada","items":["Pizza"],"totalAmount":-1}`},
		{"broken json", `{"customerName":`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/orders", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestSubmitOrderWhenBusDown(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	pubsub.Close() // publishing now fails

	api := intakeAPI(t, pubsub)
	api.BrokerUp = func() bool { return false }
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	body := `{"customerName":"Ada","items":["Pizza"],"totalAmount":12.50}`
	resp, err := http.Post(srv.URL+"/orders", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the bus is down, got %d", resp.StatusCode)
	}
}

func storeAPI(t *testing.T) (*API, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", false)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	api := &API{
		Service:  "restaurant-service",
		Store:    st,
		BrokerUp: func() bool { return true },
		Log:      discardLogger(),
	}
	return api, st
}

func TestListAndGetEvents(t *testing.T) {
	api, st := storeAPI(t)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	rec, err := st.Append(context.Background(), store.Record{
		OrderID:   "order-1",
		Stage:     "restaurant",
		Status:    "accepted",
		Payload:   json.RawMessage(`{"orderId":"order-1"}`),
		CreatedAt: "2025-06-01T12:00:00Z",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	resp, err := http.Get(srv.URL + "/events?orderId=order-1&limit=10")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var records []store.Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].OrderID != "order-1" {
		t.Fatalf("unexpected records: %+v", records)
	}

	one, err := http.Get(srv.URL + "/events/" + strconv.FormatInt(rec.ID, 10))
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	one.Body.Close()
	if one.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", one.StatusCode)
	}

	missing, err := http.Get(srv.URL + "/events/99999")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}

func TestHealthReflectsBrokerState(t *testing.T) {
	api, _ := storeAPI(t)
	up := true
	api.BrokerUp = func() bool { return up }
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	check := func(wantQueue string) {
		t.Helper()
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatalf("get health: %v", err)
		}
		defer resp.Body.Close()
		var health struct {
			Status  string `json:"status"`
			Service string `json:"service"`
			Queue   string `json:"queue"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			t.Fatalf("decode health: %v", err)
		}
		if health.Status != "OK" || health.Queue != wantQueue {
			t.Fatalf("unexpected health %+v, want queue %q", health, wantQueue)
		}
	}

	check("up")
	up = false
	check("down")
}
