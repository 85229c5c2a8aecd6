// Package httpapi exposes the thin HTTP surface of a stage service: order
// submission on the intake stage, event-log reads on persisting stages, and
// health everywhere. Request validation and JSON rendering only; all business
// behavior lives behind the stage and store packages.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/orderflow/internal/event"
	"github.com/drblury/orderflow/internal/stage"
	"github.com/drblury/orderflow/internal/store"
)

// API serves one stage's HTTP surface. Intake is nil on consuming stages;
// Store is nil on the intake stage, which keeps no event log of its own.
type API struct {
	Service  string
	Intake   *stage.Intake
	Store    *store.Store
	BrokerUp func() bool
	Log      *slog.Logger
	Metrics  bool
}

// Router mounts the endpoints the stage actually has.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", a.handleHealth)
	if a.Intake != nil {
		r.Post("/orders", a.handleSubmitOrder)
	}
	if a.Store != nil {
		r.Get("/events", a.handleListEvents)
		r.Get("/events/{id}", a.handleGetEvent)
	}
	if a.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

type submitOrderRequest struct {
	CustomerName string          `json:"customerName"`
	Items        json.RawMessage `json:"items"`
	TotalAmount  float64         `json:"totalAmount"`
}

// decodeItems accepts either a JSON array of strings or a single string, the
// same coercion the public API has always done.
func decodeItems(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err == nil {
		return items
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}

func (a *API) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	order, err := a.Intake.SubmitOrder(r.Context(), req.CustomerName, decodeItems(req.Items), req.TotalAmount)
	switch {
	case errors.Is(err, event.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, stage.ErrBusUnavailable):
		respondError(w, http.StatusServiceUnavailable, "message queue unavailable")
		return
	case err != nil:
		a.Log.Error("order submission failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to create order")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"message": "Order created successfully",
		"order":   order,
	})
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("orderId")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := a.Store.List(r.Context(), orderID, limit)
	if err != nil {
		a.Log.Error("failed to read events", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (a *API) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid record id")
		return
	}

	rec, err := a.Store.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		a.Log.Error("failed to read event", "error", err, "id", id)
		respondError(w, http.StatusInternalServerError, "failed to read event")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	queue := "down"
	if a.BrokerUp != nil && a.BrokerUp() {
		queue = "up"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "OK",
		"service": a.Service,
		"queue":   queue,
	})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
