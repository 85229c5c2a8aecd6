package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func openTestStore(t *testing.T, dedupe bool) *Store {
	t.Helper()
	s, err := Open(":memory:", dedupe)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(orderID, stage string) Record {
	return Record{
		OrderID:   orderID,
		Stage:     stage,
		Status:    "accepted",
		Actor:     "Demo Kitchen",
		Payload:   json.RawMessage(`{"orderId":"` + orderID + `"}`),
		CreatedAt: "2025-06-01T12:00:00Z",
	}
}

func TestAppendAssignsSequentialIDs(t *testing.T) {
	s := openTestStore(t, true)
	ctx := context.Background()

	first, err := s.Append(ctx, testRecord("order-1", "restaurant"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := s.Append(ctx, testRecord("order-2", "restaurant"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if second.ID <= first.ID {
		t.Fatalf("sequence ids must be monotonic: %d then %d", first.ID, second.ID)
	}
}

func TestAppendDuplicateIsNoOp(t *testing.T) {
	s := openTestStore(t, true)
	ctx := context.Background()

	original := testRecord("order-1", "restaurant")
	original.ETAMinutes = 17
	stored, err := s.Append(ctx, original)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	// A redelivered message produces a different enrichment; the store must
	// keep the first write and hand it back as canonical.
	duplicate := testRecord("order-1", "restaurant")
	duplicate.ETAMinutes = 22
	again, err := s.Append(ctx, duplicate)
	if err != nil {
		t.Fatalf("duplicate append must succeed as a no-op: %v", err)
	}
	if again.ID != stored.ID {
		t.Fatalf("expected canonical record %d, got %d", stored.ID, again.ID)
	}
	if again.ETAMinutes != 17 {
		t.Fatalf("expected original eta 17, got %d", again.ETAMinutes)
	}

	records, err := s.List(ctx, "order-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected a single record, got %d", len(records))
	}
}

func TestAppendWithoutDedupeKeepsEveryDelivery(t *testing.T) {
	s := openTestStore(t, false)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.Append(ctx, testRecord("order-1", "order.created")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	records, err := s.List(ctx, "order-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("audit store must keep duplicates, got %d records", len(records))
	}
}

func TestListNewestFirstAndFiltered(t *testing.T) {
	s := openTestStore(t, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := testRecord(fmt.Sprintf("order-%d", i), "order.created")
		if _, err := s.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	records, err := s.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].OrderID != "order-2" {
		t.Fatalf("expected newest first, got %q", records[0].OrderID)
	}

	filtered, err := s.List(ctx, "order-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(filtered) != 1 || filtered[0].OrderID != "order-1" {
		t.Fatalf("unexpected filter result: %+v", filtered)
	}
}

func TestListClampsLimit(t *testing.T) {
	s := openTestStore(t, false)
	ctx := context.Background()

	for i := 0; i < MaxLimit+10; i++ {
		rec := testRecord(fmt.Sprintf("order-%d", i), "order.created")
		if _, err := s.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	oversized, err := s.List(ctx, "", 10000)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(oversized) != MaxLimit {
		t.Fatalf("limit 10000 must be clamped to %d, got %d", MaxLimit, len(oversized))
	}

	defaulted, err := s.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(defaulted) != DefaultLimit {
		t.Fatalf("limit 0 must fall back to %d, got %d", DefaultLimit, len(defaulted))
	}

	negative, err := s.List(ctx, "", -5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(negative) != DefaultLimit {
		t.Fatalf("negative limit must fall back to %d, got %d", DefaultLimit, len(negative))
	}
}

func TestGetByID(t *testing.T) {
	s := openTestStore(t, true)
	ctx := context.Background()

	stored, err := s.Append(ctx, testRecord("order-1", "restaurant"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.GetByID(ctx, stored.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OrderID != "order-1" || got.Stage != "restaurant" {
		t.Fatalf("unexpected record: %+v", got)
	}

	if _, err := s.GetByID(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
