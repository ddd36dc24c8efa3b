package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestValidateIdentifier(t *testing.T) {
	valid := []string{"users", "user_id", "_x", "a1"}
	for _, name := range valid {
		if err := ValidateIdentifier(name); err != nil {
			t.Errorf("expected %q to be valid, got %v", name, err)
		}
	}
	invalid := []string{"", "Users", "1abc", "users;drop", "a-b", "a b"}
	for _, name := range invalid {
		if err := ValidateIdentifier(name); !errors.Is(err, ErrInvalidIdentifier) {
			t.Errorf("expected %q to be rejected, got %v", name, err)
		}
	}
}

func TestMemoryStore_InsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.InsertIfAbsent(ctx, CollectionBadges, Row{"user_id": "u1", "code": "first_stamp"}, "user_id", "code")
	if err != nil || !ok {
		t.Fatalf("first insert: ok=%v err=%v", ok, err)
	}
	ok, err = s.InsertIfAbsent(ctx, CollectionBadges, Row{"user_id": "u1", "code": "first_stamp"}, "user_id", "code")
	if err != nil || ok {
		t.Fatalf("second insert should be ignored: ok=%v err=%v", ok, err)
	}
	if n := s.Len(CollectionBadges); n != 1 {
		t.Errorf("expected 1 badge row, got %d", n)
	}
}

func TestMemoryStore_InsertRejectsDuplicateKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Insert(ctx, CollectionUsers, Row{"user_id": "u1"}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := s.Insert(ctx, CollectionUsers, Row{"user_id": "u1"}); err == nil {
		t.Error("expected duplicate key error")
	}
}

func TestMemoryStore_UpsertMergesColumns(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Upsert(ctx, CollectionBudgets, Row{"user_id": "u1", "month": "2026-10", "amount_cents": int64(100)}, "user_id", "month"); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.Upsert(ctx, CollectionBudgets, Row{"user_id": "u1", "month": "2026-10", "amount_cents": int64(500)}, "user_id", "month"); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	row, err := s.GetOne(ctx, CollectionBudgets, Where(Eq("user_id", "u1"), Eq("month", "2026-10")))
	if err != nil {
		t.Fatalf("GetOne failed: %v", err)
	}
	if row["amount_cents"] != int64(500) {
		t.Errorf("expected merged amount 500, got %v", row["amount_cents"])
	}
	if n := s.Len(CollectionBudgets); n != 1 {
		t.Errorf("expected 1 row after upsert, got %d", n)
	}
}

func TestMemoryStore_ConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Insert(ctx, CollectionStates, Row{"user_id": "u1", "version": int64(1), "step": 1})

	n, err := s.Update(ctx, CollectionStates, Filter{Eq("user_id", "u1"), Eq("version", int64(1))}, Row{"step": 2, "version": int64(2)})
	if err != nil || n != 1 {
		t.Fatalf("expected 1 row updated, got n=%d err=%v", n, err)
	}
	n, err = s.Update(ctx, CollectionStates, Filter{Eq("user_id", "u1"), Eq("version", int64(1))}, Row{"step": 3, "version": int64(2)})
	if err != nil || n != 0 {
		t.Fatalf("stale version should update 0 rows, got n=%d err=%v", n, err)
	}
}

func TestMemoryStore_SelectFilterOrderLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_ = s.Insert(ctx, CollectionQueueIssues, Row{
			"id":          string(rune('a' + i)),
			"location_id": int64(1),
			"message":     "issue",
			"created_at":  base.Add(time.Duration(i) * time.Hour),
		})
	}
	rows, err := s.Select(ctx, CollectionQueueIssues, Query{
		Filter:  Filter{Eq("location_id", 1), Gte("created_at", base.Add(time.Hour))},
		Columns: []string{"id", "created_at"},
		Order:   []OrderBy{{Column: "created_at", Desc: true}},
		Limit:   2,
	})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["id"] != "e" || rows[1]["id"] != "d" {
		t.Errorf("unexpected order: %v, %v", rows[0]["id"], rows[1]["id"])
	}
	if _, ok := rows[0]["message"]; ok {
		t.Error("projection should drop unselected columns")
	}
}

func TestMemoryStore_DeleteAndIsNull(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Insert(ctx, CollectionProcessed,
		Row{"message_id": "m1", "handled_at": nil},
		Row{"message_id": "m2", "handled_at": time.Now()},
	)
	rows, _ := s.Select(ctx, CollectionProcessed, Where(IsNull("handled_at")))
	if len(rows) != 1 || rows[0]["message_id"] != "m1" {
		t.Fatalf("unexpected is-null result: %v", rows)
	}
	n, err := s.Delete(ctx, CollectionProcessed, Filter{Eq("message_id", "m2")})
	if err != nil || n != 1 {
		t.Fatalf("expected 1 deleted, got n=%d err=%v", n, err)
	}
	if _, err := s.Delete(ctx, CollectionProcessed, nil); err == nil {
		t.Error("unfiltered delete should be refused")
	}
}

func TestMemoryStore_SeedsDefaultLocation(t *testing.T) {
	s := NewMemoryStore()
	row, err := s.GetOne(context.Background(), CollectionQueueLocations, Where(Eq("slug", "home-affairs"), Eq("is_active", true)))
	if err != nil || row == nil {
		t.Fatalf("expected seeded location, got row=%v err=%v", row, err)
	}
	ok, _ := s.InsertIfAbsent(context.Background(), CollectionQueueLocations, Row{"slug": "sassa", "name": "SASSA", "max_capacity": 80, "is_active": true}, "slug")
	if !ok {
		t.Fatal("expected new location to be inserted")
	}
	row, _ = s.GetOne(context.Background(), CollectionQueueLocations, Where(Eq("slug", "sassa")))
	if row["id"] != int64(2) {
		t.Errorf("expected serial id 2, got %v", row["id"])
	}
}

func TestDecode(t *testing.T) {
	type rec struct {
		UserID string    `json:"user_id"`
		Count  int       `json:"visit_count"`
		At     time.Time `json:"created_at"`
		OptIn  bool      `json:"voicelog_opt_in"`
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var r rec
	if err := Decode(Row{"user_id": "u1", "visit_count": int64(3), "created_at": at, "voicelog_opt_in": true}, &r); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if r.UserID != "u1" || r.Count != 3 || !r.At.Equal(at) || !r.OptIn {
		t.Errorf("unexpected decode result: %+v", r)
	}
	all, err := DecodeAll[rec]([]Row{{"user_id": "a"}, {"user_id": "b"}})
	if err != nil || len(all) != 2 || all[1].UserID != "b" {
		t.Errorf("unexpected DecodeAll result: %+v, %v", all, err)
	}
}
