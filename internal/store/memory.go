package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// memoryKeys mirrors the primary keys of the SQL schema.
var memoryKeys = map[string][]string{
	CollectionUsers:          {"user_id"},
	CollectionStates:         {"user_id"},
	CollectionProcessed:      {"message_id"},
	CollectionStreaks:        {"user_id", "track"},
	CollectionBadges:         {"user_id", "code"},
	CollectionSignupLeads:    {"user_id"},
	CollectionBudgets:        {"user_id", "month"},
	CollectionQueueLocations: {"id"},
	CollectionWeeklyLogs:     {"user_id", "week"},
	CollectionChoices:        {"user_id"},
}

// MemoryStore is a mutex-guarded RecordStore for tests and single-process demos.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string][]Row
	nextID int64
}

// Compile-time check that MemoryStore implements RecordStore.
var _ RecordStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store seeded with the default queue location.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{tables: make(map[string][]Row)}
	s.tables[CollectionQueueLocations] = []Row{{
		"id": int64(1), "slug": "home-affairs", "name": "Home Affairs", "max_capacity": int64(150), "is_active": true,
	}}
	s.nextID = 2
	return s
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetOne(ctx context.Context, collection string, q Query) (Row, error) {
	q.Limit = 1
	rows, err := s.Select(ctx, collection, q)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (s *MemoryStore) Select(_ context.Context, collection string, q Query) ([]Row, error) {
	if err := validateQuery(collection, q); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Row
	for _, r := range s.tables[collection] {
		if matches(r, q.Filter) {
			out = append(out, project(r, q.Columns))
		}
	}
	if len(q.Order) > 0 {
		slices.SortStableFunc(out, func(a, b Row) int {
			for _, o := range q.Order {
				c, _ := compareValues(a[o.Column], b[o.Column])
				if o.Desc {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Insert(_ context.Context, collection string, rows ...Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		if err := validateRow(collection, r, nil); err != nil {
			return err
		}
		r = s.withID(collection, r)
		if keys := memoryKeys[collection]; keys != nil && s.find(collection, r, keys) >= 0 {
			return fmt.Errorf("insert %s failed: duplicate key %v", collection, keys)
		}
		s.tables[collection] = append(s.tables[collection], r)
	}
	return nil
}

func (s *MemoryStore) InsertIfAbsent(_ context.Context, collection string, row Row, conflict ...string) (bool, error) {
	if err := validateRow(collection, row, conflict); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(conflict) == 0 {
		conflict = memoryKeys[collection]
	}
	if len(conflict) > 0 && s.find(collection, row, conflict) >= 0 {
		return false, nil
	}
	s.tables[collection] = append(s.tables[collection], s.withID(collection, row))
	return true, nil
}

func (s *MemoryStore) Upsert(_ context.Context, collection string, row Row, conflict ...string) error {
	if err := validateRow(collection, row, conflict); err != nil {
		return err
	}
	if len(conflict) == 0 {
		return fmt.Errorf("upsert %s requires a conflict target", collection)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.find(collection, row, conflict); i >= 0 {
		maps.Copy(s.tables[collection][i], row)
		return nil
	}
	s.tables[collection] = append(s.tables[collection], s.withID(collection, row))
	return nil
}

func (s *MemoryStore) Update(_ context.Context, collection string, filter Filter, patch Row) (int64, error) {
	if err := validateRow(collection, patch, nil); err != nil {
		return 0, err
	}
	if err := validateFilter(filter); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.tables[collection] {
		if matches(r, filter) {
			maps.Copy(r, patch)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Delete(_ context.Context, collection string, filter Filter) (int64, error) {
	if err := validateQuery(collection, Query{Filter: filter}); err != nil {
		return 0, err
	}
	if len(filter) == 0 {
		return 0, fmt.Errorf("refusing unfiltered delete on %s", collection)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.tables[collection])
	s.tables[collection] = slices.DeleteFunc(s.tables[collection], func(r Row) bool { return matches(r, filter) })
	return int64(before - len(s.tables[collection])), nil
}

// Len returns the number of rows in a collection.
func (s *MemoryStore) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[collection])
}

// withID copies row and assigns an integer id to collections with serial keys.
func (s *MemoryStore) withID(collection string, row Row) Row {
	r := maps.Clone(row)
	for k, v := range r {
		if t, ok := v.(time.Time); ok {
			r[k] = t.UTC()
		}
	}
	if collection == CollectionQueueLocations {
		if _, ok := r["id"]; !ok {
			r["id"] = s.nextID
			s.nextID++
		}
	}
	return r
}

func (s *MemoryStore) find(collection string, row Row, keys []string) int {
	for i, r := range s.tables[collection] {
		same := true
		for _, k := range keys {
			if c, ok := compareValues(r[k], row[k]); !ok || c != 0 {
				same = false
				break
			}
		}
		if same {
			return i
		}
	}
	return -1
}

func matches(r Row, f Filter) bool {
	for _, p := range f {
		v, present := r[p.Column]
		if p.Op == OpIsNull {
			if present && v != nil {
				return false
			}
			continue
		}
		c, ok := compareValues(v, p.Value)
		if !ok {
			return false
		}
		switch p.Op {
		case OpEq:
			if c != 0 {
				return false
			}
		case OpNeq:
			if c == 0 {
				return false
			}
		case OpGt:
			if c <= 0 {
				return false
			}
		case OpGte:
			if c < 0 {
				return false
			}
		case OpLt:
			if c >= 0 {
				return false
			}
		case OpLte:
			if c > 0 {
				return false
			}
		}
	}
	return true
}

func project(r Row, cols []string) Row {
	if len(cols) == 0 {
		return maps.Clone(r)
	}
	out := make(Row, len(cols))
	for _, c := range cols {
		out[c] = r[c]
	}
	return out
}

// compareValues orders two column values. ok is false when they are not comparable.
func compareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if fa, okA := toFloat(a); okA {
		if fb, okB := toFloat(b); okB {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if x == y {
			return 0, true
		}
		if !x {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
