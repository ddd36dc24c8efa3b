// Package store provides the record store adapter used by every StampPipe component.
//
// A RecordStore performs simple CRUD operations against named collections keyed by
// filters. Three backends implement it: a PostgREST/Supabase REST client, an SQL
// backend (PostgreSQL via lib/pq or SQLite via go-sqlite3), and an in-memory store
// used by tests and the memory mode. Repositories in this package (the idempotency
// guard, users, offered choices) are written only against the RecordStore contract.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
)

// Collection names.
const (
	CollectionUsers          = "users"
	CollectionStates         = "conversation_states"
	CollectionProcessed      = "processed_events"
	CollectionStreaks        = "streaks"
	CollectionBadges         = "badges"
	CollectionVisits         = "visits"
	CollectionSignupLeads    = "signup_leads"
	CollectionMeetings       = "meeting_requests"
	CollectionBudgets        = "budgets"
	CollectionExpenses       = "expenses"
	CollectionIncidents      = "incidents"
	CollectionQueueLocations = "qmunity_locations"
	CollectionQueueCheckins  = "qmunity_checkins"
	CollectionQueueSpeed     = "qmunity_speed_reports"
	CollectionQueueIssues    = "qmunity_issues"
	CollectionWeeklyLogs     = "weekly_logs"
	CollectionDeadLetters    = "dead_letters"
	CollectionChoices        = "offered_choices"
)

var (
	// ErrNotConfigured is returned when a backend is missing its connection settings.
	ErrNotConfigured = errors.New("record store not configured")
	// ErrInvalidIdentifier is returned for collection or column names outside [a-z0-9_].
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Row is one record, keyed by column name.
type Row map[string]any

// Op is a comparison operator usable in a filter predicate.
type Op string

const (
	OpEq     Op = "eq"
	OpNeq    Op = "neq"
	OpGt     Op = "gt"
	OpGte    Op = "gte"
	OpLt     Op = "lt"
	OpLte    Op = "lte"
	OpIsNull Op = "is"
)

// Predicate compares one column against a value. OpIsNull ignores Value.
type Predicate struct {
	Column string
	Op     Op
	Value  any
}

// Filter is a conjunction of predicates.
type Filter []Predicate

// Eq builds an equality predicate.
func Eq(column string, value any) Predicate { return Predicate{Column: column, Op: OpEq, Value: value} }

// Neq builds an inequality predicate.
func Neq(column string, value any) Predicate { return Predicate{Column: column, Op: OpNeq, Value: value} }

// Gte builds a greater-or-equal predicate.
func Gte(column string, value any) Predicate { return Predicate{Column: column, Op: OpGte, Value: value} }

// Lte builds a less-or-equal predicate.
func Lte(column string, value any) Predicate { return Predicate{Column: column, Op: OpLte, Value: value} }

// Lt builds a less-than predicate.
func Lt(column string, value any) Predicate { return Predicate{Column: column, Op: OpLt, Value: value} }

// IsNull matches rows where column is null.
func IsNull(column string) Predicate { return Predicate{Column: column, Op: OpIsNull} }

// OrderBy sorts results by a column.
type OrderBy struct {
	Column string
	Desc   bool
}

// Query selects rows from a collection.
type Query struct {
	Filter  Filter
	Columns []string
	Order   []OrderBy
	Limit   int
}

// Where is shorthand for a query with only a filter.
func Where(preds ...Predicate) Query {
	return Query{Filter: preds}
}

// RecordStore is the abstract row store every component persists through.
type RecordStore interface {
	// GetOne returns the first matching row, or nil when none matches.
	GetOne(ctx context.Context, collection string, q Query) (Row, error)
	// Select returns all matching rows.
	Select(ctx context.Context, collection string, q Query) ([]Row, error)
	// Insert appends rows. Constraint violations are errors.
	Insert(ctx context.Context, collection string, rows ...Row) error
	// InsertIfAbsent inserts row unless a row with the same conflict columns exists.
	// It reports whether the row was inserted, in a single atomic operation.
	InsertIfAbsent(ctx context.Context, collection string, row Row, conflict ...string) (bool, error)
	// Upsert inserts row or overwrites the non-conflict columns of the existing row.
	Upsert(ctx context.Context, collection string, row Row, conflict ...string) error
	// Update applies patch to matching rows and returns how many were changed.
	Update(ctx context.Context, collection string, filter Filter, patch Row) (int64, error)
	// Delete removes matching rows and returns how many were removed.
	Delete(ctx context.Context, collection string, filter Filter) (int64, error)
	// Close releases backend resources.
	Close() error
}

// ValidateIdentifier rejects names that cannot be safely interpolated into a query.
func ValidateIdentifier(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

func validateQuery(collection string, q Query) error {
	if err := ValidateIdentifier(collection); err != nil {
		return err
	}
	if err := validateFilter(q.Filter); err != nil {
		return err
	}
	for _, c := range q.Columns {
		if err := ValidateIdentifier(c); err != nil {
			return err
		}
	}
	for _, o := range q.Order {
		if err := ValidateIdentifier(o.Column); err != nil {
			return err
		}
	}
	return nil
}

func validateFilter(f Filter) error {
	for _, p := range f {
		if err := ValidateIdentifier(p.Column); err != nil {
			return err
		}
		switch p.Op {
		case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIsNull:
		default:
			return fmt.Errorf("unsupported filter operator %q", p.Op)
		}
	}
	return nil
}

func validateRow(collection string, row Row, conflict []string) error {
	if err := ValidateIdentifier(collection); err != nil {
		return err
	}
	if len(row) == 0 {
		return fmt.Errorf("empty row for %s", collection)
	}
	for k := range row {
		if err := ValidateIdentifier(k); err != nil {
			return err
		}
	}
	for _, c := range conflict {
		if err := ValidateIdentifier(c); err != nil {
			return err
		}
	}
	return nil
}

// Decode maps a row onto a json-tagged struct.
func Decode(row Row, dst any) error {
	b, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to encode row: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("failed to decode row: %w", err)
	}
	return nil
}

// DecodeAll maps rows onto a slice of json-tagged structs.
func DecodeAll[T any](rows []Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		var v T
		if err := Decode(r, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// sortedKeys returns row keys in a stable order so generated statements are deterministic.
func sortedKeys(row Row) []string {
	return slices.Sorted(maps.Keys(row))
}
