package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockSQLStore(t *testing.T, backend string) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s, err := NewSQLStoreFromDB(db, backend)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return s, mock
}

func TestSQLStore_InsertIfAbsentPostgres(t *testing.T) {
	s, mock := newMockSQLStore(t, BackendPostgres)
	at := time.Date(2026, 10, 15, 10, 0, 0, 0, time.FixedZone("SAST", 2*3600))

	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO processed_events (message_id, received_at, user_id) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING")).
		WithArgs("wamid.1", at.UTC(), "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processed_events")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.InsertIfAbsent(context.Background(), CollectionProcessed, Row{"message_id": "wamid.1", "user_id": "u1", "received_at": at}, "message_id")
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.InsertIfAbsent(context.Background(), CollectionProcessed, Row{"message_id": "wamid.1", "user_id": "u1", "received_at": at}, "message_id")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpsertSQLite(t *testing.T) {
	s, mock := newMockSQLStore(t, BackendSQLite)
	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO budgets (amount_cents, month, user_id) VALUES (?, ?, ?) ON CONFLICT (user_id, month) DO UPDATE SET amount_cents = excluded.amount_cents")).
		WithArgs(int64(250000), "2026-10", "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Upsert(context.Background(), CollectionBudgets, Row{"user_id": "u1", "month": "2026-10", "amount_cents": int64(250000)}, "user_id", "month")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpdateReturnsAffected(t *testing.T) {
	s, mock := newMockSQLStore(t, BackendPostgres)
	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE conversation_states SET step = $1, version = $2 WHERE user_id = $3 AND version = $4")).
		WithArgs(2, int64(4), "u1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := s.Update(context.Background(), CollectionStates,
		Filter{Eq("user_id", "u1"), Eq("version", int64(3))},
		Row{"step": 2, "version": int64(4)})
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SelectBuildsQueryAndNormalisesTypes(t *testing.T) {
	s, mock := newMockSQLStore(t, BackendPostgres)
	rows := sqlmock.NewRows([]string{"user_id", "display_name"}).
		AddRow("u1", []byte("Thandi"))
	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT user_id, display_name FROM users WHERE last_seen_at >= $1 AND birthday IS NULL ORDER BY created_at DESC LIMIT 5")).
		WillReturnRows(rows)

	got, err := s.Select(context.Background(), CollectionUsers, Query{
		Filter:  Filter{Gte("last_seen_at", time.Now()), IsNull("birthday")},
		Columns: []string{"user_id", "display_name"},
		Order:   []OrderBy{{Column: "created_at", Desc: true}},
		Limit:   5,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Thandi", got[0]["display_name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetOneMissing(t *testing.T) {
	s, mock := newMockSQLStore(t, BackendSQLite)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM users WHERE user_id = ? LIMIT 1")).
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRowsWithColumnDefinition(sqlmock.NewColumn("user_id").OfType("TEXT", "")))

	row, err := s.GetOne(context.Background(), CollectionUsers, Where(Eq("user_id", "nobody")))
	assert.NoError(t, err)
	assert.Nil(t, row)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_RejectsInvalidIdentifiers(t *testing.T) {
	s, mock := newMockSQLStore(t, BackendPostgres)
	_, err := s.Select(context.Background(), "users; DROP TABLE users", Query{})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
	_, err = s.Update(context.Background(), CollectionUsers, Filter{Eq("user_id", "u1")}, Row{"Bad Column": 1})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_DeleteRequiresFilter(t *testing.T) {
	s, mock := newMockSQLStore(t, BackendPostgres)
	_, err := s.Delete(context.Background(), CollectionProcessed, nil)
	assert.Error(t, err)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM processed_events WHERE received_at < $1")).
		WillReturnResult(sqlmock.NewResult(0, 7))
	n, err := s.Delete(context.Background(), CollectionProcessed, Filter{Lt("received_at", time.Now())})
	assert.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
