package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// dialect captures the differences between the SQL engines we support.
type dialect struct {
	name        string
	placeholder func(n int) string
}

var (
	postgresDialect = dialect{name: BackendPostgres, placeholder: func(n int) string { return "$" + strconv.Itoa(n) }}
	sqliteDialect   = dialect{name: BackendSQLite, placeholder: func(int) string { return "?" }}
)

var sqlOps = map[Op]string{
	OpEq:  "=",
	OpNeq: "<>",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

// SQLStore is a RecordStore backed by database/sql. Identifiers are validated before
// being interpolated; all values are bound as arguments.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Compile-time check that SQLStore implements RecordStore.
var _ RecordStore = (*SQLStore)(nil)

// NewSQLStoreFromDB wraps an existing connection. backend is BackendPostgres or BackendSQLite.
func NewSQLStoreFromDB(db *sql.DB, backend string) (*SQLStore, error) {
	switch backend {
	case BackendPostgres:
		return &SQLStore{db: db, dialect: postgresDialect}, nil
	case BackendSQLite:
		return &SQLStore{db: db, dialect: sqliteDialect}, nil
	default:
		return nil, fmt.Errorf("unsupported sql backend %q", backend)
	}
}

// DB exposes the underlying connection for migrations.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the underlying connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// stmt accumulates SQL text and its bound arguments.
type stmt struct {
	d    dialect
	sb   strings.Builder
	args []any
}

func (b *stmt) bind(v any) string {
	if t, ok := v.(time.Time); ok {
		v = t.UTC()
	}
	b.args = append(b.args, v)
	return b.d.placeholder(len(b.args))
}

func (b *stmt) where(f Filter) {
	if len(f) == 0 {
		return
	}
	b.sb.WriteString(" WHERE ")
	for i, p := range f {
		if i > 0 {
			b.sb.WriteString(" AND ")
		}
		if p.Op == OpIsNull {
			b.sb.WriteString(p.Column + " IS NULL")
			continue
		}
		b.sb.WriteString(p.Column + " " + sqlOps[p.Op] + " " + b.bind(p.Value))
	}
}

func (b *stmt) insert(collection string, row Row) []string {
	cols := sortedKeys(row)
	b.sb.WriteString("INSERT INTO " + collection + " (" + strings.Join(cols, ", ") + ") VALUES (")
	for i, c := range cols {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		b.sb.WriteString(b.bind(row[c]))
	}
	b.sb.WriteString(")")
	return cols
}

func (s *SQLStore) newStmt() *stmt { return &stmt{d: s.dialect} }

func (s *SQLStore) GetOne(ctx context.Context, collection string, q Query) (Row, error) {
	q.Limit = 1
	rows, err := s.Select(ctx, collection, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (s *SQLStore) Select(ctx context.Context, collection string, q Query) ([]Row, error) {
	if err := validateQuery(collection, q); err != nil {
		return nil, err
	}
	b := s.newStmt()
	cols := "*"
	if len(q.Columns) > 0 {
		cols = strings.Join(q.Columns, ", ")
	}
	b.sb.WriteString("SELECT " + cols + " FROM " + collection)
	b.where(q.Filter)
	if len(q.Order) > 0 {
		parts := make([]string, 0, len(q.Order))
		for _, o := range q.Order {
			if o.Desc {
				parts = append(parts, o.Column+" DESC")
			} else {
				parts = append(parts, o.Column+" ASC")
			}
		}
		b.sb.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}
	if q.Limit > 0 {
		b.sb.WriteString(" LIMIT " + strconv.Itoa(q.Limit))
	}

	rows, err := s.db.QueryContext(ctx, b.sb.String(), b.args...)
	if err != nil {
		slog.Error("SQLStore.Select: query failed", "collection", collection, "error", err)
		return nil, fmt.Errorf("select %s failed: %w", collection, err)
	}
	defer rows.Close()
	out, err := scanRows(rows, s.dialect.name == BackendSQLite)
	if err != nil {
		return nil, fmt.Errorf("select %s failed: %w", collection, err)
	}
	return out, nil
}

func (s *SQLStore) Insert(ctx context.Context, collection string, rows ...Row) error {
	for _, r := range rows {
		if err := validateRow(collection, r, nil); err != nil {
			return err
		}
		b := s.newStmt()
		b.insert(collection, r)
		if _, err := s.db.ExecContext(ctx, b.sb.String(), b.args...); err != nil {
			slog.Error("SQLStore.Insert: exec failed", "collection", collection, "error", err)
			return fmt.Errorf("insert %s failed: %w", collection, err)
		}
	}
	return nil
}

func (s *SQLStore) InsertIfAbsent(ctx context.Context, collection string, row Row, conflict ...string) (bool, error) {
	if err := validateRow(collection, row, conflict); err != nil {
		return false, err
	}
	b := s.newStmt()
	b.insert(collection, row)
	if len(conflict) > 0 {
		b.sb.WriteString(" ON CONFLICT (" + strings.Join(conflict, ", ") + ") DO NOTHING")
	} else {
		b.sb.WriteString(" ON CONFLICT DO NOTHING")
	}
	res, err := s.db.ExecContext(ctx, b.sb.String(), b.args...)
	if err != nil {
		slog.Error("SQLStore.InsertIfAbsent: exec failed", "collection", collection, "error", err)
		return false, fmt.Errorf("insert-if-absent %s failed: %w", collection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert-if-absent %s rows affected check failed: %w", collection, err)
	}
	return n > 0, nil
}

func (s *SQLStore) Upsert(ctx context.Context, collection string, row Row, conflict ...string) error {
	if err := validateRow(collection, row, conflict); err != nil {
		return err
	}
	if len(conflict) == 0 {
		return fmt.Errorf("upsert %s requires a conflict target", collection)
	}
	b := s.newStmt()
	cols := b.insert(collection, row)
	isConflict := make(map[string]bool, len(conflict))
	for _, c := range conflict {
		isConflict[c] = true
	}
	var sets []string
	for _, c := range cols {
		if !isConflict[c] {
			sets = append(sets, c+" = excluded."+c)
		}
	}
	b.sb.WriteString(" ON CONFLICT (" + strings.Join(conflict, ", ") + ")")
	if len(sets) == 0 {
		b.sb.WriteString(" DO NOTHING")
	} else {
		b.sb.WriteString(" DO UPDATE SET " + strings.Join(sets, ", "))
	}
	if _, err := s.db.ExecContext(ctx, b.sb.String(), b.args...); err != nil {
		slog.Error("SQLStore.Upsert: exec failed", "collection", collection, "error", err)
		return fmt.Errorf("upsert %s failed: %w", collection, err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, collection string, filter Filter, patch Row) (int64, error) {
	if err := validateRow(collection, patch, nil); err != nil {
		return 0, err
	}
	if err := validateFilter(filter); err != nil {
		return 0, err
	}
	b := s.newStmt()
	b.sb.WriteString("UPDATE " + collection + " SET ")
	for i, c := range sortedKeys(patch) {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		b.sb.WriteString(c + " = " + b.bind(patch[c]))
	}
	b.where(filter)
	res, err := s.db.ExecContext(ctx, b.sb.String(), b.args...)
	if err != nil {
		slog.Error("SQLStore.Update: exec failed", "collection", collection, "error", err)
		return 0, fmt.Errorf("update %s failed: %w", collection, err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) Delete(ctx context.Context, collection string, filter Filter) (int64, error) {
	if err := validateQuery(collection, Query{Filter: filter}); err != nil {
		return 0, err
	}
	if len(filter) == 0 {
		return 0, fmt.Errorf("refusing unfiltered delete on %s", collection)
	}
	b := s.newStmt()
	b.sb.WriteString("DELETE FROM " + collection)
	b.where(filter)
	res, err := s.db.ExecContext(ctx, b.sb.String(), b.args...)
	if err != nil {
		slog.Error("SQLStore.Delete: exec failed", "collection", collection, "error", err)
		return 0, fmt.Errorf("delete %s failed: %w", collection, err)
	}
	return res.RowsAffected()
}

// scanRows reads every row into a Row, normalising driver types so Decode works the
// same for all engines: byte slices become strings and, when intBools is set, integer
// values of BOOLEAN-declared columns become bools.
func scanRows(rows *sql.Rows, intBools bool) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	boolCols := make([]bool, len(cols))
	if intBools {
		if types, err := rows.ColumnTypes(); err == nil {
			for i, ct := range types {
				switch strings.ToUpper(ct.DatabaseTypeName()) {
				case "BOOL", "BOOLEAN":
					boolCols[i] = true
				}
			}
		}
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		r := make(Row, len(cols))
		for i, c := range cols {
			v := vals[i]
			switch t := v.(type) {
			case []byte:
				v = string(t)
			case int64:
				if boolCols[i] {
					v = t != 0
				}
			}
			r[c] = v
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	return out, nil
}
