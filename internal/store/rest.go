package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RESTStore is a RecordStore backed by a PostgREST endpoint such as Supabase.
type RESTStore struct {
	baseURL string
	key     string
	client  *http.Client
	timeout time.Duration
}

// Compile-time check that RESTStore implements RecordStore.
var _ RecordStore = (*RESTStore)(nil)

// NewRESTStore creates a REST store. Both the URL and the service key are required.
func NewRESTStore(opts ...Option) (*RESTStore, error) {
	cfg := applyOpts(opts)
	slog.Debug("RESTStore.NewRESTStore: creating REST store", "url_set", cfg.RESTURL != "", "key_set", cfg.RESTKey != "")
	if cfg.RESTURL == "" || cfg.RESTKey == "" {
		return nil, fmt.Errorf("%w: missing SUPABASE_URL or service key", ErrNotConfigured)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &RESTStore{
		baseURL: strings.TrimRight(cfg.RESTURL, "/"),
		key:     cfg.RESTKey,
		client:  client,
		timeout: cfg.Timeout,
	}, nil
}

func (s *RESTStore) Close() error { return nil }

func (s *RESTStore) GetOne(ctx context.Context, collection string, q Query) (Row, error) {
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

func (s *RESTStore) Select(ctx context.Context, collection string, q Query) ([]Row, error) {
	if err := validateQuery(collection, q); err != nil {
		return nil, err
	}
	params := filterParams(q.Filter)
	sel := "*"
	if len(q.Columns) > 0 {
		sel = strings.Join(q.Columns, ",")
	}
	params.Set("select", sel)
	if len(q.Order) > 0 {
		parts := make([]string, 0, len(q.Order))
		for _, o := range q.Order {
			dir := "asc"
			if o.Desc {
				dir = "desc"
			}
			parts = append(parts, o.Column+"."+dir)
		}
		params.Set("order", strings.Join(parts, ","))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	var rows []Row
	if err := s.do(ctx, http.MethodGet, collection, params, nil, nil, &rows); err != nil {
		return nil, fmt.Errorf("select %s failed: %w", collection, err)
	}
	return rows, nil
}

func (s *RESTStore) Insert(ctx context.Context, collection string, rows ...Row) error {
	if len(rows) == 0 {
		return nil
	}
	for _, r := range rows {
		if err := validateRow(collection, r, nil); err != nil {
			return err
		}
	}
	if err := s.do(ctx, http.MethodPost, collection, nil, map[string]string{"Prefer": "return=minimal"}, rows, nil); err != nil {
		return fmt.Errorf("insert %s failed: %w", collection, err)
	}
	return nil
}

func (s *RESTStore) InsertIfAbsent(ctx context.Context, collection string, row Row, conflict ...string) (bool, error) {
	if err := validateRow(collection, row, conflict); err != nil {
		return false, err
	}
	params := url.Values{}
	if len(conflict) > 0 {
		params.Set("on_conflict", strings.Join(conflict, ","))
	}
	headers := map[string]string{"Prefer": "resolution=ignore-duplicates,return=representation"}
	var inserted []Row
	if err := s.do(ctx, http.MethodPost, collection, params, headers, []Row{row}, &inserted); err != nil {
		return false, fmt.Errorf("insert-if-absent %s failed: %w", collection, err)
	}
	// ignored duplicates are omitted from the representation
	return len(inserted) > 0, nil
}

func (s *RESTStore) Upsert(ctx context.Context, collection string, row Row, conflict ...string) error {
	if err := validateRow(collection, row, conflict); err != nil {
		return err
	}
	params := url.Values{}
	if len(conflict) > 0 {
		params.Set("on_conflict", strings.Join(conflict, ","))
	}
	headers := map[string]string{"Prefer": "resolution=merge-duplicates,return=minimal"}
	if err := s.do(ctx, http.MethodPost, collection, params, headers, []Row{row}, nil); err != nil {
		return fmt.Errorf("upsert %s failed: %w", collection, err)
	}
	return nil
}

func (s *RESTStore) Update(ctx context.Context, collection string, filter Filter, patch Row) (int64, error) {
	if err := validateRow(collection, patch, nil); err != nil {
		return 0, err
	}
	if err := validateFilter(filter); err != nil {
		return 0, err
	}
	var changed []Row
	headers := map[string]string{"Prefer": "return=representation"}
	if err := s.do(ctx, http.MethodPatch, collection, filterParams(filter), headers, patch, &changed); err != nil {
		return 0, fmt.Errorf("update %s failed: %w", collection, err)
	}
	return int64(len(changed)), nil
}

func (s *RESTStore) Delete(ctx context.Context, collection string, filter Filter) (int64, error) {
	if err := validateQuery(collection, Query{Filter: filter}); err != nil {
		return 0, err
	}
	if len(filter) == 0 {
		return 0, fmt.Errorf("refusing unfiltered delete on %s", collection)
	}
	var removed []Row
	headers := map[string]string{"Prefer": "return=representation"}
	if err := s.do(ctx, http.MethodDelete, collection, filterParams(filter), headers, nil, &removed); err != nil {
		return 0, fmt.Errorf("delete %s failed: %w", collection, err)
	}
	return int64(len(removed)), nil
}

func (s *RESTStore) do(ctx context.Context, method, collection string, params url.Values, headers map[string]string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	endpoint := s.baseURL + "/rest/v1/" + collection
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", s.key)
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("RESTStore.do: request failed", "method", method, "collection", collection, "status", resp.StatusCode, "body", string(data))
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// filterParams renders predicates in PostgREST's column=op.value form.
func filterParams(f Filter) url.Values {
	params := url.Values{}
	for _, p := range f {
		if p.Op == OpIsNull {
			params.Add(p.Column, "is.null")
			continue
		}
		params.Add(p.Column, string(p.Op)+"."+restValue(p.Value))
	}
	return params
}

func restValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
