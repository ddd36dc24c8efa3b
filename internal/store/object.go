package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ObjectStore uploads binary media and returns a public URL for it.
type ObjectStore interface {
	Upload(ctx context.Context, objectPath, contentType string, data []byte) (string, error)
}

// SupabaseObjectStore uploads to a Supabase storage bucket.
type SupabaseObjectStore struct {
	baseURL string
	key     string
	bucket  string
	client  *http.Client
	timeout time.Duration
}

// NewSupabaseObjectStore creates an uploader for bucket. The bucket must be public for
// the returned URLs to be fetchable by the messaging provider.
func NewSupabaseObjectStore(bucket string, opts ...Option) (*SupabaseObjectStore, error) {
	cfg := applyOpts(opts)
	if cfg.RESTURL == "" || cfg.RESTKey == "" || bucket == "" {
		return nil, fmt.Errorf("%w: storage needs SUPABASE_URL, key and bucket", ErrNotConfigured)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &SupabaseObjectStore{
		baseURL: strings.TrimRight(cfg.RESTURL, "/"),
		key:     cfg.RESTKey,
		bucket:  bucket,
		client:  client,
		timeout: cfg.Timeout,
	}, nil
}

func (s *SupabaseObjectStore) Upload(ctx context.Context, objectPath, contentType string, data []byte) (string, error) {
	objectPath, err := cleanObjectPath(objectPath)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	escaped := escapePath(objectPath)
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, url.PathEscape(s.bucket), escaped)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("apikey", s.key)
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("storage upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Error("SupabaseObjectStore.Upload: upload failed", "status", resp.StatusCode, "path", objectPath, "body", string(body))
		return "", fmt.Errorf("storage upload failed: status %d", resp.StatusCode)
	}
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, url.PathEscape(s.bucket), escaped), nil
}

// LocalObjectStore writes objects under a directory that the API server exposes at
// publicBase (for example https://host/media).
type LocalObjectStore struct {
	dir        string
	publicBase string
}

// NewLocalObjectStore creates the directory if needed.
func NewLocalObjectStore(dir, publicBase string) (*LocalObjectStore, error) {
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	return &LocalObjectStore{dir: dir, publicBase: strings.TrimRight(publicBase, "/")}, nil
}

// Dir returns the root directory served for uploaded media.
func (s *LocalObjectStore) Dir() string { return s.dir }

func (s *LocalObjectStore) Upload(_ context.Context, objectPath, _ string, data []byte) (string, error) {
	objectPath, err := cleanObjectPath(objectPath)
	if err != nil {
		return "", err
	}
	full := filepath.Join(s.dir, filepath.FromSlash(objectPath))
	if err := os.MkdirAll(filepath.Dir(full), DefaultDirPermissions); err != nil {
		return "", fmt.Errorf("failed to create media directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write media: %w", err)
	}
	return s.publicBase + "/" + escapePath(objectPath), nil
}

func cleanObjectPath(p string) (string, error) {
	cleaned := path.Clean("/" + p)[1:]
	if cleaned == "" || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("invalid object path %q", p)
	}
	return cleaned, nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
