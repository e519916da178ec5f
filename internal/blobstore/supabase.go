package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SupabaseStore talks to a Supabase Storage bucket over its REST API.
type SupabaseStore struct {
	parsedURL *url.URL
	bucket    string
	key       string
	client    *http.Client
}

// NewSupabaseStore creates a client for bucket at the project URL, using the
// service key for both the apikey and bearer headers.
func NewSupabaseStore(projectURL, serviceKey, bucket string) (*SupabaseStore, error) {
	if projectURL == "" {
		return nil, errors.New("SUPABASE_URL is required")
	}
	if bucket == "" {
		return nil, errors.New("supabase bucket is required")
	}
	parsed, err := url.Parse(strings.TrimSuffix(projectURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid supabase URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid supabase URL scheme %q", parsed.Scheme)
	}
	return &SupabaseStore{
		parsedURL: parsed,
		bucket:    bucket,
		key:       serviceKey,
		client:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// resolveURL builds the object URL for key.
func (s *SupabaseStore) resolveURL(key string) string {
	return s.parsedURL.JoinPath("storage", "v1", "object", s.bucket, key).String()
}

func (s *SupabaseStore) authorize(req *http.Request) {
	if s.key != "" {
		req.Header.Set("Authorization", "Bearer "+s.key)
		req.Header.Set("apikey", s.key)
	}
}

// Get downloads the object.
func (s *SupabaseStore) Get(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.resolveURL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readErrorBody(resp.Body)
		if isNotFound(resp.StatusCode, body) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("download %s failed with status %d: %s", key, resp.StatusCode, body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}
	return data, nil
}

// Put uploads the object, replacing any existing one.
func (s *SupabaseStore) Put(ctx context.Context, key string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.resolveURL(key), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	s.authorize(req)
	req.Header.Set("Content-Type", http.DetectContentType(data))
	req.Header.Set("x-upsert", "true")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("could not send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upload %s failed with status %d: %s", key, resp.StatusCode, readErrorBody(resp.Body))
	}
	return nil
}

// isNotFound recognizes Supabase's missing-object responses, which may be a
// plain 404 or a 400 carrying a not_found error body.
func isNotFound(status int, body string) bool {
	if status == http.StatusNotFound {
		return true
	}
	lower := strings.ToLower(body)
	return status == http.StatusBadRequest && (strings.Contains(lower, "not_found") || strings.Contains(lower, "not found"))
}

// readErrorBody reads the response body for error messages.
// Returns empty string if reading fails (we're already in an error path).
func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return "(could not read error body)"
	}
	return string(body)
}
