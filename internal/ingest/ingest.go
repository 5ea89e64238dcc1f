package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrFetch matches every *FetchError.
var ErrFetch = errors.New("sample fetch failed")

// ErrTooLarge reports a source above the configured byte limit.
var ErrTooLarge = errors.New("audio source too large")

// Source is an encoded audio buffer and a label for it.
type Source struct {
	Name string
	Data []byte
}

// FromFile reads a local file.
func FromFile(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audio file: %w", err)
	}
	return &Source{Name: filepath.Base(path), Data: data}, nil
}

// FromReader reads an uploaded body. limit <= 0 disables the size check.
func FromReader(name string, r io.Reader, limit int64) (*Source, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read audio upload: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	if name == "" {
		name = "upload"
	}
	return &Source{Name: name, Data: data}, nil
}

// Catalog maps a human-readable sample key to a remote URL.
type Catalog map[string]string

func (c Catalog) Lookup(key string) (string, bool) {
	url, ok := c[key]
	return url, ok
}

// Keys returns the catalog keys in sorted order.
func (c Catalog) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FetchError describes a failed sample retrieval: a non-2xx status, a
// transport failure or an unknown key.
type FetchError struct {
	Key    string
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("HTTP %d", e.Status)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return fmt.Sprintf("unknown sample %q", e.Key)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// Fetcher downloads catalog samples over HTTP(S).
type Fetcher struct {
	client    *http.Client
	userAgent string
	limit     int64
}

func NewFetcher(timeout time.Duration, userAgent string, limit int64) *Fetcher {
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		limit:     limit,
	}
}

// WithClient replaces the HTTP client, mostly for tests.
func (f *Fetcher) WithClient(client *http.Client) *Fetcher {
	f.client = client
	return f
}

func (f *Fetcher) Fetch(ctx context.Context, catalog Catalog, key string) (*Source, error) {
	url, ok := catalog.Lookup(key)
	if !ok {
		return nil, &FetchError{Key: key}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{Key: key, URL: url, Err: err}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Key: key, URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{Key: key, URL: url, Status: resp.StatusCode}
	}

	src, err := FromReader(key, resp.Body, f.limit)
	if err != nil {
		return nil, &FetchError{Key: key, URL: url, Err: err}
	}
	return src, nil
}
