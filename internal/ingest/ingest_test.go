package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFetchSample(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "loqa-test" {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		_, _ = w.Write([]byte("RIFFdata"))
	}))
	t.Cleanup(srv.Close)

	f := NewFetcher(5*time.Second, "loqa-test", 0)
	src, err := f.Fetch(context.Background(), Catalog{"Hello_EN": srv.URL + "/hello.wav"}, "Hello_EN")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if src.Name != "Hello_EN" || string(src.Data) != "RIFFdata" {
		t.Fatalf("unexpected source %+v", src)
	}
}

func TestFetchBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	f := NewFetcher(5*time.Second, "", 0)
	_, err := f.Fetch(context.Background(), Catalog{"x": srv.URL}, "x")
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("expected ErrFetch, got %v", err)
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Status != http.StatusNotFound {
		t.Fatalf("expected status 404 in %v", err)
	}
	if err.Error() != "HTTP 404" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestFetchNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	f := NewFetcher(time.Second, "", 0)
	if _, err := f.Fetch(context.Background(), Catalog{"x": url}, "x"); !errors.Is(err, ErrFetch) {
		t.Fatalf("expected ErrFetch, got %v", err)
	}
}

func TestFetchUnknownKey(t *testing.T) {
	f := NewFetcher(time.Second, "", 0)
	if _, err := f.Fetch(context.Background(), Catalog{}, "missing"); !errors.Is(err, ErrFetch) {
		t.Fatalf("expected ErrFetch, got %v", err)
	}
}

func TestFromReaderLimit(t *testing.T) {
	if _, err := FromReader("big", strings.NewReader("0123456789"), 4); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	src, err := FromReader("", strings.NewReader("0123"), 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.Name != "upload" || len(src.Data) != 4 {
		t.Fatalf("unexpected source %+v", src)
	}
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	src, err := FromFile(path)
	if err != nil {
		t.Fatalf("from file: %v", err)
	}
	if src.Name != "clip.wav" || string(src.Data) != "abc" {
		t.Fatalf("unexpected source %+v", src)
	}
}

func TestCatalogKeysSorted(t *testing.T) {
	keys := Catalog{"b": "1", "a": "2", "c": "3"}.Keys()
	if strings.Join(keys, ",") != "a,b,c" {
		t.Fatalf("unexpected keys %v", keys)
	}
}
