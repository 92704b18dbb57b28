package content

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

const fetchPage = `<html><head><title>Fetched Article</title></head><body><article><p>
This fetched page has a body long enough for the sanitizer to keep the article
container, with more than ten words and well past the length threshold used to
accept a matched content selector during extraction.
</p></article></body></html>`

func TestFetchRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("User-Agent"), "Mozilla") {
			t.Errorf("missing browser user agent: %q", r.Header.Get("User-Agent"))
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(fetchPage))
	}))
	defer srv.Close()

	res, err := NewFetcher().Fetch(context.Background(), srv.URL+"/post")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if res.Metadata.Title != "Fetched Article" {
		t.Errorf("title = %q", res.Metadata.Title)
	}
	if !strings.Contains(res.HTML, "fetched page") {
		t.Errorf("content lost: %q", res.HTML)
	}
	if res.Metadata.WordCount == 0 || res.Metadata.ReadingTime != 1 {
		t.Errorf("stats: words=%d minutes=%d", res.Metadata.WordCount, res.Metadata.ReadingTime)
	}
}

func TestFetchDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := NewFetcher().Fetch(context.Background(), srv.URL+"/gone"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}
