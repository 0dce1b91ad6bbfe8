package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchMetricsParsesExposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metrics" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("# comment\nsoketi_connected 42\nsoketi_new_connections_total 100\n"))
	}))
	defer srv.Close()

	scraper := NewScraper(srv.URL, time.Second, 0, nil)
	samples, err := scraper.FetchMetrics(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if samples[0].Name != "soketi_connected" || samples[0].Value != 42 {
		t.Fatalf("unexpected sample %+v", samples[0])
	}
}

func TestFetchMetricsRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("soketi_connected 7\n"))
	}))
	defer srv.Close()

	scraper := NewScraper(srv.URL, time.Second, 2, nil)
	samples, err := scraper.FetchMetrics(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
	if len(samples) != 1 || samples[0].Value != 7 {
		t.Fatalf("unexpected samples %+v", samples)
	}
}

func TestFetchMetricsGivesUpAfterRetryBudget(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	scraper := NewScraper(srv.URL, time.Second, 1, nil)
	if _, err := scraper.FetchMetrics(context.Background()); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts (1 retry), got %d", calls.Load())
	}
}

func TestFetchMetricsDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	scraper := NewScraper(srv.URL, time.Second, 3, nil)
	if _, err := scraper.FetchMetrics(context.Background()); err == nil {
		t.Fatal("expected error for 404")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt for a 4xx, got %d", calls.Load())
	}
}

func TestFetchUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/usage":
			w.Write([]byte(`{"memory":{"used":1024}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	scraper := NewScraper(srv.URL, time.Second, 0, nil)
	usage, err := scraper.FetchUsage(context.Background())
	if err != nil {
		t.Fatalf("fetch usage: %v", err)
	}
	if string(usage) != `{"memory":{"used":1024}}` {
		t.Fatalf("unexpected usage payload %s", usage)
	}
}

func TestFetchUsageRejectsInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	scraper := NewScraper(srv.URL, time.Second, 0, nil)
	if _, err := scraper.FetchUsage(context.Background()); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
