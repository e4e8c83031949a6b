package gridsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"gridsync/internal/api"
	"gridsync/internal/domain"
	"gridsync/internal/ledger"
)

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:9464/")
	if c.baseURL != "http://localhost:9464" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
	if c.httpClient == nil {
		t.Fatal("expected non-nil httpClient")
	}
}

func TestClientAgainstServer(t *testing.T) {
	ctx := context.Background()
	led, err := ledger.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer led.Close()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := led.Upsert(ctx, domain.LedgerEntry{
		DatasetID:    "FREQ",
		Window:       domain.TimeRange{Start: start, End: start.AddDate(0, 0, 1)},
		Status:       domain.StatusFailed,
		AttemptCount: 5,
		LastError:    "status 502",
	}); err != nil {
		t.Fatal(err)
	}

	srv := api.NewServer(api.Options{Ledger: led})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	c := NewClient(ts.URL)

	ok, err := c.Healthy(ctx)
	if err != nil || ok {
		t.Errorf("Healthy before SetServing = %v, %v", ok, err)
	}
	srv.SetServing(true)
	if ok, _ := c.Healthy(ctx); !ok {
		t.Error("Healthy after SetServing = false")
	}

	entries, err := c.Ledger(ctx, "FREQ", "failed")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if !e.WindowStart.Equal(start) || e.AttemptCount != 5 || e.LastError != "status 502" {
		t.Errorf("entry = %+v", e)
	}

	if entries, _ := c.Ledger(ctx, "FREQ", "success"); len(entries) != 0 {
		t.Errorf("success filter returned %d entries", len(entries))
	}
}

func TestLedgerErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()
	if _, err := NewClient(ts.URL).Ledger(context.Background(), ""); err == nil {
		t.Error("Ledger should fail on a 500")
	}
}
