package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gridsync/internal/util"
)

func TestCollectorExposition(t *testing.T) {
	c := NewCollector(util.NewRateLimiter(0, 1))
	c.ObserveRequest("bmrs", "ok")
	c.ObserveRequest("bmrs", "rate_limited")
	c.ObserveRetry("bmrs")
	c.ObserveWindow("FUELHH", "success", 2*time.Second)
	c.ObserveRows("FUELHH", 5, 2, 1)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	out := string(body)

	for _, want := range []string{
		`gridsync_upstream_requests_total{class="rate_limited",source="bmrs"} 1`,
		`gridsync_upstream_retries_total{source="bmrs"} 1`,
		`gridsync_windows_total{dataset="FUELHH",status="success"} 1`,
		`gridsync_rows_inserted_total{dataset="FUELHH"} 5`,
		`gridsync_rows_skipped_total{dataset="FUELHH"} 2`,
		`gridsync_records_quarantined_total{dataset="FUELHH"} 1`,
		`gridsync_ratelimit_tokens_total 0`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.ObserveRequest("bmrs", "ok")
	c.ObserveRetry("bmrs")
	c.ObserveWindow("FUELHH", "failed", time.Second)
	c.ObserveRows("FUELHH", 1, 1, 1)
}
