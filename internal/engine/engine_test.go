package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gridsync/internal/domain"
	"gridsync/internal/fetch"
	"gridsync/internal/gather"
	"gridsync/internal/ledger"
	"gridsync/internal/util"
	"gridsync/internal/warehouse"
)

var freq = domain.Dataset{
	ID:        "FREQ",
	Source:    domain.SourceBMRS,
	Path:      "FREQ",
	Table:     "bmrs_freq",
	Window:    24 * time.Hour,
	KeyFields: []string{"id"},
	TimeField: "ts",
}

func day(d int) time.Time { return time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC) }

// upstream is a fake BMRS API. Responses are keyed by the window start day;
// each call pops the next scripted response, repeating the last one.
type upstream struct {
	mu        sync.Mutex
	responses map[string][]response
	hits      map[string]int
	// onHit, when set, runs before the scripted response is written.
	onHit func(day string)
}

type response struct {
	status int
	ids    []string
}

func newUpstream() *upstream {
	return &upstream{responses: make(map[string][]response), hits: make(map[string]int)}
}

func (u *upstream) script(d int, rs ...response) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.responses[day(d).Format("2006-01-02")] = rs
}

func (u *upstream) hitCount(d int) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[day(d).Format("2006-01-02")]
}

func (u *upstream) total() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, h := range u.hits {
		n += h
	}
	return n
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		http.Error(w, "bad from", http.StatusBadRequest)
		return
	}
	key := from.Format("2006-01-02")

	u.mu.Lock()
	n := u.hits[key]
	u.hits[key]++
	rs := u.responses[key]
	hook := u.onHit
	u.mu.Unlock()

	if hook != nil {
		hook(key)
	}
	if len(rs) == 0 {
		w.Write([]byte(`{"data":[]}`))
		return
	}
	resp := rs[min(n, len(rs)-1)]
	if resp.status != 0 && resp.status != http.StatusOK {
		if resp.status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "0")
		}
		w.WriteHeader(resp.status)
		return
	}

	var items []string
	for _, id := range resp.ids {
		ts := from.Add(offset(id)).Format(time.RFC3339)
		items = append(items, fmt.Sprintf(`{"id":%q,"ts":%q,"frequency":50.0}`, id, ts))
	}
	fmt.Fprintf(w, `{"data":[%s]}`, strings.Join(items, ","))
}

// offset gives each record id a stable position inside its window so a
// re-fetch produces the same content hash.
func offset(id string) time.Duration {
	n := 0
	for _, c := range id {
		n += int(c)
	}
	return time.Duration(n%1440) * time.Minute
}

type harness struct {
	up  *upstream
	srv *httptest.Server
	wh  warehouse.Warehouse
	led ledger.Store
	eng *Engine
}

func newHarness(t *testing.T) *harness {
	return newHarnessOn(t, "sqlite")
}

// newHarnessOn builds a harness over the named warehouse backend.
func newHarnessOn(t *testing.T, backend string) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{up: newUpstream()}
	h.srv = httptest.NewServer(h.up)
	t.Cleanup(h.srv.Close)

	var err error
	switch backend {
	case "sqlite":
		h.wh, err = warehouse.NewSQLite(filepath.Join(dir, "warehouse.db"))
	case "parquet":
		h.wh = warehouse.NewParquet(filepath.Join(dir, "warehouse"))
	default:
		t.Fatalf("unknown backend %q", backend)
	}
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.wh.Close() })

	led, err := ledger.NewSQLiteStore(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { led.Close() })
	h.led = led

	h.eng = h.engine(led)
	return h
}

func (h *harness) engine(led ledger.Store) *Engine {
	backoff := util.Backoff{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	return New(Deps{
		Warehouse: h.wh,
		Ledger:    led,
		Fetcher:   fetch.New(util.NewRateLimiter(0, 1), backoff, nil),
		Sources: func(ds domain.Dataset) (gather.Source, error) {
			return gather.NewBMRSSource(ds, gather.Options{BaseURL: h.srv.URL}), nil
		},
		Concurrency: 3,
	})
}

// eachWarehouse runs fn against a fresh harness per warehouse backend.
func eachWarehouse(t *testing.T, fn func(t *testing.T, h *harness)) {
	for _, backend := range []string{"sqlite", "parquet"} {
		t.Run(backend, func(t *testing.T) {
			fn(t, newHarnessOn(t, backend))
		})
	}
}

func (h *harness) entry(t *testing.T, d int) *domain.LedgerEntry {
	t.Helper()
	e, err := h.led.Get(context.Background(), "FREQ", domain.TimeRange{Start: day(d), End: day(d + 1)})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func (h *harness) hashes(t *testing.T) int {
	t.Helper()
	n, err := h.wh.Count(context.Background(), freq.Table)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestRunRetriesRateLimitedWindow(t *testing.T) {
	eachWarehouse(t, func(t *testing.T, h *harness) {
		h.up.script(1, response{ids: []string{"h1", "h2", "h3"}})
		h.up.script(2, response{status: http.StatusTooManyRequests}, response{ids: []string{"h4", "h5"}})

		sum, err := h.eng.Run(context.Background(), Request{Dataset: freq, Start: day(1), End: day(3)})
		if err != nil {
			t.Fatal(err)
		}
		if sum.Succeeded != 2 || sum.Failed != 0 || sum.Inserted != 5 {
			t.Errorf("summary = %s", sum)
		}
		if code := ExitCode(sum, err); code != ExitOK {
			t.Errorf("exit code = %d, want 0", code)
		}

		if e := h.entry(t, 1); e == nil || e.Status != domain.StatusSuccess || e.AttemptCount != 1 {
			t.Errorf("W1 ledger = %+v", e)
		}
		if e := h.entry(t, 2); e == nil || e.Status != domain.StatusSuccess || e.AttemptCount != 2 {
			t.Errorf("W2 ledger = %+v", e)
		}
		if n := h.hashes(t); n != 5 {
			t.Errorf("destination rows = %d, want 5", n)
		}
	})
}

func TestRunIsIdempotent(t *testing.T) {
	eachWarehouse(t, func(t *testing.T, h *harness) {
		h.up.script(1, response{ids: []string{"h1", "h2"}})
		h.up.script(2, response{ids: []string{"h3"}})

		if _, err := h.eng.Run(context.Background(), Request{Dataset: freq, Start: day(1), End: day(3)}); err != nil {
			t.Fatal(err)
		}
		before := h.up.total()

		sum, err := h.eng.Run(context.Background(), Request{Dataset: freq, Start: day(1), End: day(3)})
		if err != nil {
			t.Fatal(err)
		}
		if h.up.total() != before {
			t.Errorf("second run fetched %d times", h.up.total()-before)
		}
		if sum.Planned != 0 || sum.Inserted != 0 {
			t.Errorf("second run summary = %s", sum)
		}
		if n := h.hashes(t); n != 3 {
			t.Errorf("destination rows = %d, want 3", n)
		}
	})
}

func TestRunOverlappingRefetchInsertsOnlyNew(t *testing.T) {
	eachWarehouse(t, func(t *testing.T, h *harness) {
		h.up.script(1, response{ids: []string{"h1", "h2", "h3"}})
		if _, err := h.eng.Run(context.Background(), Request{Dataset: freq, Start: day(1), End: day(2)}); err != nil {
			t.Fatal(err)
		}

		// A fresh ledger forces W1 to be fetched again; upstream now overlaps.
		led2, err := ledger.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger2.db"))
		if err != nil {
			t.Fatal(err)
		}
		defer led2.Close()
		h.up.script(1, response{ids: []string{"h2", "h3", "h6"}})

		sum, err := h.engine(led2).Run(context.Background(), Request{Dataset: freq, Start: day(1), End: day(2)})
		if err != nil {
			t.Fatal(err)
		}
		if sum.Inserted != 1 || sum.Skipped != 2 {
			t.Errorf("summary = %s, want 1 inserted 2 skipped", sum)
		}
		if n := h.hashes(t); n != 4 {
			t.Errorf("destination rows = %d, want 4", n)
		}
	})
}

func TestRunIsolatesFailedWindow(t *testing.T) {
	eachWarehouse(t, func(t *testing.T, h *harness) {
		for d := 1; d <= 5; d++ {
			h.up.script(d, response{ids: []string{fmt.Sprintf("d%d", d)}})
		}
		h.up.script(2, response{status: http.StatusBadRequest})

		sum, err := h.eng.Run(context.Background(), Request{Dataset: freq, Start: day(1), End: day(6)})
		if err != nil {
			t.Fatal(err)
		}
		if sum.Succeeded != 4 || sum.Failed != 1 {
			t.Errorf("summary = %s", sum)
		}
		if code := ExitCode(sum, err); code != ExitIncomplete {
			t.Errorf("exit code = %d, want 1", code)
		}
		if e := h.entry(t, 2); e == nil || e.Status != domain.StatusFailed || e.LastError == "" {
			t.Errorf("W2 ledger = %+v", e)
		}

		// Second run only touches W2.
		h.up.script(2, response{ids: []string{"d2"}})
		hitsBefore := map[int]int{}
		for d := 1; d <= 5; d++ {
			hitsBefore[d] = h.up.hitCount(d)
		}
		sum, err = h.eng.Run(context.Background(), Request{Dataset: freq, Start: day(1), End: day(6)})
		if err != nil {
			t.Fatal(err)
		}
		if sum.Attempted != 1 || sum.Succeeded != 1 {
			t.Errorf("second run summary = %s", sum)
		}
		for d := 1; d <= 5; d++ {
			got := h.up.hitCount(d) - hitsBefore[d]
			want := 0
			if d == 2 {
				want = 1
			}
			if got != want {
				t.Errorf("day %d fetched %d times on second run, want %d", d, got, want)
			}
		}
		if e := h.entry(t, 2); e == nil || e.Status != domain.StatusSuccess || e.AttemptCount != 2 {
			t.Errorf("W2 ledger after retry = %+v", e)
		}
	})
}

func TestRunEmptyWindow(t *testing.T) {
	eachWarehouse(t, func(t *testing.T, h *harness) {
		sum, err := h.eng.Run(context.Background(), Request{Dataset: freq, Start: day(1), End: day(2)})
		if err != nil {
			t.Fatal(err)
		}
		if sum.Empty != 1 || ExitCode(sum, err) != ExitOK {
			t.Errorf("summary = %s", sum)
		}
		if e := h.entry(t, 1); e == nil || e.Status != domain.StatusEmpty {
			t.Errorf("ledger = %+v", e)
		}

		// Empty windows are complete unless the dataset asks to retry them.
		before := h.up.total()
		h.eng.Run(context.Background(), Request{Dataset: freq, Start: day(1), End: day(2)})
		if h.up.total() != before {
			t.Error("empty window fetched again")
		}
		retry := freq
		retry.RetryEmpty = true
		h.eng.Run(context.Background(), Request{Dataset: retry, Start: day(1), End: day(2)})
		if h.up.total() != before+1 {
			t.Error("retry_empty dataset should fetch the empty window again")
		}
	})
}

func TestRunAuthErrorIsRunLevel(t *testing.T) {
	h := newHarness(t)
	h.up.script(1, response{status: http.StatusUnauthorized})

	sum, err := h.eng.Run(context.Background(), Request{Dataset: freq, Start: day(1), End: day(2)})
	var ae *fetch.AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("error = %v, want AuthError", err)
	}
	if code := ExitCode(sum, err); code != ExitConfig {
		t.Errorf("exit code = %d, want 2", code)
	}
}

func TestRunPreflightFailure(t *testing.T) {
	h := newHarness(t)
	h.eng.sources = func(domain.Dataset) (gather.Source, error) { return nil, errors.New("no credentials") }

	sum, err := h.eng.Run(context.Background(), Request{Dataset: freq, Start: day(1), End: day(2)})
	if ExitCode(sum, err) != ExitConfig {
		t.Errorf("exit code = %d, want 2 (err=%v)", ExitCode(sum, err), err)
	}
	if h.up.total() != 0 {
		t.Error("no window should be attempted after a preflight failure")
	}
}

func TestRunDryRun(t *testing.T) {
	h := newHarness(t)
	sum, err := h.eng.Run(context.Background(), Request{Dataset: freq, Start: day(1), End: day(4), DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.DryRunWindows) != 3 || sum.Planned != 3 {
		t.Errorf("dry run windows = %v", sum.DryRunWindows)
	}
	if h.up.total() != 0 {
		t.Error("dry run hit the upstream")
	}
	if entries, _ := h.led.List(context.Background(), ""); len(entries) != 0 {
		t.Errorf("dry run wrote %d ledger entries", len(entries))
	}
}

func TestRunNotYetAvailableTail(t *testing.T) {
	h := newHarness(t)
	h.eng.now = func() time.Time { return day(5).Add(12 * time.Hour) }
	lagged := freq
	lagged.PublicationLag = 48 * time.Hour

	sum, err := h.eng.Run(context.Background(), Request{Dataset: lagged, Start: day(1), End: day(6)})
	if err != nil {
		t.Fatal(err)
	}
	// Available up to Jan 3 12:00: Jan 1 and Jan 2 are fetched.
	if sum.Attempted != 2 || sum.NotYetAvailable != 3 {
		t.Errorf("summary = %s", sum)
	}
	if ExitCode(sum, err) != ExitOK {
		t.Error("a not-yet-available tail should not fail the run")
	}
	if e := h.entry(t, 4); e != nil {
		t.Errorf("tail window persisted: %+v", e)
	}
}

func TestRunCancelledLeavesPending(t *testing.T) {
	eachWarehouse(t, func(t *testing.T, h *harness) {
		h.eng.concurrency = 1
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		h.up.script(1, response{status: http.StatusServiceUnavailable})
		h.up.onHit = func(string) { cancel() }

		sum, err := h.eng.Run(ctx, Request{Dataset: freq, Start: day(1), End: day(4)})
		if !Cancelled(err) {
			t.Fatalf("error = %v, want cancellation", err)
		}
		if sum.Pending != 3 || sum.Succeeded != 0 || sum.Failed != 0 {
			t.Errorf("summary = %s", sum)
		}
		if ExitCode(sum, err) != ExitIncomplete {
			t.Error("cancelled run should exit 1")
		}
		if e := h.entry(t, 1); e == nil || e.Status != domain.StatusPending {
			t.Errorf("interrupted window ledger = %+v", e)
		}
	})
}

func TestRunLimiterPastDeadlineLeavesPending(t *testing.T) {
	eachWarehouse(t, func(t *testing.T, h *harness) {
		h.eng.concurrency = 1
		backoff := util.Backoff{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
		// One token, and the next one an hour away.
		h.eng.fetcher = fetch.New(util.NewIntervalLimiter(time.Hour, 1), backoff, nil)
		h.up.script(1, response{ids: []string{"a1"}})
		h.up.script(2, response{ids: []string{"b1"}})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sum, err := h.eng.Run(ctx, Request{Dataset: freq, Start: day(1), End: day(3)})
		if err != nil {
			t.Fatal(err)
		}
		if sum.Succeeded != 1 || sum.Pending != 1 || sum.Failed != 0 {
			t.Errorf("summary = %s", sum)
		}
		if ExitCode(sum, err) != ExitIncomplete {
			t.Error("a window left pending should exit 1")
		}
		if h.up.total() != 1 {
			t.Errorf("upstream hits = %d, want 1", h.up.total())
		}
		for _, d := range []int{1, 2} {
			if e := h.entry(t, d); e != nil && e.Status == domain.StatusFailed {
				t.Errorf("day %d marked failed: %+v", d, e)
			}
		}
	})
}

func TestExitCode(t *testing.T) {
	if ExitCode(&Summary{Succeeded: 3, NotYetAvailable: 2}, nil) != ExitOK {
		t.Error("success plus tail should exit 0")
	}
	if ExitCode(&Summary{Pending: 1}, nil) != ExitIncomplete {
		t.Error("pending should exit 1")
	}
	if ExitCode(nil, &PreflightError{Step: "x", Err: errors.New("y")}) != ExitConfig {
		t.Error("preflight should exit 2")
	}
	if ExitCode(&Summary{}, &ledger.WriteError{Err: errors.New("disk full")}) != ExitIncomplete {
		t.Error("ledger failure should exit 1")
	}
}
