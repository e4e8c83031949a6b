package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gridsync/internal/domain"
	"gridsync/internal/gather"
	"gridsync/internal/util"
)

func fastBackoff(attempts int) util.Backoff {
	return util.Backoff{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxHint: 50 * time.Millisecond}
}

func window() domain.SourceWindow {
	return domain.SourceWindow{
		DatasetID: "FUELHH",
		Start:     time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC),
	}
}

func source(url string) gather.Source {
	return gather.NewBMRSSource(domain.Dataset{ID: "FUELHH", Path: "FUELHH"}, gather.Options{BaseURL: url})
}

type countingObserver struct {
	mu       sync.Mutex
	requests map[string]int
	retries  int
}

func (o *countingObserver) ObserveRequest(_, class string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.requests == nil {
		o.requests = make(map[string]int)
	}
	o.requests[class]++
}

func (o *countingObserver) ObserveRetry(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

func TestFetch429ThenSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"data":[{"id":"h4"},{"id":"h5"}]}`))
	}))
	defer srv.Close()

	obs := &countingObserver{}
	f := New(nil, fastBackoff(5), obs)
	res, err := f.Fetch(context.Background(), source(srv.URL), window())
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	if len(res.Pages) != 1 {
		t.Errorf("Pages = %d, want 1", len(res.Pages))
	}
	if obs.requests["rate_limited"] != 1 || obs.requests["ok"] != 1 || obs.retries != 1 {
		t.Errorf("observer = %+v retries=%d", obs.requests, obs.retries)
	}
}

func TestFetchPaginatesSequentially(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		switch r.URL.Query().Get("next") {
		case "":
			w.Write([]byte(`{"data":[{"id":1}],"next":"p2"}`))
		case "p2":
			w.Write([]byte(`{"data":[{"id":2}],"next":"p3"}`))
		default:
			w.Write([]byte(`{"data":[{"id":3}]}`))
		}
	}))
	defer srv.Close()

	rl := util.NewRateLimiter(0, 1)
	f := New(rl, fastBackoff(3), nil)
	res, err := f.Fetch(context.Background(), source(srv.URL), window())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Pages) != 3 || res.Attempts != 1 {
		t.Errorf("pages=%d attempts=%d, want 3/1", len(res.Pages), res.Attempts)
	}
	if maxInFlight.Load() != 1 {
		t.Errorf("continuation requests overlapped: %d", maxInFlight.Load())
	}
	if rl.Granted() != 3 {
		t.Errorf("limiter granted %d tokens, want 3", rl.Granted())
	}
}

func TestFetchRepeatedTokenStops(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"data":[],"next":"same"}`))
	}))
	defer srv.Close()

	res, err := New(nil, fastBackoff(1), nil).Fetch(context.Background(), source(srv.URL), window())
	if err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 2 || len(res.Pages) != 2 {
		t.Errorf("hits=%d pages=%d, want 2/2", hits.Load(), len(res.Pages))
	}
}

func TestFetchFatal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	res, err := New(nil, fastBackoff(5), nil).Fetch(context.Background(), source(srv.URL), window())
	var fe *FatalFetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want FatalFetchError", err)
	}
	if hits.Load() != 1 || res.Attempts != 1 {
		t.Errorf("fatal error retried: hits=%d attempts=%d", hits.Load(), res.Attempts)
	}
}

func TestFetchAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(nil, fastBackoff(5), nil).Fetch(context.Background(), source(srv.URL), window())
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("error = %v, want AuthError", err)
	}
}

func TestFetchExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	res, err := New(nil, fastBackoff(3), nil).Fetch(context.Background(), source(srv.URL), window())
	var te *TransientFetchError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want TransientFetchError", err)
	}
	if hits.Load() != 3 || res.Attempts != 3 {
		t.Errorf("hits=%d attempts=%d, want 3/3", hits.Load(), res.Attempts)
	}
}

func TestFetchInvalidBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer srv.Close()

	_, err := New(nil, fastBackoff(3), nil).Fetch(context.Background(), source(srv.URL), window())
	var fe *FatalFetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want FatalFetchError", err)
	}
}

func TestFetchCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	b := util.Backoff{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	done := make(chan error, 1)
	go func() {
		_, err := New(nil, b, nil).Fetch(ctx, source(srv.URL), window())
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Fetch did not return after cancellation")
	}
}

func TestFetchLimiterPastDeadline(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	lim := util.NewIntervalLimiter(time.Hour, 1)
	if err := lim.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := New(lim, fastBackoff(3), nil).Fetch(ctx, source(srv.URL), window())
	if !errors.Is(err, util.ErrWaitDeadline) {
		t.Fatalf("error = %v, want ErrWaitDeadline", err)
	}
	if Retryable(err) {
		t.Error("a limiter refusal should not be retried")
	}
	if hits.Load() != 0 {
		t.Errorf("upstream hits = %d, want 0", hits.Load())
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&gather.StatusError{StatusCode: 500}, "transient"},
		{&gather.StatusError{StatusCode: 408}, "transient"},
		{&gather.StatusError{StatusCode: 429}, "rate_limited"},
		{&gather.StatusError{StatusCode: 403}, "auth"},
		{&gather.StatusError{StatusCode: 404}, "fatal"},
		{context.DeadlineExceeded, "transient"},
		{errors.New("connection reset by peer"), "transient"},
		{context.Canceled, "cancelled"},
		{util.ErrWaitDeadline, "deadline"},
	}
	for _, c := range cases {
		if got := ClassName(Classify(c.err)); got != c.want {
			t.Errorf("Classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}

	rl := Classify(&gather.StatusError{StatusCode: 429, RetryAfter: 3 * time.Second, HasRetryAfter: true})
	var h util.RetryHinter
	if !errors.As(rl, &h) {
		t.Fatal("rate limited error should carry a hint")
	}
	if d, ok := h.RetryAfter(); !ok || d != 3*time.Second {
		t.Errorf("hint = %v %v", d, ok)
	}
}
