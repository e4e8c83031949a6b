package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type hintErr struct{ d time.Duration }

func (e hintErr) Error() string                     { return "rate limited" }
func (e hintErr) RetryAfter() (time.Duration, bool) { return e.d, true }

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3
	b := Backoff{MaxAttempts: 5}

	n, err := b.Retry(context.Background(), func(int) error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts || n != targetAttempts {
		t.Errorf("Retry called fn %d times (reported %d), want %d", attempts, n, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3
	b := Backoff{MaxAttempts: maxAttempts}

	n, err := b.Retry(context.Background(), func(int) error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts || n != maxAttempts {
		t.Errorf("Retry called fn %d times (reported %d), want %d", attempts, n, maxAttempts)
	}
}

func TestRetryPermanent(t *testing.T) {
	sentinel := errors.New("bad request")
	attempts := 0
	b := Backoff{MaxAttempts: 5}

	_, err := b.Retry(context.Background(), func(int) error {
		attempts++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Retry error = %v, want %v", err, sentinel)
	}
	if attempts != 1 {
		t.Errorf("permanent error retried: %d attempts", attempts)
	}
}

func TestRetryCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := Backoff{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		_, err := b.Retry(ctx, func(int) error { return errors.New("boom") })
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Retry error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Retry did not return after cancellation")
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, MaxHint: 10 * time.Second}

	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := b.Delay(i+1, 0); got != w*time.Millisecond {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}

	if got := b.Delay(1, 3*time.Second); got != 3*time.Second {
		t.Errorf("Delay with hint = %v, want 3s", got)
	}
	if got := b.Delay(1, time.Minute); got != 10*time.Second {
		t.Errorf("Delay with oversized hint = %v, want capped 10s", got)
	}
}

func TestBackoffJitter(t *testing.T) {
	b := Backoff{BaseDelay: time.Second, MaxDelay: time.Second, Jitter: 0.5, rand: func() float64 { return 0 }}
	if got := b.Delay(1, 0); got != 500*time.Millisecond {
		t.Errorf("Delay with min jitter = %v, want 500ms", got)
	}
	b.rand = func() float64 { return 0.999999 }
	if got := b.Delay(1, 0); got < 999*time.Millisecond || got > time.Second {
		t.Errorf("Delay with max jitter = %v, want ~1s", got)
	}
}

func TestRetryHonoursHint(t *testing.T) {
	b := Backoff{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	attempts := 0
	start := time.Now()
	_, err := b.Retry(context.Background(), func(int) error {
		attempts++
		if attempts == 1 {
			return hintErr{d: 50 * time.Millisecond}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("retry did not wait for hint: %v", elapsed)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewIntervalLimiter(20*time.Millisecond, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Errorf("3 tokens at 20ms interval took %v, want >= 40ms", elapsed)
	}
	if rl.Granted() != 3 {
		t.Errorf("Granted = %d, want 3", rl.Granted())
	}
}

func TestRateLimiterCancel(t *testing.T) {
	rl := NewIntervalLimiter(time.Hour, 1)
	ctx, cancel := context.WithCancel(context.Background())
	if err := rl.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Error("Wait should fail on a cancelled context")
	}
}

func TestRateLimiterDeadline(t *testing.T) {
	rl := NewIntervalLimiter(time.Hour, 1)
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	err := rl.Wait(ctx)
	if !errors.Is(err, ErrWaitDeadline) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want ErrWaitDeadline", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Wait blocked for %v before refusing", elapsed)
	}
	if ctx.Err() != nil {
		t.Error("refusal should come before the deadline")
	}
	if rl.Granted() != 1 {
		t.Errorf("Granted = %d, want 1", rl.Granted())
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0, 1)
	for i := 0; i < 100; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
}

func TestParseSpan(t *testing.T) {
	cases := map[string]time.Duration{
		"":      0,
		"1h":    time.Hour,
		"30m":   30 * time.Minute,
		"1d":    24 * time.Hour,
		"7D":    7 * 24 * time.Hour,
		"2w":    14 * 24 * time.Hour,
		"90s":   90 * time.Second,
		"1h30m": 90 * time.Minute,
	}
	for in, want := range cases {
		got, err := ParseSpan(in)
		if err != nil {
			t.Errorf("ParseSpan(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseSpan(%q) = %v, want %v", in, got, want)
		}
	}

	for _, bad := range []string{"xd", "-1d", "soon", "-5m"} {
		if _, err := ParseSpan(bad); err == nil {
			t.Errorf("ParseSpan(%q) should fail", bad)
		}
	}
}

func TestSettlementPeriods(t *testing.T) {
	cases := map[string]int{
		"2025-01-15": 48,
		"2025-03-30": 46, // clocks go forward
		"2025-10-26": 50, // clocks go back
	}
	for date, want := range cases {
		got, err := PeriodsInDay(date)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("PeriodsInDay(%s) = %d, want %d", date, got, want)
		}
	}
}

func TestSettlementPeriodStart(t *testing.T) {
	got, err := SettlementPeriodStart("2025-01-15", 1)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("winter SP1 = %v, want %v", got, want)
	}

	got, err = SettlementPeriodStart("2025-07-01", 1)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2025, 6, 30, 23, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("summer SP1 = %v, want %v", got, want)
	}

	got, err = SettlementPeriodStart("2025-10-26", 50)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2025, 10, 26, 23, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("autumn SP50 = %v, want %v", got, want)
	}

	if _, err := SettlementPeriodStart("2025-01-15", 49); err == nil {
		t.Error("SP49 on a 48-period day should fail")
	}
	if _, err := SettlementPeriodStart("15/01/2025", 1); err == nil {
		t.Error("bad date should fail")
	}

	date, period := SettlementPeriodOf(time.Date(2025, 6, 30, 23, 15, 0, 0, time.UTC))
	if date != "2025-07-01" || period != 1 {
		t.Errorf("SettlementPeriodOf = %s/%d, want 2025-07-01/1", date, period)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "text", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "k=v") {
		t.Errorf("unexpected text output: %q", out)
	}

	buf.Reset()
	NewLogger("debug", "json", &buf).Debug("x")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("json handler output = %q", buf.String())
	}

	if ParseLevel("bogus") != slog.LevelInfo {
		t.Error("unknown level should map to info")
	}
}
