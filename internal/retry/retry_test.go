package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"syscall"
	"testing"
	"time"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

// fastConfig keeps test waits in the low milliseconds.
func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if c.MaxAttempts != 3 || c.InitialDelay != time.Second || c.MaxDelay != 8*time.Second || c.Multiplier != 2 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestDelays_MonotonicCappedStartsAtInitial(t *testing.T) {
	got := Delays(DefaultConfig(), 6)
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 8 * time.Second, 8 * time.Second,
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delay[%d] = %v, want %v (all: %v)", i, got[i], want[i], got)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("delays must be non-decreasing: %v", got)
		}
	}
}

func TestDo_SuccessFirstTry(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fastConfig(), func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil || v != "ok" || calls != 1 {
		t.Fatalf("got (%q, %v) after %d calls", v, err, calls)
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	var waits []time.Duration
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, err error, d time.Duration) {
		if attempt != len(waits)+1 {
			t.Errorf("OnRetry attempt = %d, want %d", attempt, len(waits)+1)
		}
		waits = append(waits, d)
	}

	v, err := Do(context.Background(), cfg, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, statusErr(503)
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("got (%d, %v)", v, err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if len(waits) != 2 || waits[0] != time.Millisecond || waits[1] != 2*time.Millisecond {
		t.Fatalf("unexpected waits: %v", waits)
	}
}

func TestDo_TerminalErrorNotRetried(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastConfig(), func(context.Context) (int, error) {
		calls++
		return 0, statusErr(400)
	})
	if calls != 1 {
		t.Fatalf("terminal error retried: calls = %d", calls)
	}
	var se statusErr
	if !errors.As(err, &se) || se != 400 {
		t.Fatalf("expected original 400 error, got %v", err)
	}
}

func TestDo_ExhaustedReturnsLastError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastConfig(), func(context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("attempt %d: %w", calls, statusErr(503))
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if err == nil || err.Error() != "attempt 3: status 503" {
		t.Fatalf("expected last error, got %v", err)
	}
}

func TestDo_CustomClassifier(t *testing.T) {
	calls := 0
	cfg := fastConfig()
	cfg.Retryable = func(error) bool { return true }
	_, _ = Do(context.Background(), cfg, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("domain error")
	})
	if calls != 3 {
		t.Fatalf("custom classifier ignored: calls = %d", calls)
	}
}

func TestDo_ContextCancelStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
	cfg.OnRetry = func(int, error, time.Duration) { cancel() }

	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, cfg, func(context.Context) (int, error) { return 0, statusErr(502) })
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected an error after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Do did not return after context cancellation")
	}
}

type transientErr bool

func (e transientErr) Error() string   { return "undecodable response" }
func (e transientErr) Transient() bool { return bool(e) }

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", statusErr(429), true},
		{"502", statusErr(502), true},
		{"503", statusErr(503), true},
		{"504", statusErr(504), true},
		{"500", statusErr(500), false},
		{"400", statusErr(400), false},
		{"401", statusErr(401), false},
		{"403", statusErr(403), false},
		{"wrapped 503", fmt.Errorf("submit: %w", statusErr(503)), true},
		{"url error", &url.Error{Op: "Post", URL: "http://gw", Err: errors.New("dial tcp: connection refused")}, true},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("invalid CPF"), false},
		{"transient", transientErr(true), true},
		{"wrapped transient", fmt.Errorf("submit: %w", transientErr(true)), true},
		{"not transient", transientErr(false), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("%s: IsRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}
