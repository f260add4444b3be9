package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/tbourn/go-payment-queue/internal/domain"
	"github.com/tbourn/go-payment-queue/internal/retry"
)

func testJob() *domain.PaymentJob {
	return &domain.PaymentJob{
		ID:             "job-1",
		PaymentType:    domain.PaymentTypePix,
		PaymentPayload: datatypes.JSON(`{"transaction_amount":10.00,"payment_method_id":"pix"}`),
		IdempotencyKey: "6d3c2f0e-5b1a-4d8e-9c7f-1a2b3c4d5e6f",
		Attempts:       1,
	}
}

func TestSubmit_SuccessParsesPixData(t *testing.T) {
	var gotReq *http.Request
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{
			"id": 1234567890,
			"status": "pending",
			"status_detail": "pending_waiting_transfer",
			"point_of_interaction": {"transaction_data": {
				"qr_code": "00020126...",
				"qr_code_base64": "iVBORw0KGgo=",
				"ticket_url": "https://example.test/ticket"
			}}
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "TEST-TOKEN", 2*time.Second)
	resp, err := c.Submit(context.Background(), testJob())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if gotReq.Method != http.MethodPost || gotReq.URL.Path != "/v1/payments" {
		t.Fatalf("unexpected request %s %s", gotReq.Method, gotReq.URL.Path)
	}
	if got := gotReq.Header.Get("X-Idempotency-Key"); got != testJob().IdempotencyKey {
		t.Fatalf("idempotency header = %q", got)
	}
	if got := gotReq.Header.Get("Authorization"); got != "Bearer TEST-TOKEN" {
		t.Fatalf("authorization header = %q", got)
	}
	if !strings.Contains(gotBody, `"transaction_amount":10.00`) {
		t.Fatalf("payload not forwarded verbatim: %s", gotBody)
	}

	if resp.ID != "1234567890" || resp.Status != StatusPending {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.QRCode == "" || resp.QRCodeBase64 == "" || resp.TicketURL == "" {
		t.Fatalf("pix data missing: %+v", resp)
	}
}

func TestSubmit_StringIDAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"pay_42","status":"approved"}`))
	}))
	defer srv.Close()

	resp, err := New(srv.URL, "", time.Second).Submit(context.Background(), testJob())
	if err != nil || resp.ID != "pay_42" || resp.Status != StatusApproved {
		t.Fatalf("resp=%+v err=%v", resp, err)
	}
}

func TestSubmit_Non2xxReturnsStatusError(t *testing.T) {
	for _, code := range []int{400, 401, 429, 503} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
		}))

		_, err := New(srv.URL, "", time.Second).Submit(context.Background(), testJob())
		srv.Close()

		var serr *StatusError
		if !errors.As(err, &serr) {
			t.Fatalf("code %d: expected *StatusError, got %T %v", code, err, err)
		}
		if serr.HTTPStatus() != code || !strings.Contains(serr.Error(), "nope") {
			t.Fatalf("code %d: unexpected error %v", code, serr)
		}
	}
}

func TestSubmit_UndecodableSuccessIsRetryable(t *testing.T) {
	for name, body := range map[string]string{
		"missing id":   `{"status":"approved"}`,
		"invalid json": `{"id": 12`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, "", time.Second).Submit(context.Background(), testJob())
			var derr *DecodeError
			if !errors.As(err, &derr) {
				t.Fatalf("expected *DecodeError, got %T %v", err, err)
			}
			if !retry.IsRetryable(err) {
				t.Fatalf("a 2xx the client could not read must be retried: %v", err)
			}
		})
	}
}

func TestSubmit_RetryAfterUndecodableSuccessRecoversPayment(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
		keys  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		keys = append(keys, r.Header.Get("X-Idempotency-Key"))
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		if n == 1 {
			_, _ = w.Write([]byte(`<html>upstream hiccup</html>`))
			return
		}
		_, _ = w.Write([]byte(`{"id":987,"status":"approved"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	job := testJob()
	cfg := retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
	resp, err := retry.Do(context.Background(), cfg, func(ctx context.Context) (*Response, error) {
		return c.Submit(ctx, job)
	})
	if err != nil || resp.ID != "987" {
		t.Fatalf("expected recovered payment 987, got %+v err=%v", resp, err)
	}
	if len(keys) != 2 || keys[0] != keys[1] || keys[0] != job.IdempotencyKey {
		t.Fatalf("retry must reuse the job key, got %v", keys)
	}
}

func TestSubmit_EmptyPayload(t *testing.T) {
	job := testJob()
	job.PaymentPayload = nil
	if _, err := New("http://unused", "", time.Second).Submit(context.Background(), job); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestSubmit_SameKeyOnEveryAttempt(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("X-Idempotency-Key"))
		n := len(keys)
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":1,"status":"approved"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	job := testJob()
	for i := 0; i < 3; i++ {
		_, _ = c.Submit(context.Background(), job)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(keys))
	}
	for _, k := range keys {
		if k != job.IdempotencyKey {
			t.Fatalf("key changed between attempts: %v", keys)
		}
	}
}

func TestSubmit_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(url, "", time.Second).Submit(context.Background(), testJob())
	if err == nil {
		t.Fatalf("expected transport error against closed server")
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		t.Fatalf("transport error must not be a StatusError")
	}
}
