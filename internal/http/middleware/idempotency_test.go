package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func idemRouter(lookup IdempotencyLookup, inspect func(*gin.Context)) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Owner(), IdempotencyValidator(IdempotencyOptions{}, lookup))
	h := func(c *gin.Context) {
		if inspect != nil {
			inspect(c)
		}
		c.Status(http.StatusNoContent)
	}
	r.POST("/payments", h)
	r.GET("/payments", h)
	return r
}

func TestIdempotencyValidator_NoHeader(t *testing.T) {
	called := false
	r := idemRouter(func(context.Context, string, string, time.Time) (bool, error) {
		called = true
		return false, nil
	}, func(c *gin.Context) {
		if _, ok := GetIdempotencyKey(c); ok {
			t.Fatalf("no key expected")
		}
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/payments", nil))
	if w.Code != http.StatusNoContent || called {
		t.Fatalf("code=%d lookupCalled=%v", w.Code, called)
	}
}

func TestIdempotencyValidator_RejectsBadKeys(t *testing.T) {
	r := idemRouter(nil, nil)
	for _, key := range []string{strings.Repeat("a", 129), "has space", "semi;colon"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/payments", nil)
		req.Header.Set(HeaderIdempotencyKey, key)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "bad_idempotency_key") {
			t.Fatalf("key %q: code=%d body=%s", key, w.Code, w.Body.String())
		}
	}
}

func TestIdempotencyValidator_IgnoredOnGET(t *testing.T) {
	r := idemRouter(nil, func(c *gin.Context) {
		if _, ok := GetIdempotencyKey(c); ok {
			t.Fatalf("key must not be honored on GET")
		}
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/payments", nil)
	req.Header.Set(HeaderIdempotencyKey, "bad key is ignored")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("code = %d", w.Code)
	}
}

func TestIdempotencyValidator_LookupHitMissAndError(t *testing.T) {
	var gotOwner string
	lookup := func(_ context.Context, owner, key string, _ time.Time) (bool, error) {
		gotOwner = owner
		switch key {
		case "seen":
			return true, nil
		case "broken":
			return false, errors.New("db down")
		}
		return false, nil
	}

	cases := []struct {
		key    string
		replay bool
	}{
		{"seen", true},
		{"fresh", false},
		{"broken", false},
	}
	for _, tc := range cases {
		r := idemRouter(lookup, func(c *gin.Context) {
			k, ok := GetIdempotencyKey(c)
			if !ok || k != tc.key {
				t.Fatalf("key = %q, %v", k, ok)
			}
			if IsReplay(c) != tc.replay || IsRateBypass(c) != tc.replay {
				t.Fatalf("key %q: replay=%v bypass=%v", tc.key, IsReplay(c), IsRateBypass(c))
			}
		})
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/payments", nil)
		req.Header.Set(HeaderIdempotencyKey, tc.key)
		req.Header.Set(HeaderOwnerID, "owner-7")
		r.ServeHTTP(w, req)
		if w.Code != http.StatusNoContent {
			t.Fatalf("key %q: code = %d", tc.key, w.Code)
		}
		if gotOwner != "owner-7" {
			t.Fatalf("lookup owner = %q", gotOwner)
		}
	}
}
