package hmacauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func newVerifier(now time.Time) *Verifier {
	return &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}
}

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"invoiceId":"INV-1"}`
	now := time.Unix(1_700_000_000, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/investments", strings.NewReader(body))
	SignRequest(req, "secret", []byte(body), now)
	rec := httptest.NewRecorder()

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	})

	newVerifier(now).Middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if seen != body {
		t.Fatalf("handler should see the original body, got %q", seen)
	}
}

func TestMiddleware_Rejects(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := `{"foo":"bar"}`
	ts := strconv.FormatInt(now.Unix(), 10)

	cases := []struct {
		name   string
		mutate func(r *http.Request)
		code   int
	}{
		{"bad signature", func(r *http.Request) {
			r.Header.Set(HeaderSignature, "deadbeef")
			r.Header.Set(HeaderTimestamp, ts)
		}, http.StatusUnauthorized},
		{"missing signature", func(r *http.Request) {
			r.Header.Set(HeaderTimestamp, ts)
		}, http.StatusUnauthorized},
		{"missing timestamp", func(r *http.Request) {
			r.Header.Set(HeaderSignature, Sign("secret", r.Method, r.URL.Path, ts, []byte(body)))
		}, http.StatusUnauthorized},
		{"stale timestamp", func(r *http.Request) {
			SignRequest(r, "secret", []byte(body), now.Add(-2*time.Minute))
		}, http.StatusUnauthorized},
		{"signed for another path", func(r *http.Request) {
			r.Header.Set(HeaderTimestamp, ts)
			r.Header.Set(HeaderSignature, Sign("secret", r.Method, "/api/v1/settlements", ts, []byte(body)))
		}, http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/investments", strings.NewReader(body))
			tc.mutate(req)
			rec := httptest.NewRecorder()

			newVerifier(now).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			})).ServeHTTP(rec, req)

			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("expected json error, got %q", ct)
			}
		})
	}
}

func TestMiddleware_BodyLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := strings.Repeat("x", 64)
	v := newVerifier(now)
	v.MaxBodyBytes = 32

	req := httptest.NewRequest(http.MethodPost, "/api/v1/investments", strings.NewReader(body))
	SignRequest(req, "secret", []byte(body), now)
	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestMiddleware_DisabledWithoutSecret(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements", nil)
	rec := httptest.NewRecorder()
	(&Verifier{}).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}
