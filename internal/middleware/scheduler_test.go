package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSchedulerAuth_ValidToken(t *testing.T) {
	m := NewSchedulerAuth("scan-secret")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
	})

	r := httptest.NewRequest(http.MethodPost, "/api/abandoned-cart-scan", nil)
	r.Header.Set(SchedulerTokenHeader, "scan-secret")

	m.Middleware(next).ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestSchedulerAuth_WrongToken(t *testing.T) {
	m := NewSchedulerAuth("scan-secret")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/abandoned-cart-scan", nil)
	r.Header.Set(SchedulerTokenHeader, "other")

	m.Middleware(next).ServeHTTP(w, r)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestSchedulerAuth_MissingToken(t *testing.T) {
	m := NewSchedulerAuth("scan-secret")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/abandoned-cart-scan", nil)

	m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})).ServeHTTP(w, r)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestSchedulerAuth_DisabledWhenUnset(t *testing.T) {
	m := NewSchedulerAuth("")

	nextCalled := false
	r := httptest.NewRequest(http.MethodPost, "/api/abandoned-cart-scan", nil)

	m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
	})).ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called with auth disabled")
	}
}
