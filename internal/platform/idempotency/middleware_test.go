package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var testClock = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func newGuardedHandler(t *testing.T, store Store, next http.Handler) http.Handler {
	t.Helper()
	middleware := Middleware(store, WithClock(func() time.Time { return testClock }))
	return middleware(next)
}

func postWithKey(path, key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(defaultHeaderName, key)
	}
	return req
}

func decodeErrorCode(t *testing.T, payload []byte) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	return body.Error
}

func TestMiddlewareRejectsMissingKey(t *testing.T) {
	called := false
	handler := newGuardedHandler(t, NewMemoryStore(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, postWithKey("/bookings", "", `{"email":"jane@example.com"}`))

	if called {
		t.Fatal("handler must not run without an idempotency key")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != "idempotency_key_required" {
		t.Fatalf("unexpected error code %s", code)
	}
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	var calls int
	handler := newGuardedHandler(t, NewMemoryStore(), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"bookingId":"bkg_1"}`))
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, postWithKey("/bookings", "key-1", `{"email":"jane@example.com"}`))
	if first.Code != http.StatusCreated {
		t.Fatalf("unexpected first response status: %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, postWithKey("/bookings", "key-1", `{"email":"jane@example.com"}`))

	if calls != 1 {
		t.Fatalf("expected exactly one handler run, got %d", calls)
	}
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed status 201, got %d", second.Code)
	}
	if second.Header().Get(replayHeaderName) != "true" {
		t.Fatal("expected the replay marker header")
	}
	if got := second.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected content-type json, got %s", got)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replayed body %s differs from original %s", second.Body.String(), first.Body.String())
	}
}

func TestMiddlewareRejectsKeyReuseWithDifferentBody(t *testing.T) {
	handler := newGuardedHandler(t, NewMemoryStore(), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, postWithKey("/bookings", "key-1", `{"hours":2}`))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request success, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, postWithKey("/bookings", "key-1", `{"hours":3}`))

	if second.Code != http.StatusConflict {
		t.Fatalf("expected conflict status, got %d", second.Code)
	}
	if code := decodeErrorCode(t, second.Body.Bytes()); code != "idempotency_key_conflict" {
		t.Fatalf("unexpected error code %s", code)
	}
}

func TestMiddlewarePendingReservationConflicts(t *testing.T) {
	store := NewMemoryStore()
	handler := newGuardedHandler(t, store, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run while the key is held by another request")
	}))

	req := postWithKey("/bookings", "key-1", `{"hours":2}`)
	body, err := readAndReplayBody(req)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if _, err := store.Reserve(req.Context(), "key-1", requestFingerprint(req, body), testClock, time.Hour); err != nil {
		t.Fatalf("failed to seed reservation: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a held key, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != "idempotency_in_progress" {
		t.Fatalf("unexpected error code %s", code)
	}
}

func TestMiddlewareReleasesKeyWhenSaveFails(t *testing.T) {
	store := &stubGuardStore{failSave: true}
	handler := newGuardedHandler(t, store, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, postWithKey("/bookings", "key-1", `{"hours":2}`))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 response, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != "idempotency_store_error" {
		t.Fatalf("unexpected error code %s", code)
	}
	if !store.released {
		t.Fatal("a failed save must release the key so the caller can retry")
	}
}

func TestMiddlewareSkipsReads(t *testing.T) {
	called := false
	handler := newGuardedHandler(t, NewMemoryStore(), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/bookings/bkg_1", nil))

	if !called {
		t.Fatal("reads pass through without a key")
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

type stubGuardStore struct {
	failSave bool
	released bool
}

func (s *stubGuardStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	return Reservation{State: ReservationStateNew}, nil
}

func (s *stubGuardStore) SaveResponse(context.Context, string, string, Response, time.Time, time.Duration) error {
	if s.failSave {
		return errors.New("save failed")
	}
	return nil
}

func (s *stubGuardStore) Release(context.Context, string, string) error {
	s.released = true
	return nil
}

func (s *stubGuardStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}
