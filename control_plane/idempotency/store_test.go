package idempotency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newMemoryStore(t *testing.T) *Store {
	t.Helper()
	b, err := NewCacheBackend(1 << 20)
	if err != nil {
		t.Fatalf("NewCacheBackend: %v", err)
	}
	t.Cleanup(b.Close)
	return NewStore(b, time.Hour)
}

// mapKV stands in for the Redis coordinator.
type mapKV struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (k *mapKV) GetValue(_ context.Context, key string) ([]byte, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *mapKV) SetValueNX(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.m[key]; ok {
		return false, nil
	}
	k.m[key] = value
	return true, nil
}

func (k *mapKV) SetValue(_ context.Context, key string, value []byte, _ time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = value
	return nil
}

func (k *mapKV) DeleteValue(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, key)
	return nil
}

func TestTwoPhaseProtocol(t *testing.T) {
	backends := map[string]*Store{
		"ristretto": newMemoryStore(t),
		"redis":     NewStore(NewRedisBackend(&mapKV{m: map[string][]byte{}}), time.Hour),
	}
	for name, s := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec, err := s.Begin(ctx, "k")
			if err != nil || rec != nil {
				t.Fatalf("first Begin = %v, %v", rec, err)
			}
			if _, err := s.Begin(ctx, "k"); !errors.Is(err, ErrInFlight) {
				t.Fatalf("second Begin err = %v, want ErrInFlight", err)
			}
			if err := s.Complete(ctx, "k", http.StatusCreated, nil, []byte(`{"ok":true}`)); err != nil {
				t.Fatal(err)
			}
			rec, err = s.Begin(ctx, "k")
			if err != nil || rec == nil || rec.StatusCode != http.StatusCreated || string(rec.Body) != `{"ok":true}` {
				t.Fatalf("replay = %+v, %v", rec, err)
			}

			if _, err := s.Begin(ctx, "aborted"); err != nil {
				t.Fatal(err)
			}
			_ = s.Abort(ctx, "aborted")
			if rec, err := s.Begin(ctx, "aborted"); err != nil || rec != nil {
				t.Fatalf("Begin after Abort = %v, %v", rec, err)
			}
		})
	}
}

func TestMiddlewareReplaysResponse(t *testing.T) {
	s := newMemoryStore(t)
	var calls int32
	h := Middleware(s, func(*http.Request) string { return "u1" }, zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"call":` + string(rune('0'+n)) + `}`))
	}))

	do := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/ad-set-rules", nil)
		if key != "" {
			req.Header.Set(HeaderKey, key)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	first := do("abc")
	second := do("abc")
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("codes = %d, %d", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replay body %q != %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get(HeaderReplay) != "true" || second.Header().Get("Content-Type") != "application/json" {
		t.Errorf("replay headers = %v", second.Header())
	}
	if calls != 1 {
		t.Errorf("handler ran %d times", calls)
	}

	do("")
	do("")
	if calls != 3 {
		t.Errorf("requests without a key should always run, calls = %d", calls)
	}
}

func TestMiddlewareDoesNotStoreServerErrors(t *testing.T) {
	s := newMemoryStore(t)
	var calls int32
	h := Middleware(s, func(*http.Request) string { return "u1" }, zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/x", nil)
		req.Header.Set(HeaderKey, "k")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want retry after 5xx", calls)
	}
}
