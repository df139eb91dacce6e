// Package idempotency replays the stored response of a request carrying an
// X-Idempotency-Key. Keys go through two phases: LOCKED while the first
// request runs, then RESULT with the captured response.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

type State string

const (
	StateLocked State = "LOCKED"
	StateResult State = "RESULT"
)

// ErrInFlight is returned by Begin when another request holds the key.
var ErrInFlight = errors.New("request with this idempotency key is in flight")

// lockTTL bounds how long a crashed request can block its key.
const lockTTL = 2 * time.Minute

// Record is the stored state of one key.
type Record struct {
	State      State       `json:"state"`
	StatusCode int         `json:"status_code,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	Headers    http.Header `json:"headers,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Backend is a byte-valued key store with TTLs and set-if-absent.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Store layers the two-phase protocol over a Backend.
type Store struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
}

func NewStore(b Backend, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{backend: b, ttl: ttl, now: time.Now}
}

func (s *Store) load(ctx context.Context, key string) (*Record, error) {
	raw, ok, err := s.backend.Get(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record %s: %w", key, err)
	}
	return &rec, nil
}

// Begin claims key for a new request. It returns the stored record when the
// key already completed, ErrInFlight while another request holds it, and
// (nil, nil) when the caller now owns the key.
func (s *Store) Begin(ctx context.Context, key string) (*Record, error) {
	lock, err := json.Marshal(Record{State: StateLocked, CreatedAt: s.now().UTC()})
	if err != nil {
		return nil, err
	}
	acquired, err := s.backend.SetNX(ctx, key, lock, lockTTL)
	if err != nil {
		return nil, err
	}
	if acquired {
		return nil, nil
	}

	rec, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		// Expired between SetNX and Get; retry once.
		if acquired, err = s.backend.SetNX(ctx, key, lock, lockTTL); err != nil || acquired {
			return nil, err
		}
		return nil, ErrInFlight
	}
	if rec.State == StateLocked {
		return nil, ErrInFlight
	}
	return rec, nil
}

// Complete stores the response for key.
func (s *Store) Complete(ctx context.Context, key string, status int, headers http.Header, body []byte) error {
	raw, err := json.Marshal(Record{
		State:      StateResult,
		StatusCode: status,
		Body:       body,
		Headers:    headers,
		CreatedAt:  s.now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, key, raw, s.ttl)
}

// Abort releases key so the request can be retried.
func (s *Store) Abort(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, key)
}

// CacheBackend keeps records in process with ristretto. It serves
// single-node deployments and fronts nothing else.
type CacheBackend struct {
	mu sync.Mutex
	c  *ristretto.Cache[string, []byte]
}

// NewCacheBackend sizes the cache by total value bytes.
func NewCacheBackend(maxCostBytes int64) (*CacheBackend, error) {
	if maxCostBytes <= 0 {
		maxCostBytes = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        maxCostBytes / 100 * 10,
		MaxCost:            maxCostBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &CacheBackend{c: c}, nil
}

func (b *CacheBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, ok := b.c.Get(key)
	return val, ok, nil
}

func (b *CacheBackend) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.c.Get(key); ok {
		return false, nil
	}
	b.c.SetWithTTL(key, value, int64(len(value)), ttl)
	b.c.Wait()
	return true, nil
}

func (b *CacheBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.c.SetWithTTL(key, value, int64(len(value)), ttl)
	b.c.Wait()
	return nil
}

func (b *CacheBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.c.Del(key)
	return nil
}

func (b *CacheBackend) Close() {
	b.c.Close()
}

// KV is the raw value surface of store.RedisCoordinator.
type KV interface {
	GetValue(ctx context.Context, key string) ([]byte, bool, error)
	SetValueNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteValue(ctx context.Context, key string) error
}

// RedisBackend shares records across replicas through the coordination
// Redis.
type RedisBackend struct {
	kv KV
}

func NewRedisBackend(kv KV) *RedisBackend {
	return &RedisBackend{kv: kv}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return b.kv.GetValue(ctx, key)
}

func (b *RedisBackend) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return b.kv.SetValueNX(ctx, key, value, ttl)
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.kv.SetValue(ctx, key, value, ttl)
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.kv.DeleteValue(ctx, key)
}
