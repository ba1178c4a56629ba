package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// memKV is an in-memory stand-in for jetstream.KeyValue.
type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return &memKVEntry{key: key, value: v}, nil
}

func (m *memKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return 1, nil
}

// Remaining jetstream.KeyValue interface methods are no-ops.
func (m *memKV) Bucket() string { return "test" }
func (m *memKV) Create(_ context.Context, _ string, _ []byte, _ ...jetstream.KVCreateOpt) (uint64, error) {
	return 0, nil
}
func (m *memKV) Update(_ context.Context, _ string, _ []byte, _ uint64) (uint64, error) {
	return 0, nil
}
func (m *memKV) PutString(_ context.Context, _, _ string) (uint64, error)             { return 0, nil }
func (m *memKV) Delete(_ context.Context, _ string, _ ...jetstream.KVDeleteOpt) error { return nil }
func (m *memKV) Purge(_ context.Context, _ string, _ ...jetstream.KVDeleteOpt) error  { return nil }
func (m *memKV) GetRevision(_ context.Context, _ string, _ uint64) (jetstream.KeyValueEntry, error) {
	return nil, nil
}
func (m *memKV) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) { return nil, nil }
func (m *memKV) ListKeys(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyLister, error) {
	return nil, nil
}
func (m *memKV) ListKeysFiltered(_ context.Context, _ ...string) (jetstream.KeyLister, error) {
	return nil, nil
}
func (m *memKV) History(_ context.Context, _ string, _ ...jetstream.WatchOpt) ([]jetstream.KeyValueEntry, error) {
	return nil, nil
}
func (m *memKV) Watch(_ context.Context, _ string, _ ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	return nil, nil
}
func (m *memKV) WatchAll(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	return nil, nil
}
func (m *memKV) WatchFiltered(_ context.Context, _ []string, _ ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	return nil, nil
}
func (m *memKV) Status(_ context.Context) (jetstream.KeyValueStatus, error)      { return nil, nil }
func (m *memKV) PurgeDeletes(_ context.Context, _ ...jetstream.KVPurgeOpt) error { return nil }

type memKVEntry struct {
	key   string
	value []byte
}

func (e *memKVEntry) Bucket() string                  { return "test" }
func (e *memKVEntry) Key() string                     { return e.key }
func (e *memKVEntry) Value() []byte                   { return e.value }
func (e *memKVEntry) Revision() uint64                { return 1 }
func (e *memKVEntry) Created() time.Time              { return time.Time{} }
func (e *memKVEntry) Delta() uint64                   { return 0 }
func (e *memKVEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

func countingHandler(counter *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*counter++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"call":%d}`, *counter)
	})
}

func TestIdempotencyNoHeaderPassesThrough(t *testing.T) {
	counter := 0
	handler := Idempotency(newMemKV())(countingHandler(&counter))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tasks", http.NoBody))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if counter != 1 {
		t.Fatalf("expected 1 call, got %d", counter)
	}
}

func TestIdempotencyStoresFirstResponse(t *testing.T) {
	counter := 0
	kv := newMemKV()
	handler := Idempotency(kv)(countingHandler(&counter))

	req := httptest.NewRequest(http.MethodPost, "/tasks", http.NoBody)
	req.Header.Set("Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if counter != 1 {
		t.Fatalf("expected 1 call, got %d", counter)
	}
	kv.mu.Lock()
	_, ok := kv.data[idempotencyKey(req, "key-1")]
	kv.mu.Unlock()
	if !ok {
		t.Fatal("expected scoped key stored")
	}
}

func TestIdempotencyReplaysWithoutRerunning(t *testing.T) {
	counter := 0
	handler := Idempotency(newMemKV())(countingHandler(&counter))

	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/tasks/t1/move", http.NoBody)
		req.Header.Set("Idempotency-Key", "move-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rec.Code)
		}
		if body := rec.Body.String(); body != `{"call":1}` {
			t.Fatalf("expected replay of first response, got %s", body)
		}
	}

	if counter != 1 {
		t.Fatalf("expected handler called once, got %d", counter)
	}
}

func TestIdempotencyIgnoresReads(t *testing.T) {
	counter := 0
	handler := Idempotency(newMemKV())(countingHandler(&counter))

	for range 2 {
		req := httptest.NewRequest(http.MethodGet, "/tasks", http.NoBody)
		req.Header.Set("Idempotency-Key", "get-key")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	if counter != 2 {
		t.Fatalf("expected 2 calls, got %d", counter)
	}
}

// The same client key used against two endpoints must not replay the first
// endpoint's response for the second.
func TestIdempotencyKeyScopedToEndpoint(t *testing.T) {
	counter := 0
	handler := Idempotency(newMemKV())(countingHandler(&counter))

	paths := []string{"/tasks/t1/approve", "/tasks/t2/approve"}
	bodies := make([]string, 0, len(paths))
	for _, path := range paths {
		req := httptest.NewRequest(http.MethodPost, path, http.NoBody)
		req.Header.Set("Idempotency-Key", "shared-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		bodies = append(bodies, rec.Body.String())
	}

	if counter != 2 {
		t.Fatalf("expected 2 calls, got %d", counter)
	}
	if bodies[0] == bodies[1] {
		t.Fatalf("second endpoint replayed the first response: %s", bodies[1])
	}
}

func TestIdempotencyDistinctKeys(t *testing.T) {
	counter := 0
	handler := Idempotency(newMemKV())(countingHandler(&counter))

	for _, key := range []string{"key-a", "key-b"} {
		req := httptest.NewRequest(http.MethodPost, "/tasks", http.NoBody)
		req.Header.Set("Idempotency-Key", key)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	if counter != 2 {
		t.Fatalf("expected 2 calls, got %d", counter)
	}
}
