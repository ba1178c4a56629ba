package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxIdempotencyBody   = 1 << 20 // 1 MB
)

// The API mutates only through these methods. Reads are never deduplicated.
var idempotentMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// cachedResponse is the stored form of a deduplicated response.
type cachedResponse struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
}

// idempotencyKey scopes the client-supplied key to the method and path.
// Reusing a key against a different endpoint therefore cannot replay an
// unrelated response, and hashing keeps arbitrary client input inside the
// JetStream KV key charset.
func idempotencyKey(r *http.Request, clientKey string) string {
	sum := sha256.Sum256([]byte(r.Method + " " + r.URL.Path + " " + clientKey))
	return hex.EncodeToString(sum[:])
}

// Idempotency returns middleware that deduplicates mutating requests using
// the Idempotency-Key header and a NATS JetStream KV store. A replayed key
// returns the originally captured response without re-running the handler,
// so retrying a stage move cannot re-apply the transition.
func Idempotency(kv jetstream.KeyValue) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !idempotentMethods[r.Method] {
				next.ServeHTTP(w, r)
				return
			}

			clientKey := r.Header.Get(headerIdempotencyKey)
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := idempotencyKey(r, clientKey)

			if entry, err := kv.Get(r.Context(), key); err == nil {
				if replayed := replay(w, entry.Value()); replayed {
					return
				}
				slog.Warn("idempotency: corrupt cache entry", "key", clientKey, "path", r.URL.Path)
			}

			rec := &responseRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				body:           &bytes.Buffer{},
			}
			next.ServeHTTP(rec, r)

			// Best-effort store, capped so an oversized listing or export
			// response is never cached.
			if rec.body.Len() <= maxIdempotencyBody {
				data, err := json.Marshal(cachedResponse{
					StatusCode: rec.statusCode,
					Headers:    w.Header().Clone(),
					Body:       rec.body.Bytes(),
				})
				if err == nil {
					if _, err := kv.Put(r.Context(), key, data); err != nil {
						slog.Warn("idempotency: failed to store response", "key", clientKey, "error", err)
					}
				}
			}
		})
	}
}

func replay(w http.ResponseWriter, stored []byte) bool {
	var cached cachedResponse
	if err := json.Unmarshal(stored, &cached); err != nil {
		return false
	}
	for k, vals := range cached.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
	return true
}

// responseRecorder wraps http.ResponseWriter to capture the response.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
