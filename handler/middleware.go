package handler

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	AdminTokenHeader  = "X-Admin-Token"
	IdempotencyHeader = "Idempotency-Key"

	// IdempotencyCacheTTL is how long a successful response is replayed.
	IdempotencyCacheTTL = 24 * time.Hour
	// IdempotencyLockTTL bounds the lock of a request that crashed mid-flight.
	IdempotencyLockTTL  = 30 * time.Second

	idempotencyKeyPrefix  = "ledger:idempotency:"
	idempotencyLockPrefix = "ledger:idempotency-lock:"
)

// RequireAdmin rejects requests whose X-Admin-Token header does not match token.
// With an empty token every admin request is refused.
func RequireAdmin(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, "Admin API is disabled", http.StatusForbidden)
				return
			}
			given := r.Header.Get(AdminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
				http.Error(w, "Invalid admin token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// Idempotency replays the stored response for a repeated Idempotency-Key. Keys are scoped
// to method and path, so one key cannot replay a different endpoint. Requests without the
// header pass straight through, and only 2xx responses are stored.
func Idempotency(rdb *redis.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			scope := r.Method + " " + r.URL.Path + " " + key
			cacheKey := idempotencyKeyPrefix + scope
			lockKey := idempotencyLockPrefix + scope

			raw, err := rdb.Get(ctx, cacheKey).Bytes()
			switch {
			case err == nil:
				var cached cachedResponse
				if err := json.Unmarshal(raw, &cached); err == nil {
					log.Printf("Idempotency replay for key %q", key)
					w.Header().Set("Content-Type", cached.ContentType)
					w.Header().Set("Idempotent-Replayed", "true")
					w.WriteHeader(cached.Status)
					_, _ = w.Write(cached.Body)
					return
				}
				log.Printf("Discarding unreadable idempotency entry for key %q", key)
			case !errors.Is(err, redis.Nil):
				log.Printf("Error reading idempotency key %q: %v", key, err)
				http.Error(w, "Idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}

			acquired, err := rdb.SetNX(ctx, lockKey, "processing", IdempotencyLockTTL).Result()
			if err != nil {
				log.Printf("Error locking idempotency key %q: %v", key, err)
				http.Error(w, "Idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}
			if !acquired {
				http.Error(w, "A request with this idempotency key is in progress", http.StatusConflict)
				return
			}
			// The lock and entry outlive a client that hangs up mid-request.
			store := context.WithoutCancel(ctx)
			defer func() {
				if err := rdb.Del(store, lockKey).Err(); err != nil {
					log.Printf("Error releasing idempotency lock %q: %v", key, err)
				}
			}()

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < 200 || rec.status >= 300 {
				return
			}
			entry, err := json.Marshal(cachedResponse{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			})
			if err != nil {
				log.Printf("Error encoding idempotency entry %q: %v", key, err)
				return
			}
			if err := rdb.Set(store, cacheKey, entry, IdempotencyCacheTTL).Err(); err != nil {
				log.Printf("Error storing idempotency entry %q: %v", key, err)
			}
		})
	}
}
