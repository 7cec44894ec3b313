package common

import (
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Idem guards operator write endpoints against double submission. The
// Idempotency-Key header is scoped to the operator and path so two operators
// cannot collide on the same key.
type Idem struct {
	R      *redis.Client
	TTL    time.Duration
	Prefix string
}

// Middleware rejects replays of a key within the TTL with 409.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		operator, _ := Operator(r.Context())
		key := i.Prefix + ":idem:" + Sha256Hex([]byte(operator+"|"+r.URL.Path+"|"+header))
		ttl := i.TTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		ok, err := i.R.SetNX(r.Context(), key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
		if err != nil {
			// fail open
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
