package idempotency

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/middleware"
	"github.com/itskum47/adpilot/control_plane/observability"
	"github.com/itskum47/adpilot/control_plane/store"
)

const (
	HeaderKey    = "X-Idempotency-Key"
	HeaderReplay = "Idempotent-Replay"
)

// responseRecorder captures what the wrapped handler writes.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// Middleware replays the first response for a repeated X-Idempotency-Key.
// Keys are namespaced by scope(r), normally the caller's user id, so two
// operators cannot observe each other's responses. 5xx responses are not
// stored and the key is released for a retry.
func Middleware(s *Store, scope func(*http.Request) string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" || s == nil {
				next.ServeHTTP(w, r)
				return
			}
			fullKey := store.IdempotencyKey(scope(r), r.Method+":"+r.URL.Path+":"+key)

			rec, err := s.Begin(r.Context(), fullKey)
			switch {
			case errors.Is(err, ErrInFlight):
				middleware.WriteError(w, http.StatusConflict, "conflict", "a request with this idempotency key is still in progress")
				return
			case err != nil:
				// Fail open: the handler still runs without replay protection.
				logger.Warn().Err(err).Msg("idempotency store unavailable")
				next.ServeHTTP(w, r)
				return
			case rec != nil:
				observability.IdempotentReplays.Inc()
				for k, v := range rec.Headers {
					for _, val := range v {
						w.Header().Add(k, val)
					}
				}
				w.Header().Set(HeaderReplay, "true")
				w.WriteHeader(rec.StatusCode)
				_, _ = w.Write(rec.Body)
				return
			}

			recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			completed := false
			defer func() {
				if !completed {
					_ = s.Abort(r.Context(), fullKey)
				}
			}()
			next.ServeHTTP(recorder, r)

			if recorder.statusCode >= http.StatusInternalServerError {
				return
			}
			headers := http.Header{}
			if ct := recorder.Header().Get("Content-Type"); ct != "" {
				headers.Set("Content-Type", ct)
			}
			if err := s.Complete(r.Context(), fullKey, recorder.statusCode, headers, recorder.body); err != nil {
				logger.Warn().Err(err).Msg("failed to store idempotent response")
				return
			}
			completed = true
		})
	}
}
