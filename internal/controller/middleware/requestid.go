package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"hubbridge/internal/logger"
)

// RequestID assigns a correlation ID to every request and echoes it back,
// so error responses and log entries can be matched up.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)

		ctx := logger.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
