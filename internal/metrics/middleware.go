package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// unmatchedRoute labels requests no route matched so scanners add a single series
const unmatchedRoute = "unmatched"

// HTTPMiddleware records request count, latency and error class per route pattern,
// e.g. /api/v1/checkpoints/{id}/retry or /api/v1/webhooks/{provider}
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := Global()
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routeLabel(r)

		m.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.APIRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		if class := errorClass(status); class != "" {
			m.APIErrorsTotal.WithLabelValues(class).Inc()
		}
	})
}

// routeLabel returns the chi pattern the request matched. It is read after the
// handler ran, when routing has filled the route context.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return unmatchedRoute
}

// errorClass names the kind of API failure behind a status, empty for successes
func errorClass(status int) string {
	switch {
	case status < 400:
		return ""
	case status == http.StatusUnauthorized:
		return "unauthorized"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusConflict:
		// checkpoint lifecycle conflicts and replayed retry keys
		return "conflict"
	case status == http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case status == http.StatusServiceUnavailable:
		return "unavailable"
	case status >= 500:
		return "server_error"
	default:
		return "bad_request"
	}
}
