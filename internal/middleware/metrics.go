package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kenneth/hsm-signing-gateway/internal/metrics"
)

// MetricsMiddleware records request counts and latency labelled by route
// template, so provider ids do not explode label cardinality. It must run
// inside the router (mux.Router.Use).
func MetricsMiddleware(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)

			m.IncrementActiveConnections()
			defer m.DecrementActiveConnections()

			next.ServeHTTP(rw, r)
			m.RecordHTTPRequest(r.Method, routeTemplate(r), rw.statusCode, time.Since(start))
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
