package middleware

import (
	"net/http"
	"time"

	"github.com/kiranshivaraju/batchpilot/internal/observability"
)

// Metrics records latency and count per route pattern. Unmatched paths share
// one label value so scanners cannot blow up cardinality.
func Metrics(m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			m.RecordHTTPRequest(r.Context(), r.Method, routePattern(r), rec.status, time.Since(start).Seconds())
		})
	}
}
