package metrics

import (
	"net/http"
	"time"
)

// HTTPMetricsMiddleware records request duration and count for one route.
// handlerName should be the route pattern, e.g. "/api/v1/settlements", so
// label cardinality stays bounded.
func HTTPMetricsMiddleware(m *Metrics, handlerName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rec, r)

			if m != nil {
				m.RecordHTTPRequest(handlerName, r.Method, rec.statusCode, time.Since(start).Seconds())
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Since returns the seconds elapsed since start. Handy for
// `defer func() { m.RecordX(metrics.Since(start)) }()`.
func Since(start time.Time) float64 {
	return time.Since(start).Seconds()
}
