package metrics

import (
	"net/http"
	"time"
)

// HTTPMetricsMiddleware records request count and latency under pattern, the
// route pattern the handler is registered with (e.g. "GET /api/v1/funding/{id}").
// Path values never become label values.
func HTTPMetricsMiddleware(m *Metrics, pattern string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			m.RecordHTTPRequest(pattern, r.Method, rec.status, time.Since(start).Seconds())
		})
	}
}

// StreamMetricsMiddleware is for long-lived event streams. Their lifetime would
// swamp the latency histogram, so it tracks them as an open-stream gauge and
// counts them once they end.
func StreamMetricsMiddleware(m *Metrics, pattern string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.RecordStreamChange(pattern, 1)
			defer m.RecordStreamChange(pattern, -1)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if m != nil {
				m.httpRequestsTotal.WithLabelValues(pattern, r.Method, statusCodeToString(rec.status)).Inc()
			}
		})
	}
}

// statusRecorder captures the response status. It passes Flush through and
// exposes the wrapped writer to http.ResponseController.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Flush() {
	w.wroteHeader = true
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
