package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// MetricsRecorder receives HTTP request observations.
type MetricsRecorder interface {
	RecordHTTPRequest(method, path, status string, duration time.Duration)
	IncActiveConnections()
	DecActiveConnections()
}

// Metrics returns a middleware that records request counts, latencies, and
// active connections. The recorded path is the chi route pattern
// (/api/v1/sagas/{sagaID}), keeping label cardinality independent of saga
// ids; unmatched requests fall back to the raw path.
func Metrics(recorder MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder.IncActiveConnections()
			defer recorder.DecActiveConnections()

			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			// Runs on panic too, so a crashing handler is still counted
			// (as a 500) before Recovery re-reports it.
			defer func() {
				path := r.URL.Path
				if rctx := chi.RouteContext(r.Context()); rctx != nil {
					if pattern := rctx.RoutePattern(); pattern != "" {
						path = pattern
					}
				}
				if err := recover(); err != nil {
					recorder.RecordHTTPRequest(r.Method, path, strconv.Itoa(http.StatusInternalServerError), time.Since(start))
					panic(err)
				}
				recorder.RecordHTTPRequest(r.Method, path, strconv.Itoa(wrapped.status), time.Since(start))
			}()

			next.ServeHTTP(wrapped, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	headerWrote bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.headerWrote {
		rw.status = code
		rw.headerWrote = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.headerWrote = true
	return rw.ResponseWriter.Write(b)
}
