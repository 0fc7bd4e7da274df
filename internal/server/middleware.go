package server

import (
	"net/http"
	"time"

	"chatcore/internal/logging"
)

// statusWriter records the response status. Unwrap keeps
// http.ResponseController able to reach the underlying flusher.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		logging.HTTPDebug("%s %s status=%d bytes=%d elapsed=%v", r.Method, r.URL.Path, sw.status, sw.bytes, time.Since(start))
	})
}
