package web

import (
	"log"
	"net/http"
	"time"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.statusCode == 0 { // no explicit status yet => implies 200
		lrw.WriteHeader(http.StatusOK)
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.written += n
	return n, err
}

// withRequestLogging logs method, path, status, response size and duration
// of each request. Health checks are not logged.
func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w}

		next.ServeHTTP(lrw, r)

		if r.URL.Path == "/health" {
			return
		}
		log.Printf("%s %s %d %dB %dms (remote=%s)",
			r.Method,
			r.URL.Path,
			lrw.statusCode,
			lrw.written,
			time.Since(start).Milliseconds(),
			r.RemoteAddr,
		)
	})
}
