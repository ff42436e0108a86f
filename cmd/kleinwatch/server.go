package main

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/matthewjhunter/kleinwatch/internal/logger"
	"github.com/matthewjhunter/kleinwatch/internal/metrics"
)

// newHTTPHandler serves /metrics and /healthz.
func newHTTPHandler(m *metrics.Metrics, log logger.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	})
	return accessLog(log, mux)
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// accessLog writes one log entry per request. A panicking handler is
// answered with 500 if nothing was written yet and logged at error level.
func accessLog(log logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		defer func() {
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("duration", time.Since(start).Round(time.Millisecond)),
			}
			if p := recover(); p != nil {
				if sw.status == 0 {
					http.Error(sw, "Internal Server Error", http.StatusInternalServerError)
				}
				log.Error("http handler panic", append(fields, zap.Int("status", sw.status), zap.Any("panic", p))...)
				return
			}
			if sw.status == 0 {
				sw.status = http.StatusOK
			}
			log.Debug("http request", append(fields, zap.Int("status", sw.status))...)
		}()
		next.ServeHTTP(sw, r)
	})
}

// statusWriter records the first status written. Zero means nothing has
// been written.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}
