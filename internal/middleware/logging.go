package middleware

import (
	"net/http"
	"time"

	"github.com/paiban/continuity/pkg/logger"
)

// RequestRecorder 请求指标记录
type RequestRecorder interface {
	RecordRequest(method, path string, status int, duration time.Duration)
}

// statusWriter 记录响应状态码
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// LoggingMiddleware 请求日志和指标，recorder 可为 nil
func LoggingMiddleware(recorder RequestRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)

			status := sw.status
			if status == 0 {
				status = http.StatusOK
			}
			duration := time.Since(start)

			ev := logger.WithContext(r.Context()).Info()
			if status >= http.StatusInternalServerError {
				ev = logger.WithContext(r.Context()).Error()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", sw.bytes).
				Dur("duration", duration).
				Msg("HTTP请求")

			if recorder != nil {
				recorder.RecordRequest(r.Method, r.URL.Path, status, duration)
			}
		})
	}
}

// Chain 依次包装中间件，第一个在最外层
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
