package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/wudi/dwebgate/internal/logging"
	"go.uber.org/zap"
)

var statusRecorderPool = sync.Pool{
	New: func() any { return &statusRecorder{} },
}

// AccessLogConfig configures the access log middleware
type AccessLogConfig struct {
	// Logger receives one record per request; nil means the global logger.
	Logger *zap.Logger
	// SkipPaths are paths that should not be logged
	SkipPaths []string
}

// AccessLog emits one structured record per request.
func AccessLog(cfg AccessLogConfig) Middleware {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := statusRecorderPool.Get().(*statusRecorder)
			rec.ResponseWriter = w
			rec.status = http.StatusOK
			rec.bytes = 0

			next.ServeHTTP(rec, r)

			logger := cfg.Logger
			if logger == nil {
				logger = logging.Global()
			}
			var fields [10]zap.Field
			n := 0
			fields[n] = zap.String("request_id", RequestIDFromContext(r.Context())); n++
			fields[n] = zap.String("remote_addr", r.RemoteAddr); n++
			fields[n] = zap.String("host", r.Host); n++
			fields[n] = zap.String("method", r.Method); n++
			fields[n] = zap.String("uri", r.RequestURI); n++
			fields[n] = zap.String("proto", r.Proto); n++
			fields[n] = zap.Int("status", rec.status); n++
			fields[n] = zap.Int64("body_bytes", rec.bytes); n++
			fields[n] = zap.Duration("response_time", time.Since(start)); n++
			if ua := r.UserAgent(); ua != "" {
				fields[n] = zap.String("user_agent", ua); n++
			}
			logger.Info("HTTP request", fields[:n]...)

			rec.ResponseWriter = nil
			statusRecorderPool.Put(rec)
		})
	}
}

// statusRecorder wraps http.ResponseWriter to capture status and bytes
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}
