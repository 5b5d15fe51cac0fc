package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/wudi/dwebgate/internal/errors"
	"github.com/wudi/dwebgate/internal/logging"
	"go.uber.org/zap"
)

// RecoveryConfig configures the recovery middleware
type RecoveryConfig struct {
	// PrintStack captures the stack trace when a panic occurs
	PrintStack bool
	// LogFunc is called when a panic occurs
	LogFunc func(err any, stack []byte, r *http.Request)
}

// DefaultRecoveryConfig provides default recovery settings
var DefaultRecoveryConfig = RecoveryConfig{
	PrintStack: true,
	LogFunc:    defaultLogFunc,
}

func defaultLogFunc(err any, stack []byte, r *http.Request) {
	logging.Error("Panic recovered",
		zap.Any("error", err),
		zap.String("request_id", RequestIDFromContext(r.Context())),
		zap.String("host", r.Host),
		zap.ByteString("stack", stack),
	)
}

// Recovery creates a panic recovery middleware
func Recovery() Middleware {
	return RecoveryWithConfig(DefaultRecoveryConfig)
}

// RecoveryWithConfig turns a panic into a 500. The panic value is logged,
// never written to the client.
func RecoveryWithConfig(cfg RecoveryConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if err == http.ErrAbortHandler {
					panic(err)
				}

				var stack []byte
				if cfg.PrintStack {
					stack = debug.Stack()
				}
				if cfg.LogFunc != nil {
					cfg.LogFunc(err, stack, r)
				}

				gwErr := errors.ErrInternalServer
				if reqID := RequestIDFromContext(r.Context()); reqID != "" {
					gwErr = gwErr.WithRequestID(reqID)
				}
				gwErr.WriteJSON(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
