// internal/middleware/logging.go

package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// LogMiddleware logs the method, path and duration of each relay request.
// The response writer is passed through untouched so websocket upgrades can
// still hijack the connection.
func LogMiddleware(logger logrus.FieldLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("relay request")
		})
	}
}

// LogWebSocketConnect logs a presence client joining.
func LogWebSocketConnect(logger logrus.FieldLogger, r *http.Request) {
	logger.WithFields(logrus.Fields{
		"remote": r.RemoteAddr,
		"path":   r.URL.Path,
	}).Info("presence member connected")
}

// LogWebSocketDisconnect logs a presence client leaving.
func LogWebSocketDisconnect(logger logrus.FieldLogger, r *http.Request, err error) {
	fields := logrus.Fields{
		"remote": r.RemoteAddr,
		"path":   r.URL.Path,
	}
	if err != nil {
		fields["error"] = err
	}
	logger.WithFields(fields).Info("presence member disconnected")
}
