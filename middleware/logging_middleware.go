package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"shv-client/message"
)

// LoggingMiddleware logs every call with its duration, and failures at warn level.
func LoggingMiddleware(log logrus.FieldLogger) Middleware {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			entry := log.WithFields(logrus.Fields{
				"path":       req.Path,
				"method":     req.Method,
				"request_id": req.RequestID,
				"duration":   time.Since(start),
			})
			if resp.Error != nil {
				entry.WithField("code", resp.Error.Code).Warn(resp.Error.Message)
				return resp
			}
			entry.Debug("handled")
			return resp
		}
	}
}
