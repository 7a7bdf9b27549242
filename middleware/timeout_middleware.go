package middleware

import (
	"context"
	"time"

	"shv-client/message"
)

// TimeOutMiddleware answers with CodeTimeout when the handler does not finish in time.
// The handler keeps running with a cancelled context; its late response is discarded.
// A timeout <= 0 leaves handlers unbounded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if timeout <= 0 {
			return next
		}
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			// buffered: the handler may finish after nobody is listening
			result := make(chan *message.RPCMessage, 1)
			go func() { result <- next(ctx, req) }()

			select {
			case resp := <-result:
				return resp
			case <-ctx.Done():
				return message.NewErrorResponse(req.RequestID, message.NewRPCError(message.CodeTimeout,
					"%s:%s timed out after %s", req.Path, req.Method, timeout))
			}
		}
	}
}
