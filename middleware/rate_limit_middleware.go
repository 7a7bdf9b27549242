package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"shv-client/message"
)

// KeyFunc names the bucket a request draws from.
type KeyFunc func(ctx context.Context, req *message.RPCMessage) string

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
// With a nil key every request shares one bucket; otherwise each key gets its own
// bucket of r tokens per second and the given burst.
func RateLimitMiddleware(r float64, burst int, key KeyFunc) Middleware {
	limiters := &limiterSet{limit: rate.Limit(r), burst: burst, buckets: make(map[string]*rate.Limiter)}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			k := ""
			if key != nil {
				k = key(ctx, req)
			}
			if !limiters.get(k).Allow() {
				return message.NewErrorResponse(req.RequestID,
					message.NewRPCError(message.CodeRateLimited, "rate limit exceeded"))
			}
			return next(ctx, req)
		}
	}
}

type limiterSet struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.buckets[key]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.buckets[key] = l
	}
	return l
}
