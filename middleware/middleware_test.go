package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"shv-client/message"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	return message.NewResponse(req.RequestID, structpb.NewStringValue("ok"))
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	time.Sleep(200 * time.Millisecond)
	return message.NewResponse(req.RequestID, structpb.NewStringValue("ok"))
}

func failingHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	return message.NewErrorResponse(req.RequestID, message.NewRPCError(message.CodeInternal, "boom"))
}

func request(t *testing.T) *message.RPCMessage {
	req, err := message.NewRequest(7, "test/node", "get", nil)
	require.NoError(t, err)
	return req
}

func TestLogging(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	resp := LoggingMiddleware(logger)(echoHandler)(context.Background(), request(t))
	require.NotNil(t, resp)
	assert.Equal(t, "ok", resp.Result.GetStringValue())

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.DebugLevel, entry.Level)
	assert.Equal(t, "get", entry.Data["method"])
	assert.Equal(t, "test/node", entry.Data["path"])
}

func TestLoggingFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()

	resp := LoggingMiddleware(logger)(failingHandler)(context.Background(), request(t))
	require.NotNil(t, resp.Error)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "boom", entry.Message)
	assert.Equal(t, message.CodeInternal, entry.Data["code"])
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	resp := TimeOutMiddleware(500*time.Millisecond)(echoHandler)(context.Background(), request(t))
	assert.Nil(t, resp.Error)
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	resp := TimeOutMiddleware(50*time.Millisecond)(slowHandler)(context.Background(), request(t))
	require.NotNil(t, resp.Error)
	assert.Equal(t, message.CodeTimeout, resp.Error.Code)
	assert.Equal(t, uint64(7), resp.RequestID)
	assert.Contains(t, resp.Error.Message, "test/node:get")
}

func TestTimeoutDisabled(t *testing.T) {
	resp := TimeOutMiddleware(0)(slowHandler)(context.Background(), request(t))
	assert.Nil(t, resp.Error)
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimitMiddleware(1, 2, nil)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), request(t))
		assert.Nil(t, resp.Error, "request %d should pass", i)
	}

	resp := handler(context.Background(), request(t))
	require.NotNil(t, resp.Error)
	assert.Equal(t, message.CodeRateLimited, resp.Error.Code)
}

func TestRateLimitPerKey(t *testing.T) {
	byMethod := func(ctx context.Context, req *message.RPCMessage) string { return req.Method }
	handler := RateLimitMiddleware(0.001, 1, byMethod)(echoHandler)

	a, err := message.NewRequest(1, "", "a", nil)
	require.NoError(t, err)
	b, err := message.NewRequest(2, "", "b", nil)
	require.NoError(t, err)

	assert.Nil(t, handler(context.Background(), a).Error)
	assert.Nil(t, handler(context.Background(), b).Error, "b has its own bucket")
	resp := handler(context.Background(), a)
	require.NotNil(t, resp.Error)
	assert.Equal(t, message.CodeRateLimited, resp.Error.Code)
}

func TestChain(t *testing.T) {
	// 验证执行顺序：A.before → B.before → handler → B.after → A.after
	var order []string
	trace := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}
	logger, _ := test.NewNullLogger()
	handler := Chain(trace("A"), LoggingMiddleware(logger), TimeOutMiddleware(500*time.Millisecond), trace("B"))(echoHandler)

	resp := handler(context.Background(), request(t))
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
	assert.Equal(t, []string{"A.before", "B.before", "B.after", "A.after"}, order)
}
