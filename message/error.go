package message

import "fmt"

// Error codes carried in RPCError.Code.
const (
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternal          = -32603
	CodeLoginRequired     = -32001
	CodeMalformedResponse = -32002
	CodeTimeout           = -32003
	CodeRateLimited       = -32004
)

// RPCError is the error branch of a response.
type RPCError struct {
	Code    int
	Message string
}

// NewRPCError returns an RPCError with a formatted message.
func NewRPCError(code int, format string, args ...any) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *RPCError) Error() string {
	return e.Message
}
