// Package message defines the RPC message exchanged between a session client and a broker.
//
// RPCMessage is the "envelope" for every exchange. It gets serialized by the codec layer
// and wrapped in a protocol frame for transmission over the transport.
//
//   - Request:      Method is set and the message carries a request id.
//   - Notification: Method is set, no request id, no reply expected.
//   - Response:     no Method, carries the id of the request it answers and either
//     a Result or an Error.
package message

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrMalformedMessage is returned for messages that violate the envelope rules.
var ErrMalformedMessage = errors.New("message: malformed message")

// Kind classifies a message by which envelope fields are present.
type Kind int

const (
	KindRequest      Kind = iota // Method + request id
	KindNotification             // Method, no request id
	KindResponse                 // request id, no Method
	KindInvalid                  // neither method nor request id
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// RPCMessage carries one RPC unit.
type RPCMessage struct {
	RequestID    uint64
	HasRequestID bool // RequestID is meaningful; 0 is a valid id on the wire

	Path   string          // Node path on the broker, "" is the root
	Method string          // Set on requests and notifications
	Params *structpb.Value // Optional request arguments

	Result    *structpb.Value // Response payload, valid when HasResult
	HasResult bool            // Success branch present (Result may still be null)
	Error     *RPCError       // Error branch of a response
}

// NewRequest builds a request. The id is allocated by the caller (the session's id generator).
func NewRequest(id uint64, path, method string, params *structpb.Value) (*RPCMessage, error) {
	if method == "" {
		return nil, errors.Wrap(ErrMalformedMessage, "request without method")
	}
	return &RPCMessage{
		RequestID:    id,
		HasRequestID: true,
		Path:         path,
		Method:       method,
		Params:       params,
	}, nil
}

// NewNotification builds a one-way message that expects no reply.
func NewNotification(path, method string, params *structpb.Value) (*RPCMessage, error) {
	if method == "" {
		return nil, errors.Wrap(ErrMalformedMessage, "notification without method")
	}
	return &RPCMessage{Path: path, Method: method, Params: params}, nil
}

// NewResponse builds a successful response. A nil result is sent as null.
func NewResponse(id uint64, result *structpb.Value) *RPCMessage {
	if result == nil {
		result = structpb.NewNullValue()
	}
	return &RPCMessage{
		RequestID:    id,
		HasRequestID: true,
		Result:       result,
		HasResult:    true,
	}
}

// NewErrorResponse builds a failed response.
func NewErrorResponse(id uint64, rpcErr *RPCError) *RPCMessage {
	return &RPCMessage{
		RequestID:    id,
		HasRequestID: true,
		Error:        rpcErr,
	}
}

// Kind reports the message kind derived from its fields.
func (m *RPCMessage) Kind() Kind {
	switch {
	case m.Method != "" && m.HasRequestID:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.HasRequestID:
		return KindResponse
	default:
		return KindInvalid
	}
}

// IsResponse is shorthand for Kind() == KindResponse.
func (m *RPCMessage) IsResponse() bool {
	return m.Kind() == KindResponse
}

// Validate checks the envelope rules for the message kind.
func (m *RPCMessage) Validate() error {
	switch m.Kind() {
	case KindRequest, KindNotification:
		return nil
	case KindResponse:
		if !m.HasResult && m.Error == nil {
			return errors.Wrapf(ErrMalformedMessage, "response %d has neither result nor error", m.RequestID)
		}
		if m.HasResult && m.Error != nil {
			return errors.Wrapf(ErrMalformedMessage, "response %d has both result and error", m.RequestID)
		}
		return nil
	default:
		return errors.Wrap(ErrMalformedMessage, "message has neither method nor request id")
	}
}

// Outcome extracts the result of a response: the value on success, the *RPCError on failure.
// A response lacking both branches yields ErrMalformedMessage.
func (m *RPCMessage) Outcome() (*structpb.Value, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Kind() != KindResponse {
		return nil, errors.Wrapf(ErrMalformedMessage, "%s has no outcome", m.Kind())
	}
	if m.Error != nil {
		return nil, m.Error
	}
	return m.Result, nil
}

func (m *RPCMessage) String() string {
	switch m.Kind() {
	case KindRequest:
		return fmt.Sprintf("request(%d %s:%s)", m.RequestID, m.Path, m.Method)
	case KindNotification:
		return fmt.Sprintf("notification(%s:%s)", m.Path, m.Method)
	case KindResponse:
		if m.Error != nil {
			return fmt.Sprintf("response(%d error=%q)", m.RequestID, m.Error.Message)
		}
		return fmt.Sprintf("response(%d)", m.RequestID)
	default:
		return "invalid message"
	}
}
