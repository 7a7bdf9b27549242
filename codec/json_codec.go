package codec

import (
	"math"

	"shv-client/message"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Envelope keys shared by the JSON codec and the diagnostic formatter.
const (
	keyRequestID = "requestId"
	keyPath      = "path"
	keyMethod    = "method"
	keyParams    = "params"
	keyResult    = "result"
	keyError     = "error"
	keyCode      = "code"
	keyMessage   = "message"
)

// JSONCodec encodes the envelope as a JSON object:
//
//	{"requestId":1,"path":"","method":"hello"}
//	{"requestId":1,"result":{"nonce":"..."}}
//	{"requestId":2,"error":{"code":-32000,"message":"invalid credentials"}}
//
// Pros: human-readable, easy to debug. Cons: larger frames, ids limited to MaxRequestID.
type JSONCodec struct{}

func (c *JSONCodec) Encode(msg *message.RPCMessage) ([]byte, error) {
	if msg.HasRequestID && msg.RequestID > MaxRequestID {
		return nil, errors.Errorf("codec: request id %d exceeds %d", msg.RequestID, MaxRequestID)
	}
	return protojson.Marshal(toEnvelope(msg))
}

func (c *JSONCodec) Decode(data []byte, msg *message.RPCMessage) error {
	env := &structpb.Struct{}
	if err := protojson.Unmarshal(data, env); err != nil {
		return errors.Wrap(ErrDecode, err.Error())
	}
	return fromEnvelope(env, msg)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func toEnvelope(msg *message.RPCMessage) *structpb.Struct {
	fields := make(map[string]*structpb.Value)
	if msg.HasRequestID {
		fields[keyRequestID] = structpb.NewNumberValue(float64(msg.RequestID))
	}
	if msg.Method != "" {
		fields[keyPath] = structpb.NewStringValue(msg.Path)
		fields[keyMethod] = structpb.NewStringValue(msg.Method)
	}
	if msg.Params != nil {
		fields[keyParams] = msg.Params
	}
	if msg.HasResult {
		result := msg.Result
		if result == nil {
			result = structpb.NewNullValue()
		}
		fields[keyResult] = result
	}
	if msg.Error != nil {
		fields[keyError] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			keyCode:    structpb.NewNumberValue(float64(msg.Error.Code)),
			keyMessage: structpb.NewStringValue(msg.Error.Message),
		}})
	}
	return &structpb.Struct{Fields: fields}
}

func fromEnvelope(env *structpb.Struct, msg *message.RPCMessage) error {
	*msg = message.RPCMessage{}
	fields := env.GetFields()

	if v, ok := fields[keyRequestID]; ok {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok || n.NumberValue < 0 || n.NumberValue > float64(MaxRequestID) || n.NumberValue != math.Trunc(n.NumberValue) {
			return errors.Wrap(ErrDecode, "requestId is not a valid id")
		}
		msg.RequestID = uint64(n.NumberValue)
		msg.HasRequestID = true
	}
	msg.Path = fields[keyPath].GetStringValue()
	msg.Method = fields[keyMethod].GetStringValue()
	if v, ok := fields[keyParams]; ok {
		msg.Params = v
	}
	if v, ok := fields[keyResult]; ok {
		msg.Result = v
		msg.HasResult = true
	}
	if v, ok := fields[keyError]; ok {
		e := v.GetStructValue()
		if e == nil {
			return errors.Wrap(ErrDecode, "error is not an object")
		}
		msg.Error = &message.RPCError{
			Code:    int(e.GetFields()[keyCode].GetNumberValue()),
			Message: e.GetFields()[keyMessage].GetStringValue(),
		}
	}
	return nil
}
