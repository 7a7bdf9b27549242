package codec

import (
	"shv-client/message"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Envelope field numbers. Presence of a field is meaningful: a request id of 0 or a
// null result are still present on the wire.
const (
	fieldRequestID protowire.Number = 1 // varint
	fieldPath      protowire.Number = 2 // bytes
	fieldMethod    protowire.Number = 3 // bytes
	fieldParams    protowire.Number = 4 // bytes, google.protobuf.Value
	fieldResult    protowire.Number = 5 // bytes, google.protobuf.Value
	fieldError     protowire.Number = 6 // bytes, nested {1: code (zigzag), 2: message}

	fieldErrorCode    protowire.Number = 1
	fieldErrorMessage protowire.Number = 2
)

var marshalOpts = proto.MarshalOptions{Deterministic: true}

// ProtoCodec encodes the envelope in protobuf wire format without generated code.
// Values are google.protobuf.Value messages nested as length-delimited fields.
type ProtoCodec struct{}

func (c *ProtoCodec) Encode(msg *message.RPCMessage) ([]byte, error) {
	var buf []byte
	if msg.HasRequestID {
		buf = protowire.AppendTag(buf, fieldRequestID, protowire.VarintType)
		buf = protowire.AppendVarint(buf, msg.RequestID)
	}
	if msg.Method != "" {
		buf = protowire.AppendTag(buf, fieldPath, protowire.BytesType)
		buf = protowire.AppendString(buf, msg.Path)
		buf = protowire.AppendTag(buf, fieldMethod, protowire.BytesType)
		buf = protowire.AppendString(buf, msg.Method)
	}
	if msg.Params != nil {
		b, err := marshalOpts.Marshal(msg.Params)
		if err != nil {
			return nil, errors.Wrap(err, "codec: marshal params")
		}
		buf = protowire.AppendTag(buf, fieldParams, protowire.BytesType)
		buf = protowire.AppendBytes(buf, b)
	}
	if msg.HasResult {
		result := msg.Result
		if result == nil {
			result = structpb.NewNullValue()
		}
		b, err := marshalOpts.Marshal(result)
		if err != nil {
			return nil, errors.Wrap(err, "codec: marshal result")
		}
		buf = protowire.AppendTag(buf, fieldResult, protowire.BytesType)
		buf = protowire.AppendBytes(buf, b)
	}
	if msg.Error != nil {
		var e []byte
		e = protowire.AppendTag(e, fieldErrorCode, protowire.VarintType)
		e = protowire.AppendVarint(e, protowire.EncodeZigZag(int64(msg.Error.Code)))
		e = protowire.AppendTag(e, fieldErrorMessage, protowire.BytesType)
		e = protowire.AppendString(e, msg.Error.Message)
		buf = protowire.AppendTag(buf, fieldError, protowire.BytesType)
		buf = protowire.AppendBytes(buf, e)
	}
	return buf, nil
}

func (c *ProtoCodec) Decode(data []byte, msg *message.RPCMessage) error {
	*msg = message.RPCMessage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.Wrap(ErrDecode, protowire.ParseError(n).Error())
		}
		data = data[n:]

		switch {
		case num == fieldRequestID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return errors.Wrap(ErrDecode, "request id")
			}
			msg.RequestID, msg.HasRequestID = v, true
			data = data[n:]
		case num == fieldPath && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return errors.Wrap(ErrDecode, "path")
			}
			msg.Path = v
			data = data[n:]
		case num == fieldMethod && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return errors.Wrap(ErrDecode, "method")
			}
			msg.Method = v
			data = data[n:]
		case (num == fieldParams || num == fieldResult) && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return errors.Wrap(ErrDecode, "value")
			}
			v := &structpb.Value{}
			if err := proto.Unmarshal(b, v); err != nil {
				return errors.Wrap(ErrDecode, err.Error())
			}
			if num == fieldParams {
				msg.Params = v
			} else {
				msg.Result, msg.HasResult = v, true
			}
			data = data[n:]
		case num == fieldError && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return errors.Wrap(ErrDecode, "error")
			}
			rpcErr, err := decodeError(b)
			if err != nil {
				return err
			}
			msg.Error = rpcErr
			data = data[n:]
		default:
			// unknown fields are skipped for forward compatibility
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return errors.Wrap(ErrDecode, protowire.ParseError(n).Error())
			}
			data = data[n:]
		}
	}
	return nil
}

func (c *ProtoCodec) Type() CodecType {
	return CodecTypeProto
}

func decodeError(b []byte) (*message.RPCError, error) {
	rpcErr := &message.RPCError{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(ErrDecode, "error tag")
		}
		b = b[n:]
		switch {
		case num == fieldErrorCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(ErrDecode, "error code")
			}
			rpcErr.Code = int(protowire.DecodeZigZag(v))
			b = b[n:]
		case num == fieldErrorMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, errors.Wrap(ErrDecode, "error message")
			}
			rpcErr.Message = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.Wrap(ErrDecode, "error field")
			}
			b = b[n:]
		}
	}
	return rpcErr, nil
}
