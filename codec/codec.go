// Package codec serializes RPC messages to and from frame bodies.
//
// Two formats are provided:
//   - JSONCodec:  the envelope is a JSON object, human-readable and easy to debug.
//   - ProtoCodec: the envelope is protobuf wire format, compact and fast.
//
// Parameters and results are structpb values in both formats, so the same structured
// value survives either codec unchanged.
package codec

import (
	"shv-client/message"

	"github.com/pkg/errors"
)

type CodecType byte

const (
	CodecTypeJSON  CodecType = 0
	CodecTypeProto CodecType = 1
)

// MaxRequestID is the largest request id every codec carries exactly.
// The JSON envelope stores numbers as IEEE doubles.
const MaxRequestID uint64 = 1<<53 - 1

// ErrDecode wraps every body decoding failure.
var ErrDecode = errors.New("codec: cannot decode message")

type Codec interface {
	Encode(msg *message.RPCMessage) ([]byte, error)
	Decode(data []byte, msg *message.RPCMessage) error
	Type() CodecType // 0=JSON, 1=Proto
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &ProtoCodec{}
}

// ParseCodecType maps a configuration name to a codec type.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json", "JSON":
		return CodecTypeJSON, nil
	case "proto", "protobuf", "binary":
		return CodecTypeProto, nil
	default:
		return 0, errors.Errorf("codec: unknown codec %q", name)
	}
}

func (t CodecType) String() string {
	if t == CodecTypeJSON {
		return "json"
	}
	return "proto"
}
