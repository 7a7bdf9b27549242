package codec

import (
	"strings"

	"shv-client/message"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	prettyOpts  = protojson.MarshalOptions{Multiline: true, Indent: "  "}
	compactOpts = protojson.MarshalOptions{}
)

// Pretty renders a structured value as indented text for display.
func Pretty(v *structpb.Value) string {
	if v == nil || v.GetKind() == nil {
		return "null"
	}
	b, err := prettyOpts.Marshal(v)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(b)
}

// ParseValue parses the text form of a structured value (JSON syntax).
// Blank input means "no value" and returns nil.
func ParseValue(text string) (*structpb.Value, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	v := &structpb.Value{}
	if err := protojson.Unmarshal([]byte(text), v); err != nil {
		return nil, errors.Wrapf(err, "codec: parse value %q", text)
	}
	return v, nil
}

// FormatMessage renders a message on one line for logs and diagnostics.
func FormatMessage(msg *message.RPCMessage) string {
	b, err := compactOpts.Marshal(toEnvelope(msg))
	if err != nil {
		return msg.String()
	}
	return string(b)
}
