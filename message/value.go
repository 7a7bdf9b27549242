package message

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrMissingField is returned by the field accessors below.
var ErrMissingField = errors.New("message: missing field")

// MapValue converts a Go map into a structured value. It panics on values structpb cannot
// represent, so it is meant for literals built in code.
func MapValue(fields map[string]any) *structpb.Value {
	v, err := structpb.NewValue(fields)
	if err != nil {
		panic(err)
	}
	return v
}

// Field returns the value stored under key in a map value.
func Field(v *structpb.Value, key string) (*structpb.Value, error) {
	s := v.GetStructValue()
	if s == nil {
		return nil, errors.Wrapf(ErrMissingField, "%q: value is not a map", key)
	}
	f, ok := s.GetFields()[key]
	if !ok {
		return nil, errors.Wrapf(ErrMissingField, "%q", key)
	}
	return f, nil
}

// StringField returns the string stored under key in a map value.
func StringField(v *structpb.Value, key string) (string, error) {
	f, err := Field(v, key)
	if err != nil {
		return "", err
	}
	s, ok := f.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", errors.Wrapf(ErrMissingField, "%q: not a string", key)
	}
	return s.StringValue, nil
}

// BoolField returns the bool stored under key in a map value.
func BoolField(v *structpb.Value, key string) (bool, error) {
	f, err := Field(v, key)
	if err != nil {
		return false, err
	}
	b, ok := f.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, errors.Wrapf(ErrMissingField, "%q: not a bool", key)
	}
	return b.BoolValue, nil
}
