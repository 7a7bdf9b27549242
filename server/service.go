package server

import (
	"context"
	"reflect"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// Method answers one call on a node. Returning a *message.RPCError sends that error
// unchanged; any other error becomes CodeInternal.
type Method func(ctx context.Context, params *structpb.Value) (*structpb.Value, error)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	valueType   = reflect.TypeOf((*structpb.Value)(nil))
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// methodsOf 扫描 receiver 的导出方法，过滤出符合签名的:
//
//	func (r *T) Name(ctx context.Context, params *structpb.Value) (*structpb.Value, error)
//
// The node method name is the Go name with its first letter lowered (Get → get).
func methodsOf(rcvr any) (map[string]Method, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errors.Errorf("server: receiver must be a pointer, got %v", typ)
	}
	val := reflect.ValueOf(rcvr)

	methods := make(map[string]Method)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		mt := m.Type
		// 3 个入参 (receiver, ctx, params)，2 个出参 (result, error)
		if mt.NumIn() != 3 || mt.NumOut() != 2 ||
			mt.In(1) != contextType || mt.In(2) != valueType ||
			mt.Out(0) != valueType || mt.Out(1) != errorType {
			continue
		}
		fn := m.Func
		methods[lowerFirst(m.Name)] = func(ctx context.Context, params *structpb.Value) (*structpb.Value, error) {
			// 通过反射调用方法
			if params == nil {
				params = structpb.NewNullValue()
			}
			out := fn.Call([]reflect.Value{val, reflect.ValueOf(ctx), reflect.ValueOf(params)})
			result, _ := out[0].Interface().(*structpb.Value)
			if !out[1].IsNil() {
				return result, out[1].Interface().(error)
			}
			return result, nil
		}
	}
	if len(methods) == 0 {
		return nil, errors.Errorf("server: %s has no node methods", typ)
	}
	return methods, nil
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[n:]
}
