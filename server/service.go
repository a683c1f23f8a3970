package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"duplex-rpc/registry"
)

type methodType struct {
	method    reflect.Method
	withCtx   bool // first argument is a context.Context
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// service exposes the exported methods of a receiver as call paths "/{Type}/{Method}".
type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService 创建 service 并扫描所有合法方法
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: receiver must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	s := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, fmt.Errorf("server: %s has no methods of the form Method(*Args, *Reply) error", s.name)
	}
	return s, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// registerMethods 扫描 struct 的导出方法，过滤出符合签名的：
//
//	func (r *T) Method(args *Args, reply *Reply) error
//	func (r *T) Method(ctx context.Context, args *Args, reply *Reply) error
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		first := 1
		withCtx := mt.NumIn() == 4 && mt.In(1) == contextType
		if withCtx {
			first = 2
		} else if mt.NumIn() != 3 {
			continue
		}
		if mt.In(first).Kind() != reflect.Ptr || mt.In(first+1).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			withCtx:   withCtx,
			ArgType:   mt.In(first).Elem(),
			ReplyType: mt.In(first + 1).Elem(),
		}
	}
}

// handlers returns one registry handler per method, keyed by call path.
func (s *service) handlers() map[string]registry.Handler {
	hs := make(map[string]registry.Handler, len(s.method))
	for name, m := range s.method {
		hs["/"+s.name+"/"+name] = func(ctx context.Context, arg json.RawMessage) (any, error) {
			return s.call(ctx, m, arg)
		}
	}
	return hs
}

// call 通过反射调用方法
func (s *service) call(ctx context.Context, m *methodType, arg json.RawMessage) (any, error) {
	argv := reflect.New(m.ArgType)
	if len(arg) > 0 {
		if err := json.Unmarshal(arg, argv.Interface()); err != nil {
			return nil, fmt.Errorf("decoding argument of %s.%s: %w", s.name, m.method.Name, err)
		}
	}
	replyv := reflect.New(m.ReplyType)

	in := []reflect.Value{s.rcvr}
	if m.withCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, argv, replyv)

	results := m.method.Func.Call(in)
	if !results[0].IsNil() {
		return nil, results[0].Interface().(error)
	}
	return replyv.Interface(), nil
}
