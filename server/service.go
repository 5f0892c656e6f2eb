package server

import (
	"go/token"
	"reflect"
	"sync/atomic"

	"github.com/pkg/errors"
)

type methodType struct {
	method   reflect.Method
	ArgType  reflect.Type
	OutTypes []reflect.Type // 输出参数，依次构成结果元组
	numCalls atomic.Uint64
}

// NumCalls reports how often the method has been dispatched.
func (m *methodType) NumCalls() uint64 { return m.numCalls.Load() }

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService 创建 service 并扫描所有合法方法
func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errors.Errorf("rpc: receiver must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf("rpc: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	// 默认用类型名作为 service name
	if name == "" {
		name = typ.Elem().Name()
	}
	if !token.IsExported(name) {
		return nil, errors.Errorf("rpc: service name %q is not exported", name)
	}
	s := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, errors.Errorf("rpc: type %s has no methods of suitable signature", typ)
	}
	return s, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// registerMethods 扫描导出方法，过滤出符合 RPC 签名的:
//
//	func (r *T) M(args *A, out1 *R1, out2 *R2, ...) error
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if !method.IsExported() || mt.NumIn() < 3 || mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		if mt.In(1).Kind() != reflect.Ptr {
			continue
		}
		outs := make([]reflect.Type, 0, mt.NumIn()-2)
		ok := true
		for j := 2; j < mt.NumIn(); j++ {
			if mt.In(j).Kind() != reflect.Ptr {
				ok = false
				break
			}
			outs = append(outs, mt.In(j).Elem())
		}
		if !ok {
			continue
		}
		s.method[method.Name] = &methodType{
			method:   method,
			ArgType:  mt.In(1).Elem(),
			OutTypes: outs,
		}
	}
}

// call 通过反射调用方法，返回输出参数的值
func (s *service) call(mType *methodType, argv reflect.Value) (outs []any, err error) {
	mType.numCalls.Add(1)
	in := make([]reflect.Value, 0, 2+len(mType.OutTypes))
	in = append(in, s.rcvr, argv)
	for _, t := range mType.OutTypes {
		in = append(in, reflect.New(t))
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("rpc: %s.%s panicked: %v", s.name, mType.method.Name, r)
		}
	}()
	results := mType.method.Func.Call(in)
	outs = make([]any, len(mType.OutTypes))
	for i := range mType.OutTypes {
		outs[i] = in[2+i].Interface()
	}
	if !results[0].IsNil() {
		return outs, results[0].Interface().(error)
	}
	return outs, nil
}
