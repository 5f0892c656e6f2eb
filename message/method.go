package message

import (
	"strings"

	"github.com/pkg/errors"
)

// Method describes one call: the target, the service and method names, the ordered
// arguments and, once the call completed, the result tuple.
//
// The result tuple is [returnValue, outParam1, outParam2, ...] so that handlers with output
// parameters can hand every value back to the caller.
type Method struct {
	target    any
	service   string
	name      string
	args      []any
	result    []any
	hasResult bool
}

func NewMethod(target any, service, name string, args ...any) Method {
	return Method{
		target:  target,
		service: service,
		name:    name,
		args:    cloneSlice(args),
	}
}

// ParseMethod builds a Method from "Service.Method".
func ParseMethod(serviceMethod string, args ...any) (Method, error) {
	service, name, err := SplitServiceMethod(serviceMethod)
	if err != nil {
		return Method{}, err
	}
	return NewMethod(nil, service, name, args...), nil
}

// SplitServiceMethod splits "Service.Method" at the last dot.
func SplitServiceMethod(serviceMethod string) (service, method string, err error) {
	dot := strings.LastIndex(serviceMethod, ".")
	if dot <= 0 || dot == len(serviceMethod)-1 {
		return "", "", errors.Errorf("ill-formed service method %q", serviceMethod)
	}
	return serviceMethod[:dot], serviceMethod[dot+1:], nil
}

func (m Method) Target() any { return m.target }

func (m Method) ServiceName() string { return m.service }

func (m Method) MethodName() string { return m.name }

// FullName returns "Service.Method".
func (m Method) FullName() string { return m.service + "." + m.name }

// Arguments returns a copy of the argument list.
func (m Method) Arguments() []any { return cloneSlice(m.args) }

// Result returns the result tuple and whether one was set.
func (m Method) Result() ([]any, bool) {
	return cloneSlice(m.result), m.hasResult
}

// ReturnValue is the first element of the result tuple, nil if unset.
func (m Method) ReturnValue() any {
	if len(m.result) == 0 {
		return nil
	}
	return m.result[0]
}

func (m Method) WithTarget(target any) Method {
	m.target = target
	return m
}

func (m Method) WithArguments(args ...any) Method {
	m.args = cloneSlice(args)
	return m
}

func (m Method) WithResult(result ...any) Method {
	m.result = cloneSlice(result)
	m.hasResult = true
	return m
}

// Invoking returns a mutable copy for server-side dispatch.
func (m Method) Invoking() *InvokingMethod {
	im := &InvokingMethod{
		Target:      m.target,
		ServiceName: m.service,
		MethodName:  m.name,
		Arguments:   cloneSlice(m.args),
	}
	if m.hasResult {
		im.SetResult(m.result...)
	}
	return im
}

func (m Method) String() string { return m.FullName() }

// InvokingMethod is the mutable counterpart of Method used while a server dispatches a call.
// A nil Result means the call has not produced a result yet.
type InvokingMethod struct {
	Target      any
	ServiceName string
	MethodName  string
	Arguments   []any
	Result      []any
}

func (im *InvokingMethod) FullName() string { return im.ServiceName + "." + im.MethodName }

// SetResult stores the result tuple. An empty tuple is still a result.
func (im *InvokingMethod) SetResult(result ...any) {
	if result == nil {
		result = []any{}
	}
	im.Result = result
}

func (im *InvokingMethod) HasResult() bool { return im.Result != nil }

// Method freezes the invocation into an immutable Method.
func (im *InvokingMethod) Method() Method {
	m := NewMethod(im.Target, im.ServiceName, im.MethodName, im.Arguments...)
	if im.Result != nil {
		m = m.WithResult(im.Result...)
	}
	return m
}

func cloneSlice(s []any) []any {
	if s == nil {
		return nil
	}
	return append([]any(nil), s...)
}
