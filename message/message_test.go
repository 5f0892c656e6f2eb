package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type AddArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func TestRPCMessageJSON(t *testing.T) {
	req := &RPCMessage{
		ServiceMethod: "ArithService.Add",
		Payload:       []byte(`{"a":1,"b":2}`), // 你知道这是 AddArgs
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Metadata")

	var req2 RPCMessage
	require.NoError(t, json.Unmarshal(data, &req2))

	var args AddArgs
	require.NoError(t, json.Unmarshal(req2.Payload, &args))
	assert.Equal(t, AddArgs{A: 1, B: 2}, args)
}

func TestMethodIsImmutable(t *testing.T) {
	args := []any{1, 2}
	m := NewMethod("calc", "Arith", "Add", args...)
	args[0] = 99
	assert.Equal(t, []any{1, 2}, m.Arguments())

	m2 := m.WithArguments(3, 4)
	assert.Equal(t, []any{1, 2}, m.Arguments())
	assert.Equal(t, []any{3, 4}, m2.Arguments())

	_, ok := m.Result()
	assert.False(t, ok)
	m3 := m2.WithResult(7, "out")
	res, ok := m3.Result()
	assert.True(t, ok)
	assert.Equal(t, []any{7, "out"}, res)
	assert.Equal(t, 7, m3.ReturnValue())
	_, ok = m2.Result()
	assert.False(t, ok)

	assert.Equal(t, "Arith.Add", m3.FullName())
	assert.Equal(t, "other", m3.WithTarget("other").Target())
	assert.Equal(t, "calc", m3.Target())
}

func TestInvokingMethodRoundTrip(t *testing.T) {
	m := NewMethod(nil, "Arith", "Div", 7, 2)
	im := m.Invoking()
	assert.False(t, im.HasResult())

	im.Arguments[0] = 8
	im.SetResult()
	assert.True(t, im.HasResult(), "empty tuple still counts as a result")

	back := im.Method()
	res, ok := back.Result()
	assert.True(t, ok)
	assert.Empty(t, res)
	assert.Equal(t, []any{8, 2}, back.Arguments())
	assert.Equal(t, []any{7, 2}, m.Arguments())
}

func TestSplitServiceMethod(t *testing.T) {
	svc, name, err := SplitServiceMethod("pkg.Arith.Add")
	require.NoError(t, err)
	assert.Equal(t, "pkg.Arith", svc)
	assert.Equal(t, "Add", name)

	for _, s := range []string{"", "Add", ".Add", "Arith."} {
		_, _, err := SplitServiceMethod(s)
		assert.Error(t, err, s)
	}
}

func TestRequestResponseCopies(t *testing.T) {
	req := NewRequest(NewMethod(nil, "Echo", "Say", "hi"))
	r2 := req.WithHeader("trace", "1").WithBody([]byte("x"))
	assert.Empty(t, req.Header("trace"))
	assert.Nil(t, req.Body())
	assert.Equal(t, "1", r2.Header("trace"))

	r3 := r2.WithHeader("span", "2")
	assert.Len(t, r2.Headers(), 1)
	assert.Len(t, r3.Headers(), 2)

	h := r3.Headers()
	h["trace"] = "mutated"
	assert.Equal(t, "1", r3.Header("trace"))

	resp := NewResponse()
	resp2 := resp.WithMethod(req.Method().WithResult("hi"))
	_, ok := resp.Result()
	assert.False(t, ok)
	res, ok := resp2.Result()
	assert.True(t, ok)
	assert.Equal(t, []any{"hi"}, res)
}
