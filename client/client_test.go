package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fleetrpc/codec"
	"fleetrpc/config"
	"fleetrpc/endpoint"
	"fleetrpc/holder"
	"fleetrpc/message"
	"fleetrpc/middleware"
	"fleetrpc/server"
	"fleetrpc/transport"
	"fleetrpc/worker"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) DivMod(args *Args, quo *int, rem *int) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	*quo, *rem = args.A/args.B, args.A%args.B
	return nil
}

// startServer serves Arith from a single-process worker loop and returns its endpoint.
func startServer(t *testing.T, opts ...server.Option) endpoint.Endpoint {
	t.Helper()
	svr := server.NewServer(opts...)
	require.NoError(t, svr.Register(&Arith{}))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	m, err := worker.NewSingleManager(ln, svr, worker.Config{LoopInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	addr := ln.Addr().(*net.TCPAddr)
	return endpoint.Endpoint{Protocol: "tcp", Host: "127.0.0.1", Port: addr.Port}
}

func newClient(t *testing.T, ep endpoint.Endpoint, opts ...Option) *Client {
	t.Helper()
	pool := transport.NewPool(2, func() transport.Transporter {
		return transport.NewTCPTransporter(transport.WithHolder(holder.NewStatic(ep)))
	}, nil)
	t.Cleanup(func() { pool.Close() })
	c, err := New(transport.NewPooledTransporter(pool), opts...)
	require.NoError(t, err)
	return c
}

func TestClientCall(t *testing.T) {
	client := newClient(t, startServer(t))
	ctx := context.Background()

	// Call Arith.Add(1, 2) = 3
	reply := &Reply{}
	if err := client.Call(ctx, "Arith.Add", &Args{A: 1, B: 2}, reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != 3 {
		t.Fatalf("expect 3, got %v", reply.Result)
	}

	// Call again: Add(10, 20) = 30
	reply2 := &Reply{}
	if err := client.Call(ctx, "Arith.Add", &Args{A: 10, B: 20}, reply2); err != nil {
		t.Fatal(err)
	}
	if reply2.Result != 30 {
		t.Fatalf("expect 30, got %v", reply2.Result)
	}
}

func TestClientCallWithBinaryCodec(t *testing.T) {
	client := newClient(t, startServer(t), WithCodec(codec.CodecTypeBinary))

	reply := &Reply{}
	if err := client.Call(context.Background(), "Arith.Add", &Args{A: 5, B: 7}, reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != 12 {
		t.Fatalf("expect 12, got %v", reply.Result)
	}
}

func TestInvokeResultTuple(t *testing.T) {
	client := newClient(t, startServer(t))

	var quo, rem int
	m, err := client.Invoke(context.Background(), message.NewMethod(nil, "Arith", "DivMod", &Args{A: 17, B: 5}), &quo, &rem)
	require.NoError(t, err)
	assert.Equal(t, 3, quo)
	assert.Equal(t, 2, rem)
	result, ok := m.Result()
	require.True(t, ok)
	assert.Len(t, result, 2)
	assert.Equal(t, &quo, m.ReturnValue())

	m, err = client.Invoke(context.Background(), message.NewMethod(nil, "Arith", "Add", &Args{A: 1, B: 2}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"Result":3}`, string(m.ReturnValue().(json.RawMessage)))
}

func TestRemoteError(t *testing.T) {
	client := newClient(t, startServer(t))
	ctx := context.Background()

	var quo, rem int
	_, err := client.Invoke(ctx, message.NewMethod(nil, "Arith", "DivMod", &Args{A: 1}), &quo, &rem)
	require.Error(t, err)
	assert.True(t, IsRemote(err))
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "divide by zero", re.Message)
	assert.Equal(t, "Arith.DivMod", re.Method)

	err = client.Call(ctx, "Arith.Nope", &Args{}, &Reply{})
	assert.True(t, IsRemote(err))
	assert.Contains(t, err.Error(), "can't find method")

	err = client.Call(ctx, "nodot", &Args{}, &Reply{})
	assert.Error(t, err)
	assert.False(t, IsRemote(err), "rejected before sending")
}

func TestHeadersTravel(t *testing.T) {
	client := newClient(t, startServer(t, server.WithVersion("v9")))
	var version string
	client.Use(middleware.StageEarly, middleware.Func(func(ctx context.Context, req *message.Request, resp *message.Response, next middleware.Handler) (*message.Response, error) {
		out, err := next(ctx, req.WithHeader("trace", "abc"), resp)
		if out != nil {
			version = out.Header(server.HeaderVersion)
		}
		return out, err
	}))
	require.NoError(t, client.Call(context.Background(), "Arith.Add", &Args{1, 1}, &Reply{}))
	assert.Equal(t, "v9", version)
}

func TestConnectFailed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	client := newClient(t, endpoint.Endpoint{Protocol: "tcp", Host: "127.0.0.1", Port: port})
	err = client.Call(context.Background(), "Arith.Add", &Args{1, 2}, &Reply{})
	require.Error(t, err)
	assert.True(t, transport.IsConnectFailed(err))
	assert.False(t, IsRemote(err))
}

func TestFromConfig(t *testing.T) {
	ep := startServer(t)
	conf, err := config.ParseConfigBytes([]byte(fmt.Sprintf(`
client:
  services:
    - "Arith@tcp -h %s -p %d"
  load_balance: weighted_random
  codec: binary
  pool_size: 2
  keepalive: 50ms
  call_timeout: 2s
  rate_limit: 1000
`, ep.Host, ep.Port)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, err := FromConfig(ctx, conf, "Arith", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, []string{"mw-1", "mw-2", "mw-3", "mw-4", middleware.TerminalID}, client.Pipeline().IDs())
	for i := 0; i < 10; i++ {
		reply := &Reply{}
		require.NoError(t, client.Call(ctx, "Arith.Add", &Args{i, i}, reply))
		assert.Equal(t, 2*i, reply.Result)
	}
	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "second close is a no-op")
	err = client.Call(ctx, "Arith.Add", &Args{1, 1}, &Reply{})
	assert.ErrorIs(t, err, transport.ErrPoolClosed)
}

func TestFromConfigUnknownService(t *testing.T) {
	client, err := FromConfig(context.Background(), config.Default(), "Missing", nil)
	require.NoError(t, err)
	defer client.Close()
	err = client.Call(context.Background(), "Missing.Do", &Args{}, &Reply{})
	assert.True(t, transport.IsCannotResolveEndpoint(err))
}
