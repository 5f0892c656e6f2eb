package server

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fleetrpc/codec"
	"fleetrpc/endpoint"
	"fleetrpc/message"
	"fleetrpc/middleware"
	"fleetrpc/protocol"
	"fleetrpc/registry"
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

// DivMod has two output parameters; both end up in the result tuple.
func (a *Arith) DivMod(args *Args, quo *int, rem *int) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	*quo, *rem = args.A/args.B, args.A%args.B
	return nil
}

func (a *Arith) Boom(args *Args, reply *Reply) error {
	panic("boom")
}

// not an RPC method: no output parameter
func (a *Arith) Helper(args *Args) error { return nil }

func serveSingle(t *testing.T, svr *Server) string {
	t.Helper()
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
	return ln.Addr().String()
}

func request(t *testing.T, codecType byte, seq uint32, serviceMethod string, args any) []byte {
	t.Helper()
	payload, err := json.Marshal(args)
	require.NoError(t, err)
	cdc, err := codec.GetCodec(codec.CodecType(codecType))
	require.NoError(t, err)
	body, err := cdc.Encode(&message.RPCMessage{ServiceMethod: serviceMethod, Payload: payload})
	require.NoError(t, err)
	frame, err := protocol.Marshal(&protocol.Header{CodecType: codecType, MsgType: protocol.MsgTypeRequest, Seq: seq}, body)
	require.NoError(t, err)
	return frame
}

func readReply(t *testing.T, conn net.Conn) (*protocol.Header, *message.RPCMessage) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	h, body, err := protocol.Decode(conn)
	require.NoError(t, err)
	cdc, err := codec.GetCodec(codec.CodecType(h.CodecType))
	require.NoError(t, err)
	var msg message.RPCMessage
	require.NoError(t, cdc.Decode(body, &msg))
	return h, &msg
}

func TestServer(t *testing.T) {
	svr := NewServer(WithLogger(zaptest.NewLogger(t)))
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatalf("Failed to register service: %v", err)
	}
	conn, err := net.Dial("tcp", serveSingle(t, svr))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write(request(t, protocol.CodecTypeJSON, 123, "Arith.Add", &Args{1, 2})); err != nil {
		t.Fatal(err)
	}
	replyHeader, responseRPC := readReply(t, conn)

	if replyHeader.Seq != 123 {
		t.Fatalf("Expect replyHeader with seq: %v, get %v", 123, replyHeader.Seq)
	}
	if replyHeader.CodecType != protocol.CodecTypeJSON {
		t.Fatalf("Expect replyHeader with CodecType: %v, get %v", protocol.CodecTypeJSON, replyHeader.CodecType)
	}
	if replyHeader.MsgType != protocol.MsgTypeResponse {
		t.Fatalf("Expect replyHeader with MsgType: %v, get %v", protocol.MsgTypeResponse, replyHeader.MsgType)
	}

	var result []Reply
	if err := json.Unmarshal(responseRPC.Payload, &result); err != nil {
		t.Fatal(err)
	}
	if len(result) != 1 || result[0].Result != 3 {
		t.Fatalf("Expect get result = [3], get %v", result)
	}
}

func TestServerFrameReassembly(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(&Arith{}))
	conn, err := net.Dial("tcp", serveSingle(t, svr))
	require.NoError(t, err)
	defer conn.Close()

	heartbeat, err := protocol.Marshal(&protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
	require.NoError(t, err)
	first := request(t, protocol.CodecTypeBinary, 1, "Arith.Add", &Args{2, 3})
	second := request(t, protocol.CodecTypeJSON, 2, "Arith.Add", &Args{10, 20})

	// 心跳 + 两个请求，第一个请求被拆成两半发送
	stream := append(append(append([]byte{}, heartbeat...), first...), second...)
	cut := len(heartbeat) + len(first)/2
	_, err = conn.Write(stream[:cut])
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write(stream[cut:])
	require.NoError(t, err)

	for _, want := range []struct {
		seq   uint32
		codec byte
		sum   int
	}{{1, protocol.CodecTypeBinary, 5}, {2, protocol.CodecTypeJSON, 30}} {
		h, msg := readReply(t, conn)
		assert.Equal(t, want.seq, h.Seq)
		assert.Equal(t, want.codec, h.CodecType)
		var result []Reply
		require.NoError(t, json.Unmarshal(msg.Payload, &result))
		assert.Equal(t, want.sum, result[0].Result)
	}
}

func TestServerClosesOnGarbage(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(&Arith{}))
	conn, err := net.Dial("tcp", serveSingle(t, svr))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0, 0, 0, 20, 'n', 'o', 'p', 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = protocol.Decode(conn)
	assert.Error(t, err)
}

func TestHandle(t *testing.T) {
	svr := NewServer(WithVersion("1.2.0"))
	require.NoError(t, svr.Register(&Arith{}))
	ctx := context.Background()
	call := func(serviceMethod string, args any) *message.RPCMessage {
		payload, err := json.Marshal(args)
		require.NoError(t, err)
		return svr.Handle(ctx, &message.RPCMessage{ServiceMethod: serviceMethod, Payload: payload})
	}

	reply := call("Arith.DivMod", &Args{17, 5})
	require.Empty(t, reply.Error)
	var tuple []int
	require.NoError(t, json.Unmarshal(reply.Payload, &tuple))
	assert.Equal(t, []int{3, 2}, tuple)
	assert.Equal(t, "1.2.0", reply.Metadata[HeaderVersion])

	reply = call("Arith.DivMod", &Args{1, 0})
	assert.Equal(t, "divide by zero", reply.Error)
	assert.NotEmpty(t, reply.Payload, "outputs are returned with the error")

	assert.Contains(t, call("Arith.Boom", &Args{}).Error, "panicked: boom")
	assert.Contains(t, call("Arith.Helper", &Args{}).Error, "can't find method")
	assert.Contains(t, call("Nope.Add", &Args{}).Error, "can't find service")
	assert.Contains(t, call("Add", &Args{}).Error, "ill-formed")

	reply = svr.Handle(ctx, &message.RPCMessage{ServiceMethod: "Arith.Add", Payload: []byte("{")})
	assert.Contains(t, reply.Error, "decode arguments")
}

func TestRegister(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(&Arith{}))
	assert.Error(t, svr.Register(&Arith{}), "duplicate")
	require.NoError(t, svr.RegisterName("Calc", &Arith{}))
	assert.Equal(t, []string{"Arith", "Calc"}, svr.ServiceNames())

	assert.Error(t, svr.Register(Arith{}), "not a pointer")
	assert.Error(t, svr.RegisterName("lower", &Arith{}))
	type empty struct{}
	assert.Error(t, svr.Register(&empty{}))
}

func TestMiddlewareSeesMethod(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(&Arith{}))

	var seen []string
	svr.Use(middleware.StageEarly, middleware.Func(func(ctx context.Context, req *message.Request, resp *message.Response, next middleware.Handler) (*message.Response, error) {
		seen = append(seen, req.Method().FullName()+" "+req.Header("trace"))
		// 改写参数
		m := req.Method()
		args := m.Arguments()[0].(*Args)
		args.B *= 10
		resp, err := next(ctx, req.WithMethod(m.WithArguments(args)), resp)
		return resp.WithHeader("seen", "yes"), err
	}))

	payload, _ := json.Marshal(&Args{1, 2})
	reply := svr.Handle(context.Background(), &message.RPCMessage{
		ServiceMethod: "Arith.Add",
		Payload:       payload,
		Metadata:      map[string]string{"trace": "t1"},
	})
	require.Empty(t, reply.Error)
	var result []Reply
	require.NoError(t, json.Unmarshal(reply.Payload, &result))
	assert.Equal(t, 21, result[0].Result)
	assert.Equal(t, []string{"Arith.Add t1"}, seen)
	assert.Equal(t, "yes", reply.Metadata["seen"])
}

func TestOffloadToTaskWorkers(t *testing.T) {
	svr := NewServer(WithOffload(true), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, svr.Register(&Arith{}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	m, err := worker.NewManager(ln, &worker.InProcessSpawner{App: svr}, worker.Config{
		WorkerNum:     2,
		TaskWorkerNum: 2,
		LoopInterval:  10 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	for i := 1; i <= 3; i++ {
		_, err := conn.Write(request(t, protocol.CodecTypeJSON, uint32(i), "Arith.Add", &Args{i, i}))
		require.NoError(t, err)
		h, msg := readReply(t, conn)
		assert.EqualValues(t, i, h.Seq)
		var result []Reply
		require.NoError(t, json.Unmarshal(msg.Payload, &result))
		assert.Equal(t, 2*i, result[0].Result)
	}
	assert.EqualValues(t, 3, m.Stats().TasksFinished)
}

type memRegistry struct {
	mu        sync.Mutex
	instances map[string]map[string]registry.ServiceInstance
}

func (r *memRegistry) Register(ctx context.Context, svc string, inst registry.ServiceInstance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, err := inst.Addr()
	if err != nil {
		return err
	}
	if r.instances[svc] == nil {
		r.instances[svc] = map[string]registry.ServiceInstance{}
	}
	r.instances[svc][addr] = inst
	return nil
}

func (r *memRegistry) Deregister(ctx context.Context, svc, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances[svc], addr)
	return nil
}

func (r *memRegistry) Discover(ctx context.Context, svc string) ([]registry.ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []registry.ServiceInstance
	for _, inst := range r.instances[svc] {
		out = append(out, inst)
	}
	return out, nil
}

func (r *memRegistry) Watch(ctx context.Context, svc string) <-chan []registry.ServiceInstance {
	return nil
}

func TestAnnounceWithdraw(t *testing.T) {
	svr := NewServer(WithVersion("v2"))
	require.NoError(t, svr.Register(&Arith{}))
	reg := &memRegistry{instances: map[string]map[string]registry.ServiceInstance{}}
	ctx := context.Background()

	require.NoError(t, svr.Announce(ctx, reg, endpoint.MustParse("tcp://10.0.0.1:9000"), 50, 10))
	insts, err := reg.Discover(ctx, "Arith")
	require.NoError(t, err)
	require.Len(t, insts, 1)
	assert.Equal(t, 50, insts[0].Weight)
	assert.Equal(t, "v2", insts[0].Version)
	ep, err := endpoint.Parse(insts[0].Endpoint)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9000", ep.Address())

	require.NoError(t, svr.Withdraw(ctx))
	insts, _ = reg.Discover(ctx, "Arith")
	assert.Empty(t, insts)
	require.NoError(t, svr.Withdraw(ctx), "second withdraw is a no-op")
}
