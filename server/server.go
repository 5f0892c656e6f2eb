// Package server implements the RPC server: a reflection based service map whose calls run
// through a middleware pipeline, hosted as a worker.Application.
//
// Request processing pipeline:
//
//	OnReceive (socket worker loop) → per-connection buffer → protocol.Split
//	  → inline: Handle            → write response frame
//	  → offload: Context.Submit   → OnTask in a task worker → Handle → callback writes response
//
//	Handle: Codec.Decode → Pipeline(middlewares → dispatch (reflect.Call)) → Codec.Encode
package server

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"fleetrpc/codec"
	"fleetrpc/endpoint"
	"fleetrpc/message"
	"fleetrpc/middleware"
	"fleetrpc/protocol"
	"fleetrpc/registry"
	"fleetrpc/worker"
)

// HeaderVersion is the response metadata key carrying the announced service version.
const HeaderVersion = "fleetrpc-version"

type connKey struct {
	worker int
	conn   uint64
}

// Server registers services and answers RPC frames. One Server may back several socket and
// task workers at once; it is safe for concurrent use.
type Server struct {
	mu       sync.RWMutex
	services map[string]*service // Registered services: "Arith" → *service

	pipeline *middleware.Pipeline
	log      *zap.Logger
	offload  bool
	version  string

	connMu sync.Mutex
	conns  map[connKey][]byte // unparsed bytes per connection

	annMu     sync.Mutex
	reg       registry.Registry // nil until Announce
	advertise endpoint.Endpoint
	announced []string
}

type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithOffload makes socket workers hand every request frame to a task worker instead of
// dispatching it in their own loop.
func WithOffload(offload bool) Option {
	return func(s *Server) { s.offload = offload }
}

// WithVersion sets the version announced to the registry and echoed in responses.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		services: make(map[string]*service),
		conns:    make(map[connKey][]byte),
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.Named("server")
	s.pipeline = middleware.New(s.dispatch)
	return s
}

// Register registers a service receiver (e.g., &Arith{}) under its type name.
// The exported methods that match the RPC signature become callable.
func (s *Server) Register(rcvr any) error {
	return s.RegisterName("", rcvr)
}

// RegisterName is Register with an explicit service name.
func (s *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.services[svc.name]; dup {
		return errors.Errorf("rpc: service %s already registered", svc.name)
	}
	s.services[svc.name] = svc
	return nil
}

// ServiceNames returns the registered service names, sorted.
func (s *Server) ServiceNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Use attaches a middleware at a stage. It panics once the server handled its first call.
func (s *Server) Use(stage middleware.Stage, mw middleware.Middleware) {
	s.pipeline.Use(stage, mw)
}

// Pipeline exposes the server's middleware pipeline for relative inserts.
func (s *Server) Pipeline() *middleware.Pipeline { return s.pipeline }

// OnReceive reassembles frames from the connection's byte stream and answers each request.
func (s *Server) OnReceive(ctx worker.Context, c worker.Conn, data []byte) {
	key := connKey{worker: ctx.WorkerID(), conn: c.ID()}
	s.connMu.Lock()
	buf := append(s.conns[key], data...)
	s.connMu.Unlock()

	for {
		frame, rest, ok, err := protocol.Split(buf)
		if err != nil {
			s.log.Warn("bad frame, closing connection", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
			c.Close()
			buf = nil
			break
		}
		if !ok {
			break
		}
		buf = rest
		s.serveFrame(ctx, c, frame)
	}

	s.connMu.Lock()
	if len(buf) == 0 {
		delete(s.conns, key)
	} else {
		s.conns[key] = append([]byte(nil), buf...)
	}
	s.connMu.Unlock()
}

func (s *Server) OnClose(ctx worker.Context, c worker.Conn) {
	s.connMu.Lock()
	delete(s.conns, connKey{worker: ctx.WorkerID(), conn: c.ID()})
	s.connMu.Unlock()
}

// OnTask answers an offloaded request frame inside a task worker.
func (s *Server) OnTask(ctx worker.Context, task *worker.Task) ([]byte, error) {
	return s.HandleFrame(ctx, task.Data)
}

func (s *Server) serveFrame(ctx worker.Context, c worker.Conn, frame []byte) {
	h, _, err := protocol.Unmarshal(frame)
	if err != nil {
		s.log.Warn("bad frame, closing connection", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
		c.Close()
		return
	}
	switch h.MsgType {
	case protocol.MsgTypeHeartbeat:
		return
	case protocol.MsgTypeResponse:
		s.log.Debug("ignoring response frame", zap.Stringer("remote", c.RemoteAddr()))
		return
	}

	if s.offload {
		codecType, seq := h.CodecType, h.Seq
		err := ctx.Submit(append([]byte(nil), frame...), func(t *worker.Task) {
			out := t.Result
			if t.Error != "" {
				var err error
				if out, err = errorFrame(codecType, seq, t.Error); err != nil {
					s.log.Error("encode error response", zap.Error(err))
					c.Close()
					return
				}
			}
			if _, err := c.Write(out); err != nil {
				s.log.Debug("write response", zap.Error(err))
			}
		})
		if err == nil {
			prom.offloaded.Inc()
			return
		}
		s.log.Debug("offload unavailable, handling inline", zap.Error(err))
	}

	out, err := s.HandleFrame(ctx, frame)
	if err != nil {
		s.log.Warn("cannot answer frame, closing connection", zap.Error(err))
		c.Close()
		return
	}
	if _, err := c.Write(out); err != nil {
		s.log.Debug("write response", zap.Error(err))
	}
}

// HandleFrame answers one request frame with a complete response frame that echoes the
// request's codec and sequence number.
func (s *Server) HandleFrame(ctx context.Context, frame []byte) ([]byte, error) {
	h, body, err := protocol.Unmarshal(frame)
	if err != nil {
		return nil, err
	}
	if h.MsgType != protocol.MsgTypeRequest {
		return nil, errors.Errorf("rpc: not a request frame (type %d)", h.MsgType)
	}
	cdc, err := codec.GetCodec(codec.CodecType(h.CodecType))
	if err != nil {
		return nil, err
	}
	var reply *message.RPCMessage
	var req message.RPCMessage
	if err := cdc.Decode(body, &req); err != nil {
		reply = &message.RPCMessage{Error: "rpc: cannot decode request: " + err.Error()}
	} else {
		reply = s.Handle(ctx, &req)
	}
	out, err := cdc.Encode(reply)
	if err != nil {
		return nil, errors.Wrap(err, "rpc: encode response")
	}
	return protocol.Marshal(&protocol.Header{CodecType: h.CodecType, MsgType: protocol.MsgTypeResponse, Seq: h.Seq}, out)
}

func errorFrame(codecType byte, seq uint32, text string) ([]byte, error) {
	cdc, err := codec.GetCodec(codec.CodecType(codecType))
	if err != nil {
		return nil, err
	}
	out, err := cdc.Encode(&message.RPCMessage{Error: text})
	if err != nil {
		return nil, err
	}
	return protocol.Marshal(&protocol.Header{CodecType: codecType, MsgType: protocol.MsgTypeResponse, Seq: seq}, out)
}

// Handle runs one decoded request through the pipeline. The response payload is the JSON
// array of the result tuple.
func (s *Server) Handle(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	start := time.Now()
	reply, err := s.handle(ctx, req)
	if err != nil {
		reply.Error = err.Error()
	}
	observe(start, err != nil)
	return reply
}

func (s *Server) handle(ctx context.Context, msg *message.RPCMessage) (*message.RPCMessage, error) {
	reply := &message.RPCMessage{ServiceMethod: msg.ServiceMethod}
	svc, mtype, err := s.lookup(msg.ServiceMethod)
	if err != nil {
		return reply, err
	}

	// args 的具体类型由注册的方法决定
	argv := reflect.New(mtype.ArgType)
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, argv.Interface()); err != nil {
			return reply, errors.Wrapf(err, "rpc: decode arguments of %s", msg.ServiceMethod)
		}
	}

	m := message.NewMethod(svc.rcvr.Interface(), svc.name, mtype.method.Name, argv.Interface())
	req := message.NewRequest(m).WithBody(msg.Payload).WithHeaders(msg.Metadata)
	resp, callErr := s.pipeline.Call(ctx, req, nil)
	if resp != nil {
		reply.Metadata = resp.Headers()
		if result, ok := resp.Result(); ok {
			payload, err := json.Marshal(result)
			if err != nil {
				return reply, errors.Wrapf(err, "rpc: encode result of %s", msg.ServiceMethod)
			}
			reply.Payload = payload
		}
	}
	if s.version != "" {
		if reply.Metadata == nil {
			reply.Metadata = make(map[string]string, 1)
		}
		reply.Metadata[HeaderVersion] = s.version
	}
	return reply, callErr
}

func (s *Server) lookup(serviceMethod string) (*service, *methodType, error) {
	svcName, methodName, err := message.SplitServiceMethod(serviceMethod)
	if err != nil {
		return nil, nil, errors.Wrap(err, "rpc")
	}
	s.mu.RLock()
	svc := s.services[svcName]
	s.mu.RUnlock()
	if svc == nil {
		return nil, nil, errors.Errorf("rpc: can't find service %s", svcName)
	}
	mtype := svc.method[methodName]
	if mtype == nil {
		return nil, nil, errors.Errorf("rpc: can't find method %s", serviceMethod)
	}
	return svc, mtype, nil
}

// dispatch is the pipeline's terminal handler. It calls the method named by the request
// and stores the output parameters as the result tuple.
func (s *Server) dispatch(ctx context.Context, req *message.Request, resp *message.Response) (*message.Response, error) {
	im := req.Method().Invoking()
	svc, mtype, err := s.lookup(im.FullName())
	if err != nil {
		return resp, err
	}
	if len(im.Arguments) != 1 {
		return resp, errors.Errorf("rpc: %s takes 1 argument, got %d", im.FullName(), len(im.Arguments))
	}
	argv := reflect.ValueOf(im.Arguments[0])
	if argv.Type() != reflect.PointerTo(mtype.ArgType) {
		return resp, errors.Errorf("rpc: %s wants *%s, got %s", im.FullName(), mtype.ArgType, argv.Type())
	}
	outs, err := svc.call(mtype, argv)
	im.SetResult(outs...)
	return resp.WithMethod(im.Method()), err
}

// Announce registers every service at advertise with reg. The registration lives for ttl
// seconds unless reg keeps it alive.
func (s *Server) Announce(ctx context.Context, reg registry.Registry, advertise endpoint.Endpoint, weight int, ttl int64) error {
	s.annMu.Lock()
	defer s.annMu.Unlock()
	s.reg, s.advertise, s.announced = reg, advertise, nil
	inst := registry.ServiceInstance{Endpoint: advertise.String(), Weight: weight, Version: s.version}
	for _, name := range s.ServiceNames() {
		if err := reg.Register(ctx, name, inst, ttl); err != nil {
			return errors.Wrapf(err, "announce %s", name)
		}
		s.announced = append(s.announced, name)
		s.log.Info("service announced", zap.String("service", name), zap.Stringer("endpoint", advertise))
	}
	return nil
}

// Withdraw deregisters what Announce registered, so clients stop routing here before
// the server goes away.
func (s *Server) Withdraw(ctx context.Context) error {
	s.annMu.Lock()
	defer s.annMu.Unlock()
	if s.reg == nil {
		return nil
	}
	var firstErr error
	for _, name := range s.announced {
		if err := s.reg.Deregister(ctx, name, s.advertise.Address()); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "withdraw %s", name)
		}
	}
	s.reg, s.announced = nil, nil
	return firstErr
}
