// Package client calls services served by package server.
//
// A Client turns a message.Method into a request frame, runs it through its middleware
// pipeline and sends it over a transport.Sender, usually a pooled TCP transporter whose
// endpoint comes from a holder. The response payload is the server's result tuple.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"fleetrpc/codec"
	"fleetrpc/message"
	"fleetrpc/middleware"
	"fleetrpc/protocol"
	"fleetrpc/transport"
)

// RemoteError is an error returned by the server-side handler.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: %s: %s", e.Method, e.Message)
}

// IsRemote reports whether err came from the server rather than the transport.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

type Client struct {
	sender    transport.Sender
	codecType codec.CodecType
	codec     codec.Codec
	pipeline  *middleware.Pipeline
	log       *zap.Logger
	seq       atomic.Uint32

	closeOnce sync.Once
	closers   []func() error
}

type Option func(*Client)

func WithCodec(t codec.CodecType) Option {
	return func(c *Client) { c.codecType = t }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New returns a client sending over sender.
func New(sender transport.Sender, opts ...Option) (*Client, error) {
	c := &Client{sender: sender, codecType: codec.CodecTypeJSON}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	c.log = c.log.Named("client")
	cdc, err := codec.GetCodec(c.codecType)
	if err != nil {
		return nil, err
	}
	c.codec = cdc
	c.pipeline = middleware.New(c.roundTrip)
	return c, nil
}

// Use attaches a middleware at a stage. It panics once the client made its first call.
func (c *Client) Use(stage middleware.Stage, mw middleware.Middleware) {
	c.pipeline.Use(stage, mw)
}

func (c *Client) Pipeline() *middleware.Pipeline { return c.pipeline }

// Call invokes "Service.Method" with args and decodes the first result into reply.
func (c *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	m, err := message.ParseMethod(serviceMethod, args)
	if err != nil {
		return err
	}
	_, err = c.Invoke(ctx, m, reply)
	return err
}

// Invoke calls m and decodes the result tuple element by element into results, which must
// be pointers. The returned Method carries results as its result tuple, or the undecoded
// json.RawMessage values when no results are given. Output values are decoded even when
// the server reports an error.
func (c *Client) Invoke(ctx context.Context, m message.Method, results ...any) (message.Method, error) {
	resp, err := c.pipeline.Call(ctx, message.NewRequest(m), nil)
	if resp == nil {
		return m, err
	}
	tuple, ok := resp.Result()
	if !ok {
		return m, err
	}
	if len(results) == 0 {
		return m.WithResult(tuple...), err
	}
	for i, r := range results {
		if i >= len(tuple) {
			break
		}
		if derr := decodeResult(tuple[i], r); derr != nil && err == nil {
			err = errors.Wrapf(derr, "rpc: decode result %d of %s", i, m.FullName())
		}
	}
	return m.WithResult(results...), err
}

func decodeResult(v any, into any) error {
	raw, ok := v.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(v); err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, into)
}

// roundTrip is the pipeline's terminal handler: it encodes the request, sends it and
// stores the raw result tuple in the response.
func (c *Client) roundTrip(ctx context.Context, req *message.Request, resp *message.Response) (*message.Response, error) {
	m := req.Method()
	var payload []byte
	switch args := m.Arguments(); len(args) {
	case 0:
	case 1:
		var err error
		if payload, err = json.Marshal(args[0]); err != nil {
			return resp, errors.Wrapf(err, "rpc: encode arguments of %s", m.FullName())
		}
	default:
		return resp, errors.Errorf("rpc: %s: at most one argument, got %d", m.FullName(), len(args))
	}

	body, err := c.codec.Encode(&message.RPCMessage{
		ServiceMethod: m.FullName(),
		Payload:       payload,
		Metadata:      req.Headers(),
	})
	if err != nil {
		return resp, errors.Wrap(err, "rpc: encode request")
	}
	seq := c.seq.Add(1)
	frame, err := protocol.Marshal(&protocol.Header{CodecType: byte(c.codecType), MsgType: protocol.MsgTypeRequest, Seq: seq}, body)
	if err != nil {
		return resp, err
	}

	out, err := c.sender.Send(ctx, frame)
	if err != nil {
		return resp, err
	}
	h, rbody, err := protocol.Unmarshal(out)
	if err != nil {
		return resp, errors.Wrap(err, "rpc: bad response frame")
	}
	if h.MsgType != protocol.MsgTypeResponse || h.Seq != seq {
		return resp, errors.Errorf("rpc: unexpected frame (type %d, seq %d) for request %d", h.MsgType, h.Seq, seq)
	}
	cdc, err := codec.GetCodec(codec.CodecType(h.CodecType))
	if err != nil {
		return resp, err
	}
	var reply message.RPCMessage
	if err := cdc.Decode(rbody, &reply); err != nil {
		return resp, errors.Wrap(err, "rpc: decode response")
	}

	resp = resp.WithHeaders(reply.Metadata).WithBody(reply.Payload)
	if len(reply.Payload) > 0 {
		var tuple []json.RawMessage
		if err := json.Unmarshal(reply.Payload, &tuple); err != nil {
			return resp, errors.Wrap(err, "rpc: decode result tuple")
		}
		result := make([]any, len(tuple))
		for i, raw := range tuple {
			result[i] = raw
		}
		resp = resp.WithMethod(m.WithResult(result...))
	}
	if reply.Error != "" {
		return resp, &RemoteError{Method: m.FullName(), Message: reply.Error}
	}
	return resp, nil
}

// Close releases what FromConfig built: the pool and the registry connection.
func (c *Client) Close() error {
	var firstErr error
	c.closeOnce.Do(func() {
		for i := len(c.closers) - 1; i >= 0; i-- {
			if err := c.closers[i](); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
