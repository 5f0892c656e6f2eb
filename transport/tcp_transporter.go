package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"fleetrpc/endpoint"
	"fleetrpc/holder"
	"fleetrpc/protocol"
)

const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultReceiveTimeout = 5 * time.Second
	readChunkSize         = 4096
)

type TCPOption func(*TCPTransporter)

// WithHolder makes Connect ask h for an endpoint when none is given.
func WithHolder(h holder.Holder) TCPOption {
	return func(t *TCPTransporter) { t.holder = h }
}

// WithTimeouts sets the defaults used when the endpoint does not carry its own.
func WithTimeouts(connect, receive time.Duration) TCPOption {
	return func(t *TCPTransporter) {
		if connect > 0 {
			t.connectTimeout = connect
		}
		if receive > 0 {
			t.receiveTimeout = receive
		}
	}
}

// WithLengthExcludesPrefix reads the 4-byte length as the size of the remaining payload
// instead of the whole frame.
func WithLengthExcludesPrefix() TCPOption {
	return func(t *TCPTransporter) { t.excludePrefix = true }
}

func WithMaxFrameSize(n int) TCPOption {
	return func(t *TCPTransporter) { t.maxFrame = n }
}

// WithTLSConfig is used for endpoints marked Secure.
func WithTLSConfig(cfg *tls.Config) TCPOption {
	return func(t *TCPTransporter) { t.tlsConfig = cfg }
}

func WithLogger(log *zap.Logger) TCPOption {
	return func(t *TCPTransporter) {
		if log != nil {
			t.log = log
		}
	}
}

// TCPTransporter is a Transporter over one TCP connection. It is safe for concurrent use
// but serializes calls: one request is in flight at a time.
type TCPTransporter struct {
	holder         holder.Holder
	connectTimeout time.Duration
	receiveTimeout time.Duration
	excludePrefix  bool
	maxFrame       int
	tlsConfig      *tls.Config
	log            *zap.Logger

	mu      sync.Mutex
	ep      endpoint.Endpoint
	hasEP   bool
	conn    net.Conn
	pending []byte // bytes read past the previous frame
}

func NewTCPTransporter(opts ...TCPOption) *TCPTransporter {
	t := &TCPTransporter{
		connectTimeout: DefaultConnectTimeout,
		receiveTimeout: DefaultReceiveTimeout,
		maxFrame:       protocol.MaxFrameSize,
		log:            zap.NewNop(),
	}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.Named("transport")
	return t
}

func (t *TCPTransporter) String() string { return "tcp" }

func (t *TCPTransporter) Connect(ctx context.Context, ep *endpoint.Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectLocked(ctx, ep)
}

func (t *TCPTransporter) connectLocked(ctx context.Context, ep *endpoint.Endpoint) error {
	if ep != nil {
		if t.hasEP && !t.ep.Equal(*ep) {
			t.disconnectLocked()
		}
		t.ep, t.hasEP = *ep, true
	}
	if t.conn != nil {
		return nil
	}
	if ep == nil && t.holder != nil {
		got, err := t.holder.Get(ctx)
		if err != nil {
			return t.newError(KindCannotResolveEndpoint, 0, err)
		}
		t.ep, t.hasEP = got, true
	}
	if !t.hasEP || t.ep.IsZero() {
		return t.newError(KindInvalidEndpoint, 0, errors.New("no endpoint to connect to"))
	}
	switch t.ep.Protocol {
	case "", "tcp", "tcp4", "tcp6":
	default:
		return t.newError(KindInvalidEndpoint, 0, errors.Errorf("unsupported protocol %q", t.ep.Protocol))
	}

	timeout := t.ep.ConnectTimeout
	if timeout <= 0 {
		timeout = t.connectTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	network := t.ep.Protocol
	if network == "" {
		network = "tcp"
	}

	var conn net.Conn
	var err error
	if t.ep.Secure {
		cfg := t.tlsConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: t.ep.Host}
		}
		td := &tls.Dialer{NetDialer: dialer, Config: cfg}
		conn, err = td.DialContext(ctx, network, t.ep.Address())
	} else {
		conn, err = dialer.DialContext(ctx, network, t.ep.Address())
	}
	if err != nil {
		kind, code := classify(err, KindConnectFailed)
		if kind == KindConnectionClosed {
			kind = KindConnectFailed
		}
		return t.newError(kind, code, err)
	}
	t.conn = conn
	t.log.Debug("connected", zap.String("endpoint", t.ep.Address()))
	return nil
}

func (t *TCPTransporter) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *TCPTransporter) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnectLocked()
}

func (t *TCPTransporter) disconnectLocked() error {
	t.pending = nil
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.log.Debug("disconnected", zap.String("endpoint", t.ep.Address()))
	return err
}

func (t *TCPTransporter) Endpoint() (endpoint.Endpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ep, t.hasEP
}

func (t *TCPTransporter) Send(ctx context.Context, req []byte) (resp []byte, err error) {
	start := time.Now()
	defer func() { observeSend(start, err) }()

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.connectLocked(ctx, nil); err != nil {
		return nil, err
	}

	conn := t.conn
	stop := context.AfterFunc(ctx, func() {
		// unblock pending I/O; the error is classified from ctx in fail
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl)
	} else {
		conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.Write(req); err != nil {
		return nil, t.fail(ctx, err, KindGeneric)
	}
	return t.recvLocked(ctx)
}

// recvLocked reads until one complete frame is buffered. The receive timeout runs from the
// first read attempt.
func (t *TCPTransporter) recvLocked(ctx context.Context) ([]byte, error) {
	timeout := t.ep.ReceiveTimeout
	if timeout <= 0 {
		timeout = t.receiveTimeout
	}
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, t.fail(ctx, err, KindGeneric)
	}

	buf := t.pending
	t.pending = nil
	chunk := make([]byte, readChunkSize)
	for {
		if len(buf) >= protocol.PrefixSize {
			total := int(binary.BigEndian.Uint32(buf[:protocol.PrefixSize]))
			if t.excludePrefix {
				total += protocol.PrefixSize
			}
			if total < protocol.PrefixSize || total > t.maxFrame {
				return nil, t.fail(ctx, errors.Wrapf(protocol.ErrFrameTooLarge, "frame length %d", total), KindGeneric)
			}
			if len(buf) >= total {
				frame := make([]byte, total)
				copy(frame, buf[:total])
				if len(buf) > total {
					t.pending = append([]byte(nil), buf[total:]...)
				}
				return frame, nil
			}
		}
		n, err := t.conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			return nil, t.fail(ctx, err, KindGeneric)
		}
	}
}

// Heartbeat writes one heartbeat frame. Servers do not answer heartbeats.
func (t *TCPTransporter) Heartbeat(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	frame, err := protocol.Marshal(&protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
	if err != nil {
		return err
	}
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Now().Add(t.connectTimeout)
	}
	t.conn.SetWriteDeadline(dl)
	if _, err := t.conn.Write(frame); err != nil {
		return t.fail(ctx, err, KindGeneric)
	}
	return nil
}

// fail disconnects and wraps err. A cancelled ctx takes precedence over the I/O error it caused.
func (t *TCPTransporter) fail(ctx context.Context, err error, fallback Kind) error {
	t.disconnectLocked()
	if cerr := ctx.Err(); cerr != nil {
		if errors.Is(cerr, context.DeadlineExceeded) {
			return t.newError(KindTimedOut, 0, cerr)
		}
		return t.newError(KindGeneric, 0, cerr)
	}
	kind, code := classify(err, fallback)
	return t.newError(kind, code, err)
}

func (t *TCPTransporter) newError(kind Kind, code int, err error) error {
	ce := &ConnectionError{Kind: kind, Code: code, Transporter: t.String(), Err: err}
	if t.hasEP {
		ce.Endpoint = t.ep.Address()
	}
	prom.errors.WithLabelValues(kind.String()).Inc()
	t.log.Debug("transport error", zap.String("kind", kind.String()), zap.String("endpoint", ce.Endpoint), zap.Error(err))
	return ce
}
