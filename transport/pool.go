package transport

// Pool design: a buffered channel holds idle transporters (FIFO, goroutine-safe) and a
// weighted semaphore bounds how many are borrowed at once. Transporters are created lazily,
// so the pool starts empty and grows on demand up to its size.

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var ErrPoolClosed = errors.New("transport: pool closed")

// Factory creates an unconnected transporter.
type Factory func() Transporter

type Pool struct {
	factory Factory
	size    int
	sem     *semaphore.Weighted
	idle    chan Transporter
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
}

func NewPool(size int, factory Factory, log *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		factory: factory,
		size:    size,
		sem:     semaphore.NewWeighted(int64(size)),
		idle:    make(chan Transporter, size),
		log:     log.Named("pool"),
	}
}

func (p *Pool) Size() int { return p.size }

// Idle is the number of transporters waiting to be borrowed.
func (p *Pool) Idle() int { return len(p.idle) }

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Get borrows a transporter, blocking until one is free or ctx is done.
// Every successful Get must be paired with a Put.
func (p *Pool) Get(ctx context.Context) (Transporter, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	start := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "transport: waiting for pooled transporter")
	}
	prom.poolWaits.Observe(time.Since(start).Seconds())
	select {
	case t := <-p.idle:
		return t, nil
	default:
		return p.factory(), nil
	}
}

// Put returns t to the pool. A broken transporter is disconnected and discarded.
func (p *Pool) Put(t Transporter, broken bool) {
	defer p.sem.Release(1)
	if broken || p.isClosed() {
		t.Disconnect()
		return
	}
	select {
	case p.idle <- t:
	default:
		t.Disconnect()
	}
}

// Close disconnects every idle transporter. Borrowed ones are disconnected on Put.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for {
		select {
		case t := <-p.idle:
			t.Disconnect()
		default:
			return nil
		}
	}
}

// KeepAlive sends a heartbeat on every idle connected transporter each interval until ctx
// is done. Transporters whose heartbeat fails are dropped.
func (p *Pool) KeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for n := len(p.idle); n > 0; n-- {
			if !p.sem.TryAcquire(1) {
				break
			}
			t, ok := p.takeIdle()
			if !ok {
				p.sem.Release(1)
				break
			}
			broken := false
			if hb, ok := t.(Heartbeater); ok && t.IsConnected() {
				hctx, cancel := context.WithTimeout(ctx, interval)
				if err := hb.Heartbeat(hctx); err != nil {
					p.log.Debug("heartbeat failed", zap.Error(err))
					broken = true
				}
				cancel()
			}
			p.Put(t, broken)
		}
	}
}

func (p *Pool) takeIdle() (Transporter, bool) {
	select {
	case t := <-p.idle:
		return t, true
	default:
		return nil, false
	}
}

// PooledTransporter sends each request on a transporter borrowed for that one call.
type PooledTransporter struct {
	pool *Pool
}

func NewPooledTransporter(p *Pool) *PooledTransporter {
	return &PooledTransporter{pool: p}
}

func (pt *PooledTransporter) Pool() *Pool { return pt.pool }

func (pt *PooledTransporter) Send(ctx context.Context, req []byte) ([]byte, error) {
	t, err := pt.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	// a Send that panics leaves the transporter in an unknown state: discard it
	broken := true
	defer func() { pt.pool.Put(t, broken) }()
	resp, err := t.Send(ctx, req)
	broken = isBroken(err)
	return resp, err
}

// isBroken reports whether a transporter that produced err should be discarded rather
// than reused. Connection errors already disconnect the transporter, which reconnects
// lazily, so only errors of unknown origin discard it.
func isBroken(err error) bool {
	if err == nil {
		return false
	}
	_, ok := AsConnectionError(err)
	return !ok
}

// Session keeps one borrowed transporter for several sends.
type Session struct {
	pool   *Pool
	t      Transporter
	broken bool
	once   sync.Once
}

func (p *Pool) Session(ctx context.Context) (*Session, error) {
	t, err := p.Get(ctx)
	if err != nil {
		return nil, err
	}
	return &Session{pool: p, t: t}, nil
}

func (s *Session) Transporter() Transporter { return s.t }

func (s *Session) Send(ctx context.Context, req []byte) ([]byte, error) {
	resp, err := s.t.Send(ctx, req)
	if isBroken(err) {
		s.broken = true
	}
	return resp, err
}

// Close releases the transporter back to the pool. It is safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() { s.pool.Put(s.t, s.broken) })
	return nil
}
