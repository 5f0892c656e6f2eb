package worker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"fleetrpc/channel"
	"fleetrpc/timer"
)

const readBufferSize = 64 << 10

type eventKind int

const (
	evAccept eventKind = iota
	evAcceptFailed
	evData
	evClosed
	evMessage
	evChannelClosed
)

type event struct {
	kind eventKind
	conn *conn
	data []byte
	msg  *channel.Message
	err  error
}

type conn struct {
	id  uint64
	nc  net.Conn
	off sync.Once
}

func (c *conn) ID() uint64 { return c.id }

func (c *conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

func (c *conn) Write(p []byte) (int, error) { return c.nc.Write(p) }

func (c *conn) Close() error { return c.nc.Close() }

// taskSink is where a socket worker's submitted tasks go: the manager's channel, or the
// in-loop queue of a SingleManager.
type taskSink interface {
	submit(t *Task) error
}

type channelSink struct{ ch *channel.Channel }

func (s channelSink) submit(t *Task) error {
	return s.ch.Send(&channel.Message{Type: channel.TypeTask, Task: t})
}

// localSink runs tasks synchronously at the end of the loop pass that submitted them.
type localSink struct {
	queue  []*Task
	lastID uint64
}

func (s *localSink) submit(t *Task) error {
	s.queue = append(s.queue, t)
	return nil
}

type socketWorker struct {
	id           int
	app          Application
	ln           net.Listener
	ch           *channel.Channel // nil in single mode
	sink         taskSink
	local        *localSink
	maxConns     int
	loopInterval time.Duration
	log          *zap.Logger

	timers    *timer.Queue
	ctx       *workerContext
	events    chan event
	conns     map[uint64]*conn
	nextConn  uint64
	callbacks map[string]TaskCallback
}

func newSocketWorker(id int, app Application, ln net.Listener, ch *channel.Channel, cfg Config, log *zap.Logger) *socketWorker {
	w := &socketWorker{
		id:           id,
		app:          app,
		ln:           ln,
		ch:           ch,
		maxConns:     cfg.MaxConnections,
		loopInterval: cfg.LoopInterval,
		log:          log.With(zap.Int("worker", id), zap.String("kind", KindSocket.String())),
		timers:       timer.New(),
		events:       make(chan event, 256),
		conns:        make(map[uint64]*conn),
		callbacks:    make(map[string]TaskCallback),
	}
	if ch != nil {
		w.sink = channelSink{ch}
	} else {
		w.local = &localSink{}
		w.sink = w.local
	}
	return w
}

func (w *socketWorker) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.ctx = &workerContext{
		Context: ctx,
		id:      w.id,
		kind:    KindSocket,
		log:     w.log,
		timers:  w.timers,
		submit:  w.submit,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.acceptLoop(ctx)
	}()
	if w.ch != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.channelLoop(ctx)
		}()
	}
	defer func() {
		cancel()
		w.ln.Close()
		if w.ch != nil {
			w.ch.Close()
		}
		for _, c := range w.conns {
			c.nc.Close()
		}
		wg.Wait()
	}()

	if h, ok := w.app.(StartHandler); ok {
		h.OnStart(w.ctx)
	}
	w.runLocalTasks()
	w.log.Debug("socket worker started")

	wait := time.NewTimer(w.loopInterval)
	defer wait.Stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !wait.Stop() {
			select {
			case <-wait.C:
			default:
			}
		}
		wait.Reset(w.timers.Until(w.loopInterval))

		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.events:
			if err := w.handle(ev); err != nil {
				return err
			}
			// drain what is already queued before looking at timers again
			for n := len(w.events); n > 0; n-- {
				if err := w.handle(<-w.events); err != nil {
					return err
				}
			}
		case <-wait.C:
		}
		w.timers.Fire(time.Now())
		w.runLocalTasks()
	}
}

func (w *socketWorker) acceptLoop(ctx context.Context) {
	for {
		nc, err := w.ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				w.post(ctx, event{kind: evAcceptFailed, err: err})
			}
			return
		}
		w.post(ctx, event{kind: evAccept, conn: &conn{nc: nc}})
	}
}

func (w *socketWorker) channelLoop(ctx context.Context) {
	for {
		m, err := w.ch.Read()
		if err != nil {
			if ctx.Err() == nil {
				w.post(ctx, event{kind: evChannelClosed, err: err})
			}
			return
		}
		w.post(ctx, event{kind: evMessage, msg: m})
	}
}

func (w *socketWorker) readLoop(ctx context.Context, c *conn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !w.post(ctx, event{kind: evData, conn: c, data: data}) {
				return
			}
		}
		if err != nil {
			w.post(ctx, event{kind: evClosed, conn: c, err: err})
			return
		}
	}
}

func (w *socketWorker) post(ctx context.Context, ev event) bool {
	select {
	case w.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *socketWorker) handle(ev event) error {
	switch ev.kind {
	case evAccept:
		if w.maxConns > 0 && len(w.conns) >= w.maxConns {
			w.log.Warn("too many connections, closing new one",
				zap.Int("max_connections", w.maxConns), zap.Stringer("remote", ev.conn.nc.RemoteAddr()))
			ev.conn.nc.Close()
			prom.rejectedConns.Inc()
			return nil
		}
		w.nextConn++
		ev.conn.id = w.nextConn
		w.conns[ev.conn.id] = ev.conn
		go w.readLoop(w.ctx, ev.conn)
		if h, ok := w.app.(ConnectHandler); ok {
			h.OnConnect(w.ctx, ev.conn)
		}
	case evAcceptFailed:
		return errors.Wrap(ev.err, "worker: accept")
	case evData:
		if _, ok := w.conns[ev.conn.id]; !ok {
			return nil
		}
		w.app.OnReceive(w.ctx, ev.conn, ev.data)
	case evClosed:
		if _, ok := w.conns[ev.conn.id]; !ok {
			return nil
		}
		delete(w.conns, ev.conn.id)
		ev.conn.nc.Close()
		ev.conn.off.Do(func() {
			if h, ok := w.app.(CloseHandler); ok {
				h.OnClose(w.ctx, ev.conn)
			}
		})
	case evMessage:
		w.handleMessage(ev.msg)
	case evChannelClosed:
		if errors.Is(ev.err, channel.ErrClosed) {
			w.log.Info("manager channel closed, stopping")
			return nil
		}
		return errors.Wrap(ev.err, "worker: channel")
	}
	return nil
}

func (w *socketWorker) handleMessage(m *channel.Message) {
	switch m.Type {
	case channel.TypeTaskResult:
		w.deliver(m.Task)
	case channel.TypeTick:
		w.timers.Fire(time.Now())
		if h, ok := w.app.(TickHandler); ok {
			h.OnTick(w.ctx)
		}
	default:
		w.log.Warn("unexpected message", zap.Stringer("type", m.Type))
	}
}

func (w *socketWorker) submit(data []byte, cb TaskCallback, opts ...TaskOption) error {
	t := &Task{
		FromWorkerID: w.id,
		TaskWorkerID: channel.AnyWorker,
		CallbackID:   uuid.NewString(),
		Data:         data,
	}
	for _, o := range opts {
		o(t)
	}
	if cb != nil {
		w.callbacks[t.CallbackID] = cb
	}
	if err := w.sink.submit(t); err != nil {
		delete(w.callbacks, t.CallbackID)
		return errors.Wrap(err, "worker: submit task")
	}
	return nil
}

// deliver fires the completion callback of t at most once.
func (w *socketWorker) deliver(t *Task) {
	cb, ok := w.callbacks[t.CallbackID]
	if !ok {
		w.log.Debug("result without callback", zap.Uint64("task", t.TaskID))
		return
	}
	delete(w.callbacks, t.CallbackID)
	cb(t)
}

// runLocalTasks executes tasks queued in single mode. Tasks submitted by a callback run in
// the same pass.
func (w *socketWorker) runLocalTasks() {
	if w.local == nil {
		return
	}
	for len(w.local.queue) > 0 {
		t := w.local.queue[0]
		w.local.queue = w.local.queue[1:]
		w.local.lastID++
		t.TaskID = w.local.lastID
		t.TaskWorkerID = 0
		runTask(w.ctx, w.app, t)
		prom.tasks.WithLabelValues("finished").Inc()
		w.deliver(t)
	}
}
