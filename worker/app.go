// Package worker runs an Application across a pool of socket workers and task workers.
//
// Socket workers share one listening socket and run the Application's connection
// callbacks. Task workers execute work that socket workers offload with Context.Submit.
// The Manager spawns both kinds, ferries tasks between them over channel.Channel pairs and
// respawns workers that die. SingleManager offers the same callbacks in one loop without
// any worker processes.
package worker

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"fleetrpc/channel"
	"fleetrpc/timer"
)

type Task = channel.Task

type Kind int

const (
	KindSocket Kind = iota
	KindTask
)

func (k Kind) String() string {
	if k == KindTask {
		return "task"
	}
	return "socket"
}

// Application is hosted by every worker. OnReceive is the only required callback; the
// others are picked up through the optional interfaces below.
//
// All callbacks of one worker run on that worker's loop goroutine, one at a time.
type Application interface {
	OnReceive(ctx Context, c Conn, data []byte)
}

type StartHandler interface {
	OnStart(ctx Context)
}

type ConnectHandler interface {
	OnConnect(ctx Context, c Conn)
}

type CloseHandler interface {
	OnClose(ctx Context, c Conn)
}

// TaskHandler runs in task workers. The returned bytes become Task.Result, an error
// becomes Task.Error.
type TaskHandler interface {
	OnTask(ctx Context, task *Task) ([]byte, error)
}

// TickHandler is called on every TICK from the manager.
type TickHandler interface {
	OnTick(ctx Context)
}

// Conn is one accepted client connection.
type Conn interface {
	ID() uint64
	RemoteAddr() net.Addr
	Write(p []byte) (int, error)
	// Close closes the connection; OnClose follows from the worker loop.
	Close() error
}

// TaskCallback receives the finished task. task.Error is set when the task failed or was
// lost.
type TaskCallback func(task *Task)

type TaskOption func(*Task)

// PinTaskWorker routes the task to the task worker with the given index.
func PinTaskWorker(index int) TaskOption {
	return func(t *Task) { t.TaskWorkerID = index }
}

var ErrNotSocketWorker = errors.New("worker: tasks can only be submitted from socket workers")

// Context is handed to every callback. It is cancelled when the worker stops. Its
// methods must only be called from the worker's callbacks.
type Context interface {
	context.Context
	WorkerID() int
	Kind() Kind
	Logger() *zap.Logger
	Tick(interval time.Duration, fn timer.Func) int
	After(interval time.Duration, fn timer.Func) int
	ClearTimer(id int) bool
	Submit(data []byte, cb TaskCallback, opts ...TaskOption) error
}

type workerContext struct {
	context.Context
	id     int
	kind   Kind
	log    *zap.Logger
	timers *timer.Queue
	submit func(data []byte, cb TaskCallback, opts ...TaskOption) error
}

func (c *workerContext) WorkerID() int { return c.id }

func (c *workerContext) Kind() Kind { return c.kind }

func (c *workerContext) Logger() *zap.Logger { return c.log }

func (c *workerContext) Tick(interval time.Duration, fn timer.Func) int {
	return c.timers.Tick(interval, fn)
}

func (c *workerContext) After(interval time.Duration, fn timer.Func) int {
	return c.timers.After(interval, fn)
}

func (c *workerContext) ClearTimer(id int) bool { return c.timers.Clear(id) }

func (c *workerContext) Submit(data []byte, cb TaskCallback, opts ...TaskOption) error {
	if c.submit == nil {
		return ErrNotSocketWorker
	}
	return c.submit(data, cb, opts...)
}
