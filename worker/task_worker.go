package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"fleetrpc/channel"
	"fleetrpc/timer"
)

type taskWorker struct {
	id    int
	index int
	app   Application
	ch    *channel.Channel
	log   *zap.Logger

	timers *timer.Queue
}

func newTaskWorker(id, index int, app Application, ch *channel.Channel, log *zap.Logger) *taskWorker {
	return &taskWorker{
		id:     id,
		index:  index,
		app:    app,
		ch:     ch,
		log:    log.With(zap.Int("worker", id), zap.String("kind", KindTask.String()), zap.Int("task_worker", index)),
		timers: timer.New(),
	}
}

// run blocks on the channel for the next message until ctx is done or the manager closes
// its end.
func (w *taskWorker) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wctx := &workerContext{
		Context: ctx,
		id:      w.id,
		kind:    KindTask,
		log:     w.log,
		timers:  w.timers,
	}
	go func() {
		<-ctx.Done()
		w.ch.Close()
	}()

	if h, ok := w.app.(StartHandler); ok {
		h.OnStart(wctx)
	}
	w.log.Debug("task worker started")

	for {
		m, err := w.ch.Read()
		if err != nil {
			if errors.Is(err, channel.ErrClosed) {
				return nil
			}
			return err
		}
		switch m.Type {
		case channel.TypeTask:
			runTask(wctx, w.app, m.Task)
			if err := w.ch.Send(&channel.Message{Type: channel.TypeTaskFinish, Task: m.Task}); err != nil {
				if errors.Is(err, channel.ErrClosed) {
					return nil
				}
				return err
			}
		case channel.TypeTick:
			w.timers.Fire(time.Now())
			if h, ok := w.app.(TickHandler); ok {
				h.OnTick(wctx)
			}
		default:
			w.log.Warn("unexpected message", zap.Stringer("type", m.Type))
		}
	}
}

// runTask executes t with the application's TaskHandler and strips its input, so only
// the result travels back.
func runTask(ctx Context, app Application, t *Task) {
	defer func() {
		t.Data = nil
		if r := recover(); r != nil {
			t.Result = nil
			t.Error = fmt.Sprintf("task panicked: %v", r)
			ctx.Logger().Error("task panicked", zap.Uint64("task", t.TaskID), zap.Any("panic", r))
		}
	}()
	h, ok := app.(TaskHandler)
	if !ok {
		t.Error = "application does not handle tasks"
		return
	}
	res, err := h.OnTask(ctx, t)
	if err != nil {
		t.Error = err.Error()
		return
	}
	t.Result = res
}
