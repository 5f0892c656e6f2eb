package worker

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// SingleManager hosts the Application in one loop of the current goroutine. Submitted
// tasks run synchronously in the loop pass that submitted them, and TickInterval drives
// OnTick through the loop's own timer queue.
type SingleManager struct {
	cfg Config
	ln  net.Listener
	app Application
	log *zap.Logger
}

func NewSingleManager(ln net.Listener, app Application, cfg Config, log *zap.Logger) (*SingleManager, error) {
	if err := cfg.validate(true); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SingleManager{cfg: cfg.withDefaults(), ln: ln, app: app, log: log.Named("worker")}, nil
}

func (m *SingleManager) Addr() net.Addr { return m.ln.Addr() }

// Run serves until ctx is done or, with HandleSignals, SIGINT/SIGTERM arrives. The
// listener is closed on return.
func (m *SingleManager) Run(ctx context.Context) error {
	defer m.ln.Close()
	if m.cfg.HandleSignals {
		signal.Ignore(syscall.SIGPIPE)
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
	}
	w := newSocketWorker(0, m.app, m.ln, nil, m.cfg, m.log)
	if m.cfg.TickInterval > 0 {
		if h, ok := m.app.(TickHandler); ok {
			w.timers.Tick(m.cfg.TickInterval, func(int) { h.OnTick(w.ctx) })
		}
	}
	m.log.Info("single worker started", zap.Stringer("listen", m.ln.Addr()))
	err := w.run(ctx)
	m.log.Info("single worker stopped", zap.Error(err))
	return err
}
