package worker

import (
	"context"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"fleetrpc/channel"
)

// SpawnParams describes the worker a Spawner starts. The files belong to the caller, which closes
// them once Spawn returns; a Spawner that needs them longer must duplicate them.
type SpawnParams struct {
	ID        int
	Kind      Kind
	TaskIndex int
	Channel   *os.File // worker end of its channel
	Listener  *os.File // shared listening socket, socket workers only
	Config    Config
}

// Process is a running worker.
type Process interface {
	Pid() int
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	// Signal asks the worker to stop on SIGTERM/SIGINT.
	Signal(sig os.Signal) error
	Kill() error
}

type Spawner interface {
	Spawn(params SpawnParams) (Process, error)
}

// InProcessSpawner runs every worker as a goroutine of the current process. Workers still
// talk to the manager only through their channel.
type InProcessSpawner struct {
	App Application
	Log *zap.Logger
}

func (s *InProcessSpawner) Spawn(params SpawnParams) (Process, error) {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	ch, err := channel.FromFile(params.Channel)
	if err != nil {
		return nil, err
	}
	ch.SetWriteTimeout(params.Config.ChannelWriteTimeout)

	var ln net.Listener
	if params.Kind == KindSocket {
		if params.Listener == nil {
			ch.Close()
			return nil, errors.New("worker: socket worker without listener")
		}
		if ln, err = net.FileListener(params.Listener); err != nil {
			ch.Close()
			return nil, errors.Wrap(err, "worker: listener")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &goroutineProcess{cancel: cancel, ch: ch, done: make(chan struct{})}
	go func() {
		defer p.exit()
		defer func() {
			if r := recover(); r != nil {
				log.Error("worker panicked", zap.Int("worker", params.ID), zap.Any("panic", r))
			}
		}()
		var err error
		if params.Kind == KindSocket {
			err = newSocketWorker(params.ID, s.App, ln, ch, params.Config, log).run(ctx)
		} else {
			err = newTaskWorker(params.ID, params.TaskIndex, s.App, ch, log).run(ctx)
		}
		if err != nil {
			log.Error("worker exited with error", zap.Int("worker", params.ID), zap.Error(err))
		}
	}()
	return p, nil
}

type goroutineProcess struct {
	cancel context.CancelFunc
	ch     *channel.Channel
	done   chan struct{}
	once   sync.Once
}

func (p *goroutineProcess) exit() {
	p.once.Do(func() {
		p.cancel()
		p.ch.Close()
		close(p.done)
	})
}

func (p *goroutineProcess) Pid() int { return os.Getpid() }

func (p *goroutineProcess) Done() <-chan struct{} { return p.done }

func (p *goroutineProcess) Signal(sig os.Signal) error {
	switch sig {
	case syscall.SIGTERM, syscall.SIGINT, os.Interrupt:
		p.cancel()
	}
	return nil
}

// Kill abandons the worker: its channel is closed and it counts as exited immediately,
// even if a callback is still running.
func (p *goroutineProcess) Kill() error {
	p.exit()
	return nil
}
