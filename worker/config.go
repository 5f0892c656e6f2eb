package worker

import (
	"time"

	"github.com/pkg/errors"
)

type Config struct {
	WorkerNum      int
	TaskWorkerNum  int
	MaxConnections int // per socket worker; 0 is unlimited
	// LoopInterval bounds how long a loop waits before it checks for work again.
	LoopInterval time.Duration
	// TickInterval is the period of TICK messages to every worker; 0 disables them.
	TickInterval time.Duration
	// TaskTimeout fails a dispatched task and restarts its task worker; 0 disables it.
	TaskTimeout time.Duration
	StopTimeout time.Duration
	// ChannelWriteTimeout abandons a channel send the peer does not accept in time.
	ChannelWriteTimeout time.Duration
	// HandleSignals installs the manager's signal handlers for the duration of Run.
	HandleSignals bool
}

const (
	DefaultLoopInterval        = 50 * time.Millisecond
	DefaultStopTimeout         = 5 * time.Second
	DefaultChannelWriteTimeout = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.LoopInterval <= 0 {
		c.LoopInterval = DefaultLoopInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.ChannelWriteTimeout <= 0 {
		c.ChannelWriteTimeout = DefaultChannelWriteTimeout
	}
	return c
}

func (c Config) validate(single bool) error {
	if !single && c.WorkerNum < 1 {
		return errors.Errorf("worker: worker_num must be at least 1, got %d", c.WorkerNum)
	}
	if c.TaskWorkerNum < 0 {
		return errors.Errorf("worker: task_worker_num must not be negative, got %d", c.TaskWorkerNum)
	}
	if c.MaxConnections < 0 {
		return errors.Errorf("worker: max_connections must not be negative, got %d", c.MaxConnections)
	}
	return nil
}
